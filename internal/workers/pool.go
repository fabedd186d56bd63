// Package workers runs per-symbol evaluation tasks on a bounded pool so
// a slow symbol cannot stall the whole strategy cycle.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name        string
	NumWorkers  int
	QueueSize   int
	TaskTimeout time.Duration
}

// DefaultPoolConfig returns defaults sized for I/O bound symbol work.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:        name,
		NumWorkers:  runtime.NumCPU() * 2,
		QueueSize:   256,
		TaskTimeout: 30 * time.Second,
	}
}

// Pool manages the worker goroutines.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig

	tasks   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("Starting worker pool", zap.Int("workers", p.cfg.NumWorkers))
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, task)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task Task) {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(tctx); err != nil {
		p.failed.Add(1)
		p.logger.Debug("Task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task without blocking. A full queue is an error so the
// caller can shed load instead of stalling a loop.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// ForEach evaluates fn for every symbol concurrently and returns once
// all complete or the context ends. Failures are reported per symbol.
func (p *Pool) ForEach(ctx context.Context, symbols []string, fn func(ctx context.Context, symbol string) error) map[string]error {
	var mu sync.Mutex
	failures := make(map[string]error)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		err := p.Submit(TaskFunc(func(tctx context.Context) error {
			defer wg.Done()
			if err := fn(tctx, symbol); err != nil {
				mu.Lock()
				failures[symbol] = err
				mu.Unlock()
				return err
			}
			return nil
		}))
		if err != nil {
			wg.Done()
			mu.Lock()
			failures[symbol] = err
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// A cancelled wait can return while tasks are still recording
	// failures, so the caller gets a snapshot taken under the lock.
	mu.Lock()
	out := make(map[string]error, len(failures))
	for symbol, ferr := range failures {
		out[symbol] = ferr
	}
	mu.Unlock()
	return out
}

// Stop drains the workers, bounded by the task timeout.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-time.After(p.cfg.TaskTimeout):
		p.logger.Warn("Worker pool shutdown timed out")
	}
}

// Stats reports completion counters.
func (p *Pool) Stats() (completed, failed, panics int64) {
	return p.completed.Load(), p.failed.Load(), p.panics.Load()
}

var (
	ErrPoolStopped = &PoolError{Message: "pool is stopped"}
	ErrQueueFull   = &PoolError{Message: "task queue is full"}
)

type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }
