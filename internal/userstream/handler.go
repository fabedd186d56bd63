// Package userstream bridges the venue's execution reports into the
// execution engine. Reports are queued and processed strictly in
// arrival order on a single goroutine, so order-lifecycle handling
// never races with itself.
package userstream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
)

const queueDepth = 256

// Handler consumes one venue user stream and feeds the execution engine.
type Handler struct {
	logger   *zap.Logger
	streamer exchange.Streamer
	exec     *execution.Engine

	queue   chan exchange.OrderUpdate
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	dropped int
}

func NewHandler(logger *zap.Logger, streamer exchange.Streamer, exec *execution.Engine) *Handler {
	return &Handler{
		logger:   logger.Named("userstream"),
		streamer: streamer,
		exec:     exec,
		queue:    make(chan exchange.OrderUpdate, queueDepth),
	}
}

// Start opens the stream and begins draining. Blocking on a full queue
// would stall the venue's websocket reader, so an overflowing report is
// dropped and logged; reconciliation repairs whatever was missed.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.mu.Unlock()

	if err := h.streamer.StartUserStream(ctx, h.enqueue); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}

	go h.drain(ctx)
	h.logger.Info("User stream started")
	return nil
}

func (h *Handler) enqueue(u exchange.OrderUpdate) {
	select {
	case h.queue <- u:
	default:
		h.mu.Lock()
		h.dropped++
		n := h.dropped
		h.mu.Unlock()
		h.logger.Error("User-stream queue full, dropping report",
			zap.String("clientOrderId", u.ClientOrderID),
			zap.Int("totalDropped", n),
		)
	}
}

func (h *Handler) drain(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case u := <-h.queue:
			h.exec.HandleOrderUpdate(ctx, u)
		}
	}
}

// Stop closes the stream and waits for the drain goroutine to exit.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()

	h.streamer.StopUserStream()
	<-done
	h.logger.Info("User stream stopped")
}

// Dropped reports how many execution reports overflowed the queue.
func (h *Handler) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
