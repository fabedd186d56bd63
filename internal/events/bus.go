package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler consumes a published event. Handlers run synchronously on the
// bus dispatch loop, in registration order. A handler may publish
// follow-up events; they are appended immediately and dispatched after
// the current event finishes fanning out.
type Handler func(*Event)

// Bus sequences events, persists them to the ledger and then dispatches
// to handlers. Appends are serialized so sequences stay dense; dispatch
// runs on a single drain loop so every handler observes events in exact
// ledger order.
type Bus struct {
	mu          sync.Mutex
	logger      *zap.Logger
	ledger      *Ledger
	handlers    []registration
	queue       []*Event
	dispatching bool

	published  int64
	dispatched int64
	panics     int64
}

type registration struct {
	name string
	fn   Handler
}

// NewBus creates a bus bound to an open ledger.
func NewBus(logger *zap.Logger, ledger *Ledger) *Bus {
	return &Bus{
		logger: logger.Named("bus"),
		ledger: ledger,
	}
}

// Subscribe registers a named handler. Registration order is dispatch
// order. Subscribe before the first Publish; not safe concurrently.
func (b *Bus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, registration{name: name, fn: fn})
	b.logger.Debug("Handler subscribed", zap.String("handler", name))
}

// Publish persists the event and dispatches it to all handlers. On a
// ledger write failure no handler is notified and the error is returned
// as a *LedgerWriteError. When called from inside a handler, the event
// is persisted immediately and dispatched after the current event
// completes its fan-out.
func (b *Bus) Publish(kind Kind, payload any, metadata map[string]string) (*Event, error) {
	ev := New(kind, payload, metadata)

	b.mu.Lock()
	if err := b.ledger.Append(ev); err != nil {
		b.mu.Unlock()
		b.logger.Error("Event persistence failed, dropping publish",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, err
	}
	atomic.AddInt64(&b.published, 1)
	b.enqueueLocked(ev)
	return ev, nil
}

// Inject delivers an already-persisted event (ledger replay) to all
// handlers without appending.
func (b *Bus) Inject(ev *Event) {
	b.mu.Lock()
	b.enqueueLocked(ev)
}

// enqueueLocked adds ev to the dispatch queue and, when no drain loop is
// active, becomes the drain loop. Called with b.mu held; returns with it
// released.
func (b *Bus) enqueueLocked(ev *Event) {
	b.queue = append(b.queue, ev)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.dispatch(next)
		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
}

func (b *Bus) dispatch(ev *Event) {
	for _, reg := range b.handlers {
		b.invoke(reg, ev)
	}
	atomic.AddInt64(&b.dispatched, 1)
}

func (b *Bus) invoke(reg registration, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&b.panics, 1)
			b.logger.Error("Handler panicked",
				zap.String("handler", reg.name),
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("sequence", ev.Sequence),
				zap.Any("panic", r),
			)
		}
	}()
	start := time.Now()
	reg.fn(ev)
	elapsed := time.Since(start)
	if elapsed > 500*time.Millisecond {
		b.logger.Warn("Slow handler",
			zap.String("handler", reg.name),
			zap.String("kind", string(ev.Kind)),
			zap.Duration("elapsed", elapsed),
		)
	}
}

// Stats reports bus counters.
func (b *Bus) Stats() map[string]int64 {
	return map[string]int64{
		"published":  atomic.LoadInt64(&b.published),
		"dispatched": atomic.LoadInt64(&b.dispatched),
		"panics":     atomic.LoadInt64(&b.panics),
	}
}

// MustPublish publishes and panics on failure. Used only during startup
// where a dead ledger is unrecoverable.
func (b *Bus) MustPublish(kind Kind, payload any, metadata map[string]string) *Event {
	ev, err := b.Publish(kind, payload, metadata)
	if err != nil {
		panic(fmt.Sprintf("publish %s: %v", kind, err))
	}
	return ev
}
