// Package eventbus is the in-process publish/subscribe dispatcher that
// decouples message persistence from real-time fan-out. Handlers are
// registered per event type and run as independent goroutines; Publish never
// waits for them and never sees their failures.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/metrics"
)

// Handler processes one event. A returned error is logged by the bus.
type Handler func(ctx context.Context, ev event.Event) error

type registry map[event.Type][]Handler

// Bus dispatches published events to the handlers subscribed to their type.
//
// The subscriber registry is copy-on-write: Subscribe swaps in a new snapshot
// under mu, Publish reads the current snapshot without locking. A handler
// subscribed while a Publish is in flight does not receive that event.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[registry]
	logger logging.Logger

	// idle is closed whenever no handler is running; Publish replaces it
	// when the count leaves zero.
	runMu    sync.Mutex
	inflight int
	idle     chan struct{}
}

// New creates an empty Bus.
func New(logger logging.Logger) *Bus {
	b := &Bus{logger: logger, idle: make(chan struct{})}
	close(b.idle)
	empty := make(registry)
	b.subs.Store(&empty)
	return b
}

// Subscribe registers h for events of type t. Registering the same handler
// twice is allowed and makes it fire twice per event.
func (b *Bus) Subscribe(t event.Type, h Handler) {
	if h == nil {
		b.logger.Warn("eventbus: ignoring nil handler", logging.Fields{"type": t})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.subs.Load()
	next := make(registry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	handlers := make([]Handler, len(old[t]), len(old[t])+1)
	copy(handlers, old[t])
	next[t] = append(handlers, h)
	b.subs.Store(&next)
}

// On subscribes a typed handler. The event type is taken from T, which must
// be one of the value event structs of package event.
func On[T event.Event](b *Bus, fn func(ctx context.Context, ev T) error) {
	var zero T
	t := zero.EventType()
	b.Subscribe(t, func(ctx context.Context, ev event.Event) error {
		typed, ok := ev.(T)
		if !ok {
			return fmt.Errorf("eventbus: %s handler received %T", t, ev)
		}
		return fn(ctx, typed)
	})
}

// Publish starts every handler registered for the event's type, in
// registration order, each on its own goroutine, and returns immediately.
// Handlers receive a context that keeps ctx's values but not its
// cancellation, since they outlive the publishing call.
func (b *Bus) Publish(ctx context.Context, ev event.Event) {
	if ev == nil {
		return
	}
	t := ev.EventType()
	metrics.EventsPublished.WithLabelValues(string(t)).Inc()

	handlers := (*b.subs.Load())[t]
	if len(handlers) == 0 {
		return
	}

	b.started(len(handlers))
	hctx := context.WithoutCancel(ctx)
	for i, h := range handlers {
		go b.run(hctx, t, i, h, ev)
	}
}

func (b *Bus) started(n int) {
	b.runMu.Lock()
	if b.inflight == 0 {
		b.idle = make(chan struct{})
	}
	b.inflight += n
	b.runMu.Unlock()
}

func (b *Bus) finished() {
	b.runMu.Lock()
	b.inflight--
	if b.inflight == 0 {
		close(b.idle)
	}
	b.runMu.Unlock()
}

func (b *Bus) run(ctx context.Context, t event.Type, idx int, h Handler, ev event.Event) {
	defer b.finished()
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues(string(t), "panic").Inc()
			b.logger.Error("eventbus: handler panicked", logging.Fields{
				"type":    t,
				"handler": idx,
				"panic":   r,
				"stack":   string(debug.Stack()),
			})
		}
	}()

	if err := h(ctx, ev); err != nil {
		metrics.HandlerFailures.WithLabelValues(string(t), "error").Inc()
		b.logger.Error("eventbus: handler failed", logging.Fields{"type": t, "handler": idx}, err)
	}
}

// Subscribers returns the number of handlers registered for t.
func (b *Bus) Subscribers(t event.Type) int {
	return len((*b.subs.Load())[t])
}

// Wait blocks until no handler is running, or ctx is done. A handler that
// publishes before returning extends the wait to the handlers it started.
// Publishing concurrently with Wait is safe.
func (b *Bus) Wait(ctx context.Context) error {
	b.runMu.Lock()
	idle := b.idle
	b.runMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
