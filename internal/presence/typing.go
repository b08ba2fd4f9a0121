package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/metrics"
)

// DefaultTypingTimeout is the debounce window after which a silent typer is
// reported as stopped.
const DefaultTypingTimeout = 4 * time.Second

type typingKey struct {
	userID       uuid.UUID
	conversation string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
	addr  event.Address
}

// TypingTimers keeps one deferred "stopped typing" per (user, conversation).
// Re-arming cancels the pending timer and schedules a new one; the
// generation number makes a timer that already fired but lost the race for
// mu a no-op.
type TypingTimers struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
	timeout time.Duration
	bus     Publisher
	logger  logging.Logger
}

// NewTypingTimers creates timers firing after timeout (DefaultTypingTimeout
// when timeout <= 0).
func NewTypingTimers(bus Publisher, timeout time.Duration, logger logging.Logger) *TypingTimers {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTimers{
		entries: make(map[typingKey]*typingEntry),
		timeout: timeout,
		bus:     bus,
		logger:  logger,
	}
}

// Timeout returns the debounce window.
func (tt *TypingTimers) Timeout() time.Duration {
	return tt.timeout
}

// Start arms or re-arms the timer for userID in addr's conversation.
func (tt *TypingTimers) Start(userID uuid.UUID, addr event.Address) {
	key := typingKey{userID: userID, conversation: addr.ConversationKey(userID)}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	if e, ok := tt.entries[key]; ok {
		e.timer.Stop()
	}
	tt.gen++
	gen := tt.gen
	e := &typingEntry{gen: gen, addr: addr}
	// The callback takes mu, so it cannot observe e before timer is set.
	e.timer = time.AfterFunc(tt.timeout, func() { tt.expire(key, gen) })
	tt.entries[key] = e
}

func (tt *TypingTimers) expire(key typingKey, gen uint64) {
	tt.mu.Lock()
	e, ok := tt.entries[key]
	if !ok || e.gen != gen {
		tt.mu.Unlock()
		return
	}
	delete(tt.entries, key)
	tt.mu.Unlock()

	metrics.TypingTimeouts.Inc()
	tt.logger.Debug("typing: timed out", logging.Fields{
		"user_id": key.userID, "conversation": key.conversation,
	})
	tt.bus.Publish(context.Background(), event.UserStoppedTyping{UserID: key.userID, Address: e.addr})
}

// Stop cancels the timer for addr's conversation and publishes
// UserStoppedTyping right away, whether or not a timer was pending.
func (tt *TypingTimers) Stop(ctx context.Context, userID uuid.UUID, addr event.Address) {
	key := typingKey{userID: userID, conversation: addr.ConversationKey(userID)}

	tt.mu.Lock()
	if e, ok := tt.entries[key]; ok {
		e.timer.Stop()
		delete(tt.entries, key)
	}
	tt.mu.Unlock()

	tt.bus.Publish(ctx, event.UserStoppedTyping{UserID: userID, Address: addr})
}

// Clear cancels all of userID's timers without publishing.
func (tt *TypingTimers) Clear(userID uuid.UUID) {
	tt.removeUser(userID)
}

// StopAll cancels all of userID's timers and publishes UserStoppedTyping for
// each conversation that had one pending.
func (tt *TypingTimers) StopAll(ctx context.Context, userID uuid.UUID) {
	for _, addr := range tt.removeUser(userID) {
		tt.bus.Publish(ctx, event.UserStoppedTyping{UserID: userID, Address: addr})
	}
}

func (tt *TypingTimers) removeUser(userID uuid.UUID) []event.Address {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	var addrs []event.Address
	for key, e := range tt.entries {
		if key.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(tt.entries, key)
		addrs = append(addrs, e.addr)
	}
	return addrs
}

// Pending returns the number of armed timers for userID.
func (tt *TypingTimers) Pending(userID uuid.UUID) int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	n := 0
	for key := range tt.entries {
		if key.userID == userID {
			n++
		}
	}
	return n
}
