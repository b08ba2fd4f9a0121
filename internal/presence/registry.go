// Package presence tracks which connections belong to which user and
// derives online/offline transitions and typing indicators from them.
//
// Presence is edge-triggered: UserConnected is published when a user goes
// from zero to one connection and UserDisconnected when the last connection
// goes away. Additional devices joining or leaving in between are silent.
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

// Publisher is the subset of the event bus the registry needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Registry owns the user -> connection set mapping. A single mutex guards
// the whole map; expected cardinality is thousands of users per node.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]map[string]struct{}
	bus    Publisher
	typing *TypingTimers
	logger logging.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry publishing presence transitions on
// bus and delegating typing indicators to typing.
func NewRegistry(bus Publisher, typing *TypingTimers, logger logging.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]map[string]struct{}),
		bus:    bus,
		typing: typing,
		logger: logger,
		now:    time.Now,
	}
}

// AddConnection records connID for userID. It reports whether this was the
// user's first connection, in which case UserConnected is published.
// Adding a connection that is already registered is a no-op.
func (r *Registry) AddConnection(ctx context.Context, userID uuid.UUID, connID string) bool {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	if _, dup := set[connID]; dup {
		r.mu.Unlock()
		return false
	}
	set[connID] = struct{}{}
	first := len(set) == 1
	online := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("presence: connection added", logging.Fields{
		"user_id": userID, "conn_id": connID, "first": first,
	})

	if first {
		metrics.OnlineUsers.Set(float64(online))
		r.bus.Publish(ctx, event.UserConnected{UserID: userID, ConnectedAt: r.now().UTC()})
	}
	return first
}

// RemoveConnection forgets connID. It reports whether this was the user's
// last connection, in which case pending typing indicators are stopped and
// UserDisconnected is published. Removing an unknown connection is a no-op;
// connection lifecycles race with network blips.
func (r *Registry) RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) bool {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, known := set[connID]; !known {
		r.mu.Unlock()
		return false
	}
	delete(set, connID)
	last := len(set) == 0
	if last {
		delete(r.conns, userID)
	}
	online := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("presence: connection removed", logging.Fields{
		"user_id": userID, "conn_id": connID, "last": last,
	})

	if last {
		metrics.OnlineUsers.Set(float64(online))
		if r.typing != nil {
			r.typing.StopAll(ctx, userID)
		}
		r.bus.Publish(ctx, event.UserDisconnected{
			UserID:           userID,
			DisconnectedAt:   r.now().UTC(),
			IsLastConnection: true,
		})
	}
	return last
}

// GetOnlineUsers returns a snapshot of users with at least one connection.
func (r *Registry) GetOnlineUsers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	return users
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// Connections returns a snapshot of userID's connection IDs.
func (r *Registry) Connections(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns[userID]))
	for id := range r.conns[userID] {
		ids = append(ids, id)
	}
	return ids
}

// SetTypingTimeout (re)arms the typing timer for userID in the conversation
// designated by addr.
func (r *Registry) SetTypingTimeout(userID uuid.UUID, addr event.Address) {
	r.typing.Start(userID, addr)
}

// StopTyping cancels the typing timer for that conversation and publishes
// UserStoppedTyping immediately.
func (r *Registry) StopTyping(ctx context.Context, userID uuid.UUID, addr event.Address) {
	r.typing.Stop(ctx, userID, addr)
}

// ClearTypingTimeout cancels every pending typing timer of userID without
// publishing anything.
func (r *Registry) ClearTypingTimeout(userID uuid.UUID) {
	r.typing.Clear(userID)
}
