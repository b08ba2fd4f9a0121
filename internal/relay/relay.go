// Package relay fans chat events out across realtime nodes over NATS. Every
// locally published event is forwarded to realtime.events.<type>; events
// from other nodes are republished on the local bus, marked as remote so
// they are not forwarded again. Each node's delivery handler then serves its
// own connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/eventbus"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/messaging"
	"github.com/scholaris/realtime/internal/metrics"
)

// Broker is the pub/sub transport between nodes.
type Broker interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) error
}

// Envelope is the wire format of a relayed event.
type Envelope struct {
	Origin  string          `json:"origin"`
	Type    event.Type      `json:"type"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Subject returns the subject events of type t are relayed on.
func Subject(t event.Type) string {
	return messaging.SubjectEvents + "." + string(t)
}

type remoteKey struct{}

// WithRemote marks ctx as carrying an event received from node origin.
func WithRemote(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, remoteKey{}, origin)
}

// RemoteOrigin returns the node a relayed event came from, if any.
func RemoteOrigin(ctx context.Context) (string, bool) {
	origin, ok := ctx.Value(remoteKey{}).(string)
	return origin, ok
}

// Presence reports whether a user has connections on this node.
type Presence interface {
	IsOnline(userID uuid.UUID) bool
}

// Relay bridges the local bus and the broker.
type Relay struct {
	bus      *eventbus.Bus
	broker   Broker
	node     string
	presence Presence
	logger   logging.Logger
}

func New(bus *eventbus.Bus, broker Broker, node string, logger logging.Logger) *Relay {
	return &Relay{bus: bus, broker: broker, node: node, logger: logger}
}

// SetPresence makes the relay drop disconnects from other nodes for users
// still connected here. Call before Start.
func (r *Relay) SetPresence(p Presence) {
	r.presence = p
}

// Start subscribes to every local event type and to the cluster subject.
func (r *Relay) Start(ctx context.Context) error {
	for _, t := range event.AllTypes {
		r.bus.Subscribe(t, r.forward)
	}
	if err := r.broker.Subscribe(messaging.SubjectEvents+".>", r.receive); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.logger.Info("relay: started", logging.Fields{"node": r.node})
	return nil
}

func (r *Relay) forward(ctx context.Context, ev event.Event) error {
	if _, remote := RemoteOrigin(ctx); remote {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", ev.EventType(), err)
	}
	data, err := json.Marshal(Envelope{
		Origin:  r.node,
		Type:    ev.EventType(),
		SentAt:  time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}

	if err := r.broker.Publish(Subject(ev.EventType()), data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", ev.EventType(), err)
	}
	metrics.RelayMessages.WithLabelValues("out").Inc()
	return nil
}

func (r *Relay) receive(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("relay: dropping malformed envelope", logging.Fields{"subject": msg.Subject}, err)
		return
	}
	if env.Origin == r.node {
		return
	}

	ev, err := event.Decode(env.Type, env.Payload)
	if err != nil {
		r.logger.Warn("relay: dropping undecodable event", logging.Fields{"type": env.Type, "origin": env.Origin}, err)
		return
	}

	if left, ok := ev.(event.UserDisconnected); ok && r.presence != nil && r.presence.IsOnline(left.UserID) {
		r.logger.Debug("relay: user still connected locally, dropping remote disconnect", logging.Fields{
			"user_id": left.UserID,
			"origin":  env.Origin,
		})
		return
	}

	metrics.RelayMessages.WithLabelValues("in").Inc()
	r.bus.Publish(WithRemote(context.Background(), env.Origin), ev)
}
