package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/eventbus"
	"github.com/scholaris/realtime/internal/logging"
)

// memBroker delivers every publish synchronously to all subscribers whose
// pattern is a prefix wildcard of the subject.
type memBroker struct {
	mu       sync.Mutex
	handlers map[string][]nats.MsgHandler
	sent     int
}

func (b *memBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.sent++
	var matched []nats.MsgHandler
	for pattern, hs := range b.handlers {
		if strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">")) {
			matched = append(matched, hs...)
		}
	}
	b.mu.Unlock()
	for _, h := range matched {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (b *memBroker) Subscribe(subject string, handler nats.MsgHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]nats.MsgHandler)
	}
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

type node struct {
	bus      *eventbus.Bus
	mu       sync.Mutex
	received []event.MessageSent
	remote   []string
}

func startNode(t *testing.T, name string, broker *memBroker) *node {
	t.Helper()
	n := &node{bus: eventbus.New(logging.Discard())}
	eventbus.On(n.bus, func(ctx context.Context, ev event.MessageSent) error {
		origin, _ := RemoteOrigin(ctx)
		n.mu.Lock()
		n.received = append(n.received, ev)
		n.remote = append(n.remote, origin)
		n.mu.Unlock()
		return nil
	})
	if err := New(n.bus, broker, name, logging.Discard()).Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	return n
}

func waitAll(t *testing.T, nodes ...*node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Two rounds: a relayed event is published on the peer from inside the
	// origin's handler.
	for i := 0; i < 2; i++ {
		for _, n := range nodes {
			if err := n.bus.Wait(ctx); err != nil {
				t.Fatalf("bus.Wait: %v", err)
			}
		}
	}
}

func TestRelay_DeliversToPeersOnce(t *testing.T) {
	broker := &memBroker{}
	a := startNode(t, "ws-a", broker)
	b := startNode(t, "ws-b", broker)

	ev := event.MessageSent{MessageID: uuid.New(), SenderID: uuid.New(), Address: event.Group(uuid.New())}
	a.bus.Publish(context.Background(), ev)
	waitAll(t, a, b)

	if len(a.received) != 1 || a.remote[0] != "" {
		t.Errorf("origin node received %d events (remote=%v), want 1 local", len(a.received), a.remote)
	}
	if len(b.received) != 1 {
		t.Fatalf("peer received %d events, want 1", len(b.received))
	}
	if b.received[0] != ev {
		t.Errorf("peer received %+v, want %+v", b.received[0], ev)
	}
	if b.remote[0] != "ws-a" {
		t.Errorf("peer saw origin %q, want ws-a", b.remote[0])
	}
	// Only the origin forwards; the peer's relay skips remote events.
	if broker.sent != 1 {
		t.Errorf("broker carried %d messages, want 1", broker.sent)
	}
}

func TestRelay_DropsMalformed(t *testing.T) {
	broker := &memBroker{}
	n := startNode(t, "ws-a", broker)

	_ = broker.Publish(Subject(event.TypeMessageSent), []byte("not json"))
	_ = broker.Publish(Subject(event.TypeMessageSent), []byte(`{"origin":"ws-b","type":"bogus","payload":{}}`))
	waitAll(t, n)

	if len(n.received) != 0 {
		t.Errorf("received %d events from malformed envelopes", len(n.received))
	}
}

type onlineSet map[uuid.UUID]bool

func (o onlineSet) IsOnline(userID uuid.UUID) bool { return o[userID] }

func TestRelay_RemoteDisconnectOfLocallyOnlineUser(t *testing.T) {
	broker := &memBroker{}
	here, elsewhere := uuid.New(), uuid.New()

	bus := eventbus.New(logging.Discard())
	var mu sync.Mutex
	var left []uuid.UUID
	eventbus.On(bus, func(ctx context.Context, ev event.UserDisconnected) error {
		mu.Lock()
		left = append(left, ev.UserID)
		mu.Unlock()
		return nil
	})
	r := New(bus, broker, "ws-b", logging.Discard())
	r.SetPresence(onlineSet{here: true})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer := startNode(t, "ws-a", broker)

	peer.bus.Publish(context.Background(), event.UserDisconnected{UserID: here, IsLastConnection: true})
	peer.bus.Publish(context.Background(), event.UserDisconnected{UserID: elsewhere, IsLastConnection: true})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		_ = peer.bus.Wait(ctx)
		_ = bus.Wait(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(left) != 1 || left[0] != elsewhere {
		t.Errorf("republished disconnects = %v, want only %s", left, elsewhere)
	}
}

func TestRemoteOrigin(t *testing.T) {
	if _, ok := RemoteOrigin(context.Background()); ok {
		t.Error("plain context reported as remote")
	}
	origin, ok := RemoteOrigin(WithRemote(context.Background(), "ws-9"))
	if !ok || origin != "ws-9" {
		t.Errorf("RemoteOrigin = %q, %v", origin, ok)
	}
}
