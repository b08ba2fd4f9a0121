package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventType() == t {
			n++
		}
	}
	return n
}

func (r *recorder) ofType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(timeout time.Duration) (*Registry, *recorder) {
	rec := &recorder{}
	timers := NewTypingTimers(rec, timeout, logging.Discard())
	return NewRegistry(rec, timers, logging.Discard()), rec
}

func TestRegistry_EdgeTriggered(t *testing.T) {
	reg, rec := newTestRegistry(time.Second)
	ctx := context.Background()
	user := uuid.New()

	if !reg.AddConnection(ctx, user, "c1") {
		t.Fatal("first connection should report first=true")
	}
	if reg.AddConnection(ctx, user, "c2") {
		t.Fatal("second connection should report first=false")
	}
	if reg.RemoveConnection(ctx, user, "c1") {
		t.Fatal("removing one of two connections should report last=false")
	}
	if !reg.RemoveConnection(ctx, user, "c2") {
		t.Fatal("removing final connection should report last=true")
	}

	if got := rec.count(event.TypeUserConnected); got != 1 {
		t.Errorf("UserConnected = %d, want 1", got)
	}
	disc := rec.ofType(event.TypeUserDisconnected)
	if len(disc) != 1 {
		t.Fatalf("UserDisconnected = %d, want 1", len(disc))
	}
	if !disc[0].(event.UserDisconnected).IsLastConnection {
		t.Error("UserDisconnected should carry IsLastConnection=true")
	}
	if reg.IsOnline(user) {
		t.Error("user should be offline")
	}
}

func TestRegistry_MultiDeviceStaysOnline(t *testing.T) {
	reg, rec := newTestRegistry(time.Second)
	ctx := context.Background()
	user := uuid.New()

	reg.AddConnection(ctx, user, "phone")
	reg.AddConnection(ctx, user, "laptop")
	reg.RemoveConnection(ctx, user, "phone")

	if !reg.IsOnline(user) {
		t.Fatal("user with a remaining connection should be online")
	}
	if got := rec.count(event.TypeUserDisconnected); got != 0 {
		t.Errorf("UserDisconnected = %d, want 0", got)
	}
	conns := reg.Connections(user)
	if len(conns) != 1 || conns[0] != "laptop" {
		t.Errorf("Connections = %v, want [laptop]", conns)
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	reg, rec := newTestRegistry(time.Second)
	ctx := context.Background()
	user := uuid.New()

	if reg.RemoveConnection(ctx, user, "ghost") {
		t.Error("unknown user removal should report false")
	}
	reg.AddConnection(ctx, user, "c1")
	if reg.RemoveConnection(ctx, user, "ghost") {
		t.Error("unknown connection removal should report false")
	}
	if !reg.IsOnline(user) {
		t.Error("user should still be online")
	}
	if got := rec.count(event.TypeUserDisconnected); got != 0 {
		t.Errorf("UserDisconnected = %d, want 0", got)
	}
}

func TestRegistry_DuplicateAddIsNoop(t *testing.T) {
	reg, rec := newTestRegistry(time.Second)
	ctx := context.Background()
	user := uuid.New()

	reg.AddConnection(ctx, user, "c1")
	reg.AddConnection(ctx, user, "c1")
	if !reg.RemoveConnection(ctx, user, "c1") {
		t.Error("single connection removal should go offline")
	}
	if got := rec.count(event.TypeUserConnected); got != 1 {
		t.Errorf("UserConnected = %d, want 1", got)
	}
}

func TestRegistry_ConcurrentBalancedEvents(t *testing.T) {
	reg, rec := newTestRegistry(time.Second)
	ctx := context.Background()
	user := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := uuid.NewString()
			reg.AddConnection(ctx, user, id)
			reg.RemoveConnection(ctx, user, id)
		}(i)
	}
	wg.Wait()

	up := rec.count(event.TypeUserConnected)
	down := rec.count(event.TypeUserDisconnected)
	if up == 0 || up != down {
		t.Errorf("connected=%d disconnected=%d, want equal and non-zero", up, down)
	}
	if reg.IsOnline(user) {
		t.Error("user should end offline")
	}
}

func TestRegistry_GetOnlineUsers(t *testing.T) {
	reg, _ := newTestRegistry(time.Second)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	reg.AddConnection(ctx, a, "a1")
	reg.AddConnection(ctx, b, "b1")
	reg.AddConnection(ctx, b, "b2")

	online := reg.GetOnlineUsers()
	if len(online) != 2 {
		t.Fatalf("online = %d, want 2", len(online))
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range online {
		seen[id] = true
	}
	if !seen[a] || !seen[b] {
		t.Errorf("online = %v, want both users", online)
	}
}

func TestRegistry_LastDisconnectStopsTyping(t *testing.T) {
	reg, rec := newTestRegistry(time.Hour)
	ctx := context.Background()
	user, peer, group := uuid.New(), uuid.New(), uuid.New()

	reg.AddConnection(ctx, user, "c1")
	reg.SetTypingTimeout(user, event.Direct(peer))
	reg.SetTypingTimeout(user, event.Group(group))
	reg.RemoveConnection(ctx, user, "c1")

	if got := rec.count(event.TypeUserStoppedTyping); got != 2 {
		t.Errorf("UserStoppedTyping = %d, want 2", got)
	}
	if got := reg.typing.Pending(user); got != 0 {
		t.Errorf("pending timers = %d, want 0", got)
	}
}

func TestRegistry_ClearTypingTimeoutIsSilent(t *testing.T) {
	reg, rec := newTestRegistry(30 * time.Millisecond)
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()
	peer, group := uuid.New(), uuid.New()

	reg.AddConnection(ctx, user, "c1")
	reg.SetTypingTimeout(user, event.Direct(peer))
	reg.SetTypingTimeout(user, event.Group(group))
	reg.SetTypingTimeout(other, event.Group(group))
	reg.ClearTypingTimeout(user)

	if got := reg.typing.Pending(user); got != 0 {
		t.Errorf("pending timers = %d after clear, want 0", got)
	}
	time.Sleep(100 * time.Millisecond)

	stopped := rec.ofType(event.TypeUserStoppedTyping)
	if len(stopped) != 1 {
		t.Fatalf("UserStoppedTyping = %d, want 1 (the other user's timer only)", len(stopped))
	}
	if ev := stopped[0].(event.UserStoppedTyping); ev.UserID != other {
		t.Errorf("stopped typing for %s, want %s", ev.UserID, other)
	}

	// A cleared user is still online and still disconnects without timers.
	reg.RemoveConnection(ctx, user, "c1")
	if got := rec.count(event.TypeUserStoppedTyping); got != 1 {
		t.Errorf("UserStoppedTyping = %d after disconnect, want 1", got)
	}
}
