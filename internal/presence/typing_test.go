package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTyping_Debounce(t *testing.T) {
	rec := &recorder{}
	tt := NewTypingTimers(rec, 80*time.Millisecond, logging.Discard())
	user, peer := uuid.New(), uuid.New()

	for i := 0; i < 6; i++ {
		tt.Start(user, event.Direct(peer))
		time.Sleep(20 * time.Millisecond)
	}
	if got := rec.count(event.TypeUserStoppedTyping); got != 0 {
		t.Fatalf("stopped while still typing: %d events", got)
	}

	waitFor(t, time.Second, func() bool { return rec.count(event.TypeUserStoppedTyping) == 1 })
	time.Sleep(120 * time.Millisecond)
	if got := rec.count(event.TypeUserStoppedTyping); got != 1 {
		t.Errorf("UserStoppedTyping = %d, want exactly 1", got)
	}

	ev := rec.ofType(event.TypeUserStoppedTyping)[0].(event.UserStoppedTyping)
	if ev.UserID != user || ev.RecipientID != peer {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestTyping_ConversationsAreIndependent(t *testing.T) {
	rec := &recorder{}
	tt := NewTypingTimers(rec, time.Hour, logging.Discard())
	user, b, c, g := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	tt.Start(user, event.Direct(b))
	tt.Start(user, event.Direct(c))
	tt.Start(user, event.Group(g))
	if got := tt.Pending(user); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	tt.Stop(context.Background(), user, event.Direct(b))
	if got := tt.Pending(user); got != 2 {
		t.Errorf("pending after stopping one = %d, want 2", got)
	}
	stopped := rec.ofType(event.TypeUserStoppedTyping)
	if len(stopped) != 1 || stopped[0].(event.UserStoppedTyping).RecipientID != b {
		t.Errorf("stopped events = %+v, want one for %s", stopped, b)
	}
	tt.Clear(user)
}

func TestTyping_StopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	tt := NewTypingTimers(rec, time.Hour, logging.Discard())
	user, g := uuid.New(), uuid.New()
	ctx := context.Background()

	tt.Stop(ctx, user, event.Group(g))
	tt.Start(user, event.Group(g))
	tt.Stop(ctx, user, event.Group(g))
	tt.Stop(ctx, user, event.Group(g))

	if got := tt.Pending(user); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if got := rec.count(event.TypeUserStoppedTyping); got != 3 {
		t.Errorf("UserStoppedTyping = %d, want 3", got)
	}
}

func TestTyping_ClearIsSilent(t *testing.T) {
	rec := &recorder{}
	tt := NewTypingTimers(rec, 30*time.Millisecond, logging.Discard())
	user := uuid.New()

	tt.Start(user, event.Direct(uuid.New()))
	tt.Start(user, event.Group(uuid.New()))
	tt.Clear(user)

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(event.TypeUserStoppedTyping); got != 0 {
		t.Errorf("UserStoppedTyping = %d, want 0 after Clear", got)
	}
}

func TestTyping_UsersAreIndependent(t *testing.T) {
	rec := &recorder{}
	tt := NewTypingTimers(rec, time.Hour, logging.Discard())
	a, b, g := uuid.New(), uuid.New(), uuid.New()

	tt.Start(a, event.Group(g))
	tt.Start(b, event.Group(g))
	tt.StopAll(context.Background(), a)

	if got := tt.Pending(b); got != 1 {
		t.Errorf("pending for other user = %d, want 1", got)
	}
	stopped := rec.ofType(event.TypeUserStoppedTyping)
	if len(stopped) != 1 || stopped[0].(event.UserStoppedTyping).UserID != a {
		t.Errorf("stopped events = %+v, want one for user a", stopped)
	}
	tt.Clear(b)
}

func TestTyping_DefaultTimeout(t *testing.T) {
	tt := NewTypingTimers(&recorder{}, 0, logging.Discard())
	if tt.Timeout() != DefaultTypingTimeout {
		t.Errorf("Timeout() = %v, want %v", tt.Timeout(), DefaultTypingTimeout)
	}
}
