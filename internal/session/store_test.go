package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestStore requires a running Redis on localhost:6379.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "test-node"), client
}

func TestCreateGetDelete(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	connID := uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, sessionKey(connID), userKey(userID)) })

	if err := store.Create(ctx, connID, userID, "Ama"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.UserID != userID.String() || sess.UserName != "Ama" || sess.Node != "test-node" {
		t.Errorf("unexpected session %+v", sess)
	}
	if ttl := client.TTL(ctx, sessionKey(connID)).Val(); ttl <= 0 || ttl > SessionTTL {
		t.Errorf("expected TTL in (0,%v], got %v", SessionTTL, ttl)
	}

	if err := store.Delete(ctx, connID, userID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	sess, err = store.Get(ctx, connID)
	if err != nil || sess != nil {
		t.Errorf("Get() after delete = %+v, %v; want nil, nil", sess, err)
	}
}

func TestUserSessions_PrunesExpired(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	live, gone := uuid.NewString(), uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, sessionKey(live), sessionKey(gone), userKey(userID)) })

	for _, id := range []string{live, gone} {
		if err := store.Create(ctx, id, userID, "Kofi"); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}
	// Simulate a session hash that expired while still listed for the user.
	client.Del(ctx, sessionKey(gone))

	sessions, err := store.UserSessions(ctx, userID)
	if err != nil {
		t.Fatalf("UserSessions() error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != live {
		t.Fatalf("expected only %s, got %+v", live, sessions)
	}
	if client.SIsMember(ctx, userKey(userID), gone).Val() {
		t.Error("expired session still listed for user")
	}
}

func TestTouch_RefreshesLastActive(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	connID := uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, sessionKey(connID), userKey(userID)) })

	if err := store.Create(ctx, connID, userID, ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	client.HSet(ctx, sessionKey(connID), "last_active", 1)

	if err := store.Touch(ctx, connID, userID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	sess, _ := store.Get(ctx, connID)
	if sess == nil || sess.LastActive <= 1 {
		t.Errorf("last_active not refreshed: %+v", sess)
	}
}
