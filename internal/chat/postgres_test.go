package chat

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestPostgres requires REALTIME_TEST_DATABASE_URL to point at a
// disposable database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("REALTIME_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REALTIME_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStore_MessageLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	alice, bob, group := uuid.New(), uuid.New(), uuid.New()

	if err := s.AddGroupMember(ctx, group, alice); err != nil {
		t.Fatalf("AddGroupMember: %v", err)
	}
	if ok, _ := s.IsGroupMember(ctx, group, alice); !ok {
		t.Fatal("alice should be a member")
	}
	groups, err := s.GroupsForUser(ctx, alice)
	if err != nil || len(groups) != 1 || groups[0] != group {
		t.Fatalf("GroupsForUser = %v, %v", groups, err)
	}

	direct := &Message{ID: uuid.New(), SenderID: alice, RecipientID: bob, Content: "hi", CreatedAt: time.Now().UTC()}
	inGroup := &Message{ID: uuid.New(), SenderID: alice, GroupID: group, Content: "all", CreatedAt: time.Now().UTC()}
	for _, m := range []*Message{direct, inGroup} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	orphan := &Message{ID: uuid.New(), SenderID: alice, GroupID: uuid.New(), Content: "x", CreatedAt: time.Now()}
	if err := s.CreateMessage(ctx, orphan); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("message to unknown group err = %v, want ErrInvalidTarget", err)
	}

	details, err := s.GetMessagesDetails(ctx, []uuid.UUID{direct.ID, inGroup.ID, uuid.New()})
	if err != nil || len(details) != 2 {
		t.Fatalf("GetMessagesDetails = %v, %v", details, err)
	}

	if err := s.UpdateContent(ctx, direct.ID, "hello", time.Now()); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	got, err := s.GetMessageByID(ctx, direct.ID)
	if err != nil || got.Content != "hello" || got.EditedAt == nil || got.RecipientID != bob {
		t.Fatalf("GetMessageByID = %+v, %v", got, err)
	}

	counts, err := s.AddReaction(ctx, inGroup.ID, bob, "like")
	if err != nil || counts["like"] != 1 {
		t.Fatalf("AddReaction = %v, %v", counts, err)
	}
	if _, err := s.AddReaction(ctx, uuid.New(), bob, "like"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reaction on missing message err = %v, want ErrNotFound", err)
	}
	if err := s.MarkRead(ctx, bob, []uuid.UUID{direct.ID}, time.Now()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	if err := s.DeleteMessage(ctx, direct.ID, false, time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.UpdateContent(ctx, direct.ID, "again", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("edit after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMessage(ctx, inGroup.ID, true, time.Now()); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if got, _ := s.GetMessageByID(ctx, inGroup.ID); got != nil {
		t.Error("hard-deleted message still readable")
	}
}
