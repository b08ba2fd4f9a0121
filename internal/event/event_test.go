package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestConversationKey_Symmetric(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, b := uuid.New(), uuid.New()
		if ConversationKey(a, b) != ConversationKey(b, a) {
			t.Fatalf("ConversationKey(%s, %s) is not symmetric", a, b)
		}
	}
}

func TestConversationKey_Distinct(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	if ConversationKey(a, b) == ConversationKey(a, c) {
		t.Fatal("different pairs share a conversation key")
	}
	if ConversationKey(a, b) == GroupKey(a) {
		t.Fatal("direct and group keys collide")
	}
}

func TestAddress(t *testing.T) {
	user, peer, group := uuid.New(), uuid.New(), uuid.New()

	d := Direct(peer)
	if !d.IsDirect() || d.IsGroup() {
		t.Errorf("Direct address: IsDirect=%v IsGroup=%v", d.IsDirect(), d.IsGroup())
	}
	if d.ConversationKey(user) != ConversationKey(peer, user) {
		t.Errorf("direct ConversationKey = %q", d.ConversationKey(user))
	}

	g := Group(group)
	if g.IsDirect() || !g.IsGroup() {
		t.Errorf("Group address: IsDirect=%v IsGroup=%v", g.IsDirect(), g.IsGroup())
	}
	if g.ConversationKey(user) != GroupKey(group) {
		t.Errorf("group ConversationKey = %q", g.ConversationKey(user))
	}

	var empty Address
	if empty.IsDirect() || empty.IsGroup() {
		t.Error("zero address should be neither direct nor group")
	}
}

func TestDecode_RoundTripsEveryType(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	events := []Event{
		MessageSent{MessageID: uuid.New(), SenderID: uuid.New(), Address: Direct(uuid.New())},
		MessageEdited{MessageID: uuid.New(), NewContent: "fixed", EditedAt: now, Address: Group(uuid.New())},
		MessageDeleted{MessageID: uuid.New(), DeletedAt: now, DeletedBy: uuid.New(), Address: Group(uuid.New())},
		MessageRead{MessageIDs: []uuid.UUID{uuid.New()}, ReadByUserID: uuid.New(), ReadAt: now},
		ReactionAdded{Reaction{MessageID: uuid.New(), ReactionType: "like", UpdatedCounts: map[string]int{"like": 2}}},
		ReactionRemoved{Reaction{MessageID: uuid.New(), ReactionType: "like", UpdatedCounts: map[string]int{}}},
		UserTyping{UserID: uuid.New(), UserName: "amani", Address: Direct(uuid.New())},
		UserStoppedTyping{UserID: uuid.New(), Address: Group(uuid.New())},
		UserConnected{UserID: uuid.New(), ConnectedAt: now},
		UserDisconnected{UserID: uuid.New(), DisconnectedAt: now, IsLastConnection: true},
	}
	if len(events) != len(AllTypes) {
		t.Fatalf("test covers %d types, AllTypes has %d", len(events), len(AllTypes))
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.EventType(), err)
		}
		got, err := Decode(ev.EventType(), data)
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", ev.EventType(), err)
		}
		if got.EventType() != ev.EventType() {
			t.Errorf("Decode(%s) returned %s", ev.EventType(), got.EventType())
		}
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := Decode("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
