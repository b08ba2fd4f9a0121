package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const (
	peerID  = "8f0c1f4e-5b1a-4c5e-9d7a-1b2c3d4e5f60"
	groupID = "0d9e8f7a-6b5c-4d3e-8f1a-2b3c4d5e6f70"
	msgID   = "3a2b1c0d-9e8f-4a7b-8c6d-5e4f3a2b1c0d"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","recipient_id":"` + peerID + `","client_msg_id":"c-1","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RecipientID.String() != peerID {
		t.Errorf("expected recipient %q, got %q", peerID, sm.RecipientID)
	}
	if sm.IsGroup() {
		t.Error("direct target reported as group")
	}
	if sm.Content != "Hello!" || sm.ClientMsgID != "c-1" {
		t.Errorf("unexpected payload %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Target must name exactly one conversation
// ---------------------------------------------------------------------------

func TestParseClientMessage_TargetRules(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"direct", `{"type":"typing_start","recipient_id":"` + peerID + `"}`, true},
		{"group", `{"type":"typing_start","group_id":"` + groupID + `","group_type":"class"}`, true},
		{"neither", `{"type":"typing_start"}`, false},
		{"both", `{"type":"typing_start","recipient_id":"` + peerID + `","group_id":"` + groupID + `"}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tc.input))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %v", err)
				}
				if _, ok := verr.Fields["recipient_id"]; !ok {
					t.Errorf("expected recipient_id field error, got %v", verr.Fields)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Field validation reports JSON names with readable messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_ValidationErrors(t *testing.T) {
	long := strings.Repeat("x", 4001)
	cases := []struct {
		name  string
		input string
		field string
	}{
		{"blank content", `{"type":"send_message","group_id":"` + groupID + `","content":"   "}`, "content"},
		{"content too long", `{"type":"send_message","group_id":"` + groupID + `","content":"` + long + `"}`, "content"},
		{"missing message id", `{"type":"edit_message","content":"fixed"}`, "message_id"},
		{"empty read list", `{"type":"mark_read","message_ids":[]}`, "message_ids"},
		{"blank reaction", `{"type":"add_reaction","message_id":"` + msgID + `","reaction":""}`, "reaction"},
		{"missing group", `{"type":"join_group"}`, "group_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected validation error, got message %+v", msg)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Fields[tc.field] == "" {
				t.Errorf("expected message for %q, got %v", tc.field, verr.Fields)
			}
		})
	}
}

func TestParseClientMessage_InvalidUUID(t *testing.T) {
	input := []byte(`{"type":"delete_message","message_id":"not-a-uuid"}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected decode error for malformed uuid")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a reaction update server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReactionUpdate(t *testing.T) {
	payload := ReactionUpdateMsg{
		MessageID: msgID,
		UserID:    peerID,
		UserName:  "Amina",
		Reaction:  "like",
		Counts:    map[string]int{"like": 3, "love": 1},
	}

	data, err := NewServerMessage(TypeReactionAdded, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeReactionAdded {
		t.Errorf("expected type %q, got %v", TypeReactionAdded, result["type"])
	}
	if _, present := result["group_id"]; present {
		t.Error("empty group_id should be omitted")
	}
	counts, ok := result["counts"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected counts to be an object, got %T", result["counts"])
	}
	if counts["like"] != float64(3) || counts["love"] != float64(1) {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestNewError(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(NewError("not_found", "message not found"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != "not_found" {
		t.Errorf("unexpected error message %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	id := uuid.MustParse(msgID).String()
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"send_message", `{"type":"send_message","group_id":"` + groupID + `","content":"hi"}`, TypeSendMessage},
		{"edit_message", `{"type":"edit_message","message_id":"` + id + `","content":"hi!"}`, TypeEditMessage},
		{"delete_message", `{"type":"delete_message","message_id":"` + id + `","hard":true}`, TypeDeleteMessage},
		{"mark_read", `{"type":"mark_read","message_ids":["` + id + `"]}`, TypeMarkRead},
		{"add_reaction", `{"type":"add_reaction","message_id":"` + id + `","reaction":"like"}`, TypeAddReaction},
		{"remove_reaction", `{"type":"remove_reaction","message_id":"` + id + `","reaction":"like"}`, TypeRemoveReaction},
		{"typing_start", `{"type":"typing_start","recipient_id":"` + peerID + `"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop","group_id":"` + groupID + `"}`, TypeTypingStop},
		{"join_group", `{"type":"join_group","group_id":"` + groupID + `"}`, TypeJoinGroup},
		{"leave_group", `{"type":"leave_group","group_id":"` + groupID + `"}`, TypeLeaveGroup},
		{"get_online_users", `{"type":"get_online_users"}`, TypeGetOnlineUsers},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
