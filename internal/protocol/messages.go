// Package protocol defines the WebSocket message types exchanged between
// chat clients and the realtime server. All messages are JSON objects with a
// "type" discriminator; client messages are validated after decoding.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage    = "send_message"
	TypeEditMessage    = "edit_message"
	TypeDeleteMessage  = "delete_message"
	TypeMarkRead       = "mark_read"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeJoinGroup      = "join_group"
	TypeLeaveGroup     = "leave_group"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeMessageReceived   = "message_received"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeMessagesRead      = "messages_read"
	TypeReactionAdded     = "reaction_added"
	TypeReactionRemoved   = "reaction_removed"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeOnlineUsers       = "online_users"
	TypeMessageAck        = "message_ack"
	TypeGroupJoined       = "group_joined"
	TypeGroupLeft         = "group_left"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// Target designates a conversation: a direct peer or a group, never both.
type Target struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	GroupID     uuid.UUID `json:"group_id"`
}

// IsGroup reports whether the target is a group conversation.
func (t Target) IsGroup() bool { return t.GroupID != uuid.Nil }

type SendMessageMsg struct {
	Type        string `json:"type"`
	Target
	ClientMsgID string `json:"client_msg_id" validate:"omitempty,max=64"`
	Content     string `json:"content" validate:"notblank,max=4000"`
}

type EditMessageMsg struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Content   string    `json:"content" validate:"notblank,max=4000"`
	Reason    string    `json:"reason" validate:"omitempty,max=255"`
}

type DeleteMessageMsg struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Hard      bool      `json:"hard"`
}

// MarkReadMsg may mix messages from several conversations.
type MarkReadMsg struct {
	Type       string      `json:"type"`
	MessageIDs []uuid.UUID `json:"message_ids" validate:"required,min=1,max=100,dive,required"`
}

// ReactionMsg is used for both add_reaction and remove_reaction.
type ReactionMsg struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Reaction  string    `json:"reaction" validate:"notblank,max=32"`
}

// TypingMsg is used for both typing_start and typing_stop.
type TypingMsg struct {
	Type string `json:"type"`
	Target
	GroupType string `json:"group_type" validate:"omitempty,max=32"`
}

// GroupMsg is used for both join_group and leave_group.
type GroupMsg struct {
	Type    string    `json:"type"`
	GroupID uuid.UUID `json:"group_id" validate:"required"`
}

type GetOnlineUsersMsg struct {
	Type string `json:"type"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection has been registered.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// MessagePayload is a hydrated chat message.
type MessagePayload struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

type MessageReceivedMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

type MessageEditedMsg struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	EditorID  string    `json:"editor_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
	Reason    string    `json:"reason,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
}

type MessageDeletedMsg struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	DeletedBy string    `json:"deleted_by"`
	DeletedAt time.Time `json:"deleted_at"`
	Hard      bool      `json:"hard"`
	GroupID   string    `json:"group_id,omitempty"`
}

// MessagesReadMsg lists the messages of one conversation read by ReadBy.
type MessagesReadMsg struct {
	Type       string    `json:"type"`
	MessageIDs []string  `json:"message_ids"`
	ReadBy     string    `json:"read_by"`
	ReadAt     time.Time `json:"read_at"`
	GroupID    string    `json:"group_id,omitempty"`
}

// ReactionUpdateMsg carries the full per-type counts after the change.
type ReactionUpdateMsg struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	UserName  string         `json:"user_name"`
	Reaction  string         `json:"reaction"`
	Counts    map[string]int `json:"counts"`
	GroupID   string         `json:"group_id,omitempty"`
}

type UserTypingMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	GroupID   string `json:"group_id,omitempty"`
	GroupType string `json:"group_type,omitempty"`
}

type UserStoppedTypingMsg struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`
}

// PresenceMsg is sent as user_online or user_offline.
type PresenceMsg struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

type OnlineUsersMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

// MessageAckMsg confirms a message action to the requesting connection.
// ClientMsgID and CreatedAt are set for send_message only.
type MessageAckMsg struct {
	Type        string     `json:"type"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	MessageID   string     `json:"message_id"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

type GroupMembershipMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. Fields
// holds per-field validation messages keyed by JSON name.
type ErrorMsg struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *ErrorMsg) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes sent in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeValidation      = "validation_failed"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeBlocked         = "content_blocked"
	CodeMuted           = "muted"
	CodeInternal        = "internal_error"
)

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrUnknownType is returned by ParseClientMessage for an unrecognized
// "type" value.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ParseClientMessage parses raw WebSocket bytes into a typed client message
// and validates it. Validation failures are returned as *ValidationError.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeSendMessage:
		msg = &SendMessageMsg{}
	case TypeEditMessage:
		msg = &EditMessageMsg{}
	case TypeDeleteMessage:
		msg = &DeleteMessageMsg{}
	case TypeMarkRead:
		msg = &MarkReadMsg{}
	case TypeAddReaction, TypeRemoveReaction:
		msg = &ReactionMsg{}
	case TypeTypingStart, TypeTypingStop:
		msg = &TypingMsg{}
	case TypeJoinGroup, TypeLeaveGroup:
		msg = &GroupMsg{}
	case TypeGetOnlineUsers:
		msg = &GetOnlineUsersMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := validateMessage(msg); err != nil {
		return env.Type, nil, err
	}
	return env.Type, deref(msg), nil
}

func deref(msg interface{}) interface{} {
	switch m := msg.(type) {
	case *SendMessageMsg:
		return *m
	case *EditMessageMsg:
		return *m
	case *DeleteMessageMsg:
		return *m
	case *MarkReadMsg:
		return *m
	case *ReactionMsg:
		return *m
	case *TypingMsg:
		return *m
	case *GroupMsg:
		return *m
	case *GetOnlineUsersMsg:
		return *m
	case *PingMsg:
		return *m
	}
	return msg
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError is a shorthand for an encoded error message. Encoding a plain
// ErrorMsg cannot fail.
func NewError(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
