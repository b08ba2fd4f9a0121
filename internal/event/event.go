// Package event defines the chat domain events exchanged between the
// publishers (message, reaction and typing operations, the connection
// registry) and the delivery handler. Events are immutable value records
// tagged with a Type so subscribers can be registered by event shape
// without reflection.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event shape.
type Type string

const (
	TypeMessageSent       Type = "message_sent"
	TypeMessageEdited     Type = "message_edited"
	TypeMessageDeleted    Type = "message_deleted"
	TypeMessageRead       Type = "message_read"
	TypeReactionAdded     Type = "reaction_added"
	TypeReactionRemoved   Type = "reaction_removed"
	TypeUserTyping        Type = "user_typing"
	TypeUserStoppedTyping Type = "user_stopped_typing"
	TypeUserConnected     Type = "user_connected"
	TypeUserDisconnected  Type = "user_disconnected"
)

// AllTypes lists every event type in a stable order.
var AllTypes = []Type{
	TypeMessageSent,
	TypeMessageEdited,
	TypeMessageDeleted,
	TypeMessageRead,
	TypeReactionAdded,
	TypeReactionRemoved,
	TypeUserTyping,
	TypeUserStoppedTyping,
	TypeUserConnected,
	TypeUserDisconnected,
}

// Event is implemented by every domain event.
type Event interface {
	EventType() Type
}

type MessageSent struct {
	MessageID uuid.UUID `json:"message_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Address
}

type MessageEdited struct {
	MessageID  uuid.UUID `json:"message_id"`
	EditorID   uuid.UUID `json:"editor_id"`
	NewContent string    `json:"new_content"`
	EditedAt   time.Time `json:"edited_at"`
	EditReason string    `json:"edit_reason,omitempty"`
	Address
}

type MessageDeleted struct {
	MessageID    uuid.UUID `json:"message_id"`
	IsHardDelete bool      `json:"is_hard_delete"`
	DeletedAt    time.Time `json:"deleted_at"`
	DeletedBy    uuid.UUID `json:"deleted_by"`
	Address
}

// MessageRead may reference messages from several conversations.
type MessageRead struct {
	MessageIDs   []uuid.UUID `json:"message_ids"`
	ReadByUserID uuid.UUID   `json:"read_by_user_id"`
	ReadAt       time.Time   `json:"read_at"`
}

// Reaction is shared by ReactionAdded and ReactionRemoved. UpdatedCounts is
// the reaction type -> count map computed when the reaction was stored.
type Reaction struct {
	MessageID     uuid.UUID      `json:"message_id"`
	ReactedBy     uuid.UUID      `json:"reacted_by"`
	ReactedByName string         `json:"reacted_by_name"`
	ReactionType  string         `json:"reaction_type"`
	UpdatedCounts map[string]int `json:"updated_counts"`
	Address
}

type ReactionAdded struct{ Reaction }

type ReactionRemoved struct{ Reaction }

type UserTyping struct {
	UserID    uuid.UUID `json:"user_id"`
	UserName  string    `json:"user_name"`
	GroupType string    `json:"group_type,omitempty"`
	Address
}

type UserStoppedTyping struct {
	UserID uuid.UUID `json:"user_id"`
	Address
}

type UserConnected struct {
	UserID      uuid.UUID `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type UserDisconnected struct {
	UserID           uuid.UUID `json:"user_id"`
	DisconnectedAt   time.Time `json:"disconnected_at"`
	IsLastConnection bool      `json:"is_last_connection"`
}

func (MessageSent) EventType() Type       { return TypeMessageSent }
func (MessageEdited) EventType() Type     { return TypeMessageEdited }
func (MessageDeleted) EventType() Type    { return TypeMessageDeleted }
func (MessageRead) EventType() Type       { return TypeMessageRead }
func (ReactionAdded) EventType() Type     { return TypeReactionAdded }
func (ReactionRemoved) EventType() Type   { return TypeReactionRemoved }
func (UserTyping) EventType() Type        { return TypeUserTyping }
func (UserStoppedTyping) EventType() Type { return TypeUserStoppedTyping }
func (UserConnected) EventType() Type     { return TypeUserConnected }
func (UserDisconnected) EventType() Type  { return TypeUserDisconnected }

// Decode rebuilds a typed event from its JSON payload.
func Decode(t Type, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case TypeMessageSent:
		var e MessageSent
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeMessageEdited:
		var e MessageEdited
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeMessageDeleted:
		var e MessageDeleted
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeMessageRead:
		var e MessageRead
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeReactionAdded:
		var e ReactionAdded
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeReactionRemoved:
		var e ReactionRemoved
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUserTyping:
		var e UserTyping
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUserStoppedTyping:
		var e UserStoppedTyping
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUserConnected:
		var e UserConnected
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUserDisconnected:
		var e UserDisconnected
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("event: unknown type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("event: decode %q: %w", t, err)
	}
	return ev, nil
}
