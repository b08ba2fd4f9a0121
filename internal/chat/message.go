// Package chat stores chat messages, reactions, read receipts and group
// membership, and turns user actions into domain events on the bus.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/event"
)

var (
	ErrNotFound       = errors.New("chat: message not found")
	ErrForbidden      = errors.New("chat: action not allowed")
	ErrInvalidContent = errors.New("chat: invalid content")
	ErrInvalidTarget  = errors.New("chat: invalid conversation target")
)

// BlockedError is returned when moderation rejects message content.
type BlockedError struct {
	Reason string
	Term   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("chat: content blocked (%s: %s)", e.Reason, e.Term)
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Message is a stored chat message. Exactly one of RecipientID and GroupID
// is set.
type Message struct {
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	GroupID     uuid.UUID
	Content     string
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
	IsDeleted   bool
}

func (m *Message) ConversationType() ConversationType {
	if m.GroupID != uuid.Nil {
		return ConversationGroup
	}
	return ConversationDirect
}

// Address returns where events about m go when actor performed the action.
// For direct messages that is the participant other than actor.
func (m *Message) Address(actor uuid.UUID) event.Address {
	if m.GroupID != uuid.Nil {
		return event.Group(m.GroupID)
	}
	if actor == m.RecipientID {
		return event.Direct(m.SenderID)
	}
	return event.Direct(m.RecipientID)
}

// IsParticipant reports whether userID is one end of a direct message.
// Group participation is decided by membership.
func (m *Message) IsParticipant(userID uuid.UUID) bool {
	return userID == m.SenderID || userID == m.RecipientID
}

// MessageDetails is the routing projection of a message.
type MessageDetails struct {
	ID               uuid.UUID
	SenderID         uuid.UUID
	RecipientID      uuid.UUID
	GroupID          uuid.UUID
	ConversationType ConversationType
}

// ConversationKey identifies the conversation the message belongs to.
func (d MessageDetails) ConversationKey() string {
	if d.ConversationType == ConversationGroup {
		return event.GroupKey(d.GroupID)
	}
	return event.ConversationKey(d.SenderID, d.RecipientID)
}

func (m *Message) Details() MessageDetails {
	return MessageDetails{
		ID:               m.ID,
		SenderID:         m.SenderID,
		RecipientID:      m.RecipientID,
		GroupID:          m.GroupID,
		ConversationType: m.ConversationType(),
	}
}
