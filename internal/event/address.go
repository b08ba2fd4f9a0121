package event

import (
	"bytes"

	"github.com/google/uuid"
)

// Address says where an event is delivered: to a single user (direct) or to
// a conversation group. Publishers set exactly one of the two IDs.
type Address struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	GroupID     uuid.UUID `json:"group_id"`
}

// Direct addresses a single recipient.
func Direct(recipientID uuid.UUID) Address {
	return Address{RecipientID: recipientID}
}

// Group addresses a conversation group.
func Group(groupID uuid.UUID) Address {
	return Address{GroupID: groupID}
}

func (a Address) IsDirect() bool { return a.RecipientID != uuid.Nil }

func (a Address) IsGroup() bool { return a.RecipientID == uuid.Nil && a.GroupID != uuid.Nil }

// ConversationKey returns the conversation the address designates when
// actor is the user on the other end of a direct address.
func (a Address) ConversationKey(actor uuid.UUID) string {
	if a.IsDirect() {
		return ConversationKey(actor, a.RecipientID)
	}
	return GroupKey(a.GroupID)
}

// ConversationKey is the canonical key of the direct conversation between two
// users. The order of the arguments does not matter.
func ConversationKey(a, b uuid.UUID) string {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return "direct:" + a.String() + ":" + b.String()
}

// GroupKey is the key of a group conversation. It doubles as the transport
// group name the group's connections are subscribed to.
func GroupKey(groupID uuid.UUID) string {
	return "group:" + groupID.String()
}
