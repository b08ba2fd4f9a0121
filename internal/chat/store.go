package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists messages and their side tables. Implementations return
// (nil, nil) from GetMessageByID when the message does not exist, and
// ErrNotFound from mutations of missing messages.
type Store interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessageByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// GetMessagesDetails silently skips unknown IDs.
	GetMessagesDetails(ctx context.Context, ids []uuid.UUID) ([]MessageDetails, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id uuid.UUID, hard bool, deletedAt time.Time) error
	MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID, readAt time.Time) error

	// AddReaction and RemoveReaction return the per-type counts after the
	// change. Both are idempotent per (message, user, reaction).
	AddReaction(ctx context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error)
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error)

	AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}
