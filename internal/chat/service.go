package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scholaris/realtime/internal/event"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/moderation"
)

// Publisher is the subset of the event bus the service needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Service applies user actions to the store and publishes the resulting
// domain events. Events are published only after the store accepted the
// change.
type Service struct {
	store  Store
	bus    Publisher
	filter *moderation.Filter
	logger logging.Logger
	now    func() time.Time
}

// NewService wires a service. A nil filter disables content moderation.
func NewService(store Store, bus Publisher, filter *moderation.Filter, logger logging.Logger) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		filter: filter,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) checkContent(content string) error {
	if err := ValidateMessage(content); err != nil {
		return err
	}
	if s.filter == nil {
		return nil
	}
	if res := s.filter.Check(content); res.Blocked {
		return &BlockedError{Reason: res.Reason, Term: res.Term}
	}
	return nil
}

func (s *Service) checkAccess(ctx context.Context, m *Message, userID uuid.UUID) error {
	if m.GroupID == uuid.Nil {
		if !m.IsParticipant(userID) {
			return ErrForbidden
		}
		return nil
	}
	ok, err := s.store.IsGroupMember(ctx, m.GroupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) liveMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := s.store.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil || m.IsDeleted {
		return nil, ErrNotFound
	}
	return m, nil
}

// SendMessage stores a new message from senderID to the conversation at
// addr and publishes MessageSent.
func (s *Service) SendMessage(ctx context.Context, senderID uuid.UUID, addr event.Address, content string) (*Message, error) {
	switch {
	case addr.RecipientID != uuid.Nil && addr.GroupID != uuid.Nil:
		return nil, ErrInvalidTarget
	case addr.IsDirect():
		if addr.RecipientID == senderID {
			return nil, ErrInvalidTarget
		}
	case addr.IsGroup():
		ok, err := s.store.IsGroupMember(ctx, addr.GroupID, senderID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrInvalidTarget
	}
	if err := s.checkContent(content); err != nil {
		return nil, err
	}

	m := &Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: addr.RecipientID,
		GroupID:     addr.GroupID,
		Content:     content,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.MessageSent{MessageID: m.ID, SenderID: senderID, Address: addr})
	return m, nil
}

// EditMessage replaces the content of one of editorID's messages.
func (s *Service) EditMessage(ctx context.Context, editorID, messageID uuid.UUID, content, reason string) (*Message, error) {
	m, err := s.liveMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, ErrForbidden
	}
	if err := s.checkContent(content); err != nil {
		return nil, err
	}
	if len([]rune(reason)) > MaxReasonChars {
		return nil, fmt.Errorf("%w: edit reason exceeds %d characters", ErrInvalidContent, MaxReasonChars)
	}

	editedAt := s.now()
	if err := s.store.UpdateContent(ctx, messageID, content, editedAt); err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &editedAt

	s.bus.Publish(ctx, event.MessageEdited{
		MessageID:  messageID,
		EditorID:   editorID,
		NewContent: content,
		EditedAt:   editedAt,
		EditReason: reason,
		Address:    m.Address(editorID),
	})
	return m, nil
}

// DeleteMessage removes one of userID's messages. A soft delete keeps the
// row flagged as deleted; a hard delete removes it with its reactions and
// read receipts.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID uuid.UUID, hard bool) error {
	m, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil || (m.IsDeleted && !hard) {
		return ErrNotFound
	}
	if m.SenderID != userID {
		return ErrForbidden
	}

	deletedAt := s.now()
	if err := s.store.DeleteMessage(ctx, messageID, hard, deletedAt); err != nil {
		return err
	}

	s.bus.Publish(ctx, event.MessageDeleted{
		MessageID:    messageID,
		IsHardDelete: hard,
		DeletedAt:    deletedAt,
		DeletedBy:    userID,
		Address:      m.Address(userID),
	})
	return nil
}

// MarkRead records read receipts for the messages readerID may read:
// direct messages addressed to them and group messages of groups they belong
// to, excluding their own. Other IDs are skipped. It returns the IDs that
// were marked; MessageRead is published only when there is at least one.
func (s *Service) MarkRead(ctx context.Context, readerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	details, err := s.store.GetMessagesDetails(ctx, unique)
	if err != nil {
		return nil, err
	}

	membership := make(map[uuid.UUID]bool)
	readable := make([]uuid.UUID, 0, len(details))
	for _, d := range details {
		if d.SenderID == readerID {
			continue
		}
		switch d.ConversationType {
		case ConversationDirect:
			if d.RecipientID != readerID {
				continue
			}
		case ConversationGroup:
			member, cached := membership[d.GroupID]
			if !cached {
				if member, err = s.store.IsGroupMember(ctx, d.GroupID, readerID); err != nil {
					return nil, err
				}
				membership[d.GroupID] = member
			}
			if !member {
				continue
			}
		}
		readable = append(readable, d.ID)
	}
	if len(readable) == 0 {
		return nil, nil
	}

	readAt := s.now()
	if err := s.store.MarkRead(ctx, readerID, readable, readAt); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, event.MessageRead{MessageIDs: readable, ReadByUserID: readerID, ReadAt: readAt})
	return readable, nil
}

// AddReaction records userID's reaction and publishes the updated counts.
func (s *Service) AddReaction(ctx context.Context, userID uuid.UUID, userName string, messageID uuid.UUID, reaction string) (map[string]int, error) {
	m, err := s.reactable(ctx, userID, messageID, reaction)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.AddReaction(ctx, messageID, userID, reaction)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, event.ReactionAdded{Reaction: s.reactionEvent(m, userID, userName, reaction, counts)})
	return counts, nil
}

// RemoveReaction withdraws userID's reaction and publishes the updated
// counts.
func (s *Service) RemoveReaction(ctx context.Context, userID uuid.UUID, userName string, messageID uuid.UUID, reaction string) (map[string]int, error) {
	m, err := s.reactable(ctx, userID, messageID, reaction)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.RemoveReaction(ctx, messageID, userID, reaction)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, event.ReactionRemoved{Reaction: s.reactionEvent(m, userID, userName, reaction, counts)})
	return counts, nil
}

func (s *Service) reactable(ctx context.Context, userID, messageID uuid.UUID, reaction string) (*Message, error) {
	if err := ValidateReaction(reaction); err != nil {
		return nil, err
	}
	m, err := s.liveMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, m, userID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) reactionEvent(m *Message, userID uuid.UUID, userName, reaction string, counts map[string]int) event.Reaction {
	return event.Reaction{
		MessageID:     m.ID,
		ReactedBy:     userID,
		ReactedByName: userName,
		ReactionType:  reaction,
		UpdatedCounts: counts,
		Address:       m.Address(userID),
	}
}

// IsGroupMember reports whether userID belongs to groupID.
func (s *Service) IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	return s.store.IsGroupMember(ctx, groupID, userID)
}

// GroupsForUser lists the groups userID belongs to.
func (s *Service) GroupsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.store.GroupsForUser(ctx, userID)
}
