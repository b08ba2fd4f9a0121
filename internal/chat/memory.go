package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type reactionKey struct {
	messageID uuid.UUID
	userID    uuid.UUID
	reaction  string
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[uuid.UUID]*Message
	reads     map[uuid.UUID]map[uuid.UUID]time.Time // message -> user -> read at
	reactions map[reactionKey]struct{}
	members   map[uuid.UUID]map[uuid.UUID]struct{} // group -> users
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[uuid.UUID]*Message),
		reads:     make(map[uuid.UUID]map[uuid.UUID]time.Time),
		reactions: make(map[reactionKey]struct{}),
		members:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessageByID(_ context.Context, id uuid.UUID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMessagesDetails(_ context.Context, ids []uuid.UUID) ([]MessageDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageDetails, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.Details())
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id uuid.UUID, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.IsDeleted {
		return ErrNotFound
	}
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id uuid.UUID, hard bool, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if hard {
		delete(s.messages, id)
		delete(s.reads, id)
		for k := range s.reactions {
			if k.messageID == id {
				delete(s.reactions, k)
			}
		}
		return nil
	}
	if m.IsDeleted {
		return ErrNotFound
	}
	m.IsDeleted = true
	m.DeletedAt = &deletedAt
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID uuid.UUID, ids []uuid.UUID, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.messages[id]; !ok {
			continue
		}
		users, ok := s.reads[id]
		if !ok {
			users = make(map[uuid.UUID]time.Time)
			s.reads[id] = users
		}
		if _, seen := users[userID]; !seen {
			users[userID] = readAt
		}
	}
	return nil
}

// ReadAt returns when userID read the message, for tests.
func (s *MemoryStore) ReadAt(messageID, userID uuid.UUID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.reads[messageID][userID]
	return at, ok
}

func (s *MemoryStore) AddReaction(_ context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return nil, ErrNotFound
	}
	s.reactions[reactionKey{messageID, userID, reaction}] = struct{}{}
	return s.countsLocked(messageID), nil
}

func (s *MemoryStore) RemoveReaction(_ context.Context, messageID, userID uuid.UUID, reaction string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return nil, ErrNotFound
	}
	delete(s.reactions, reactionKey{messageID, userID, reaction})
	return s.countsLocked(messageID), nil
}

func (s *MemoryStore) countsLocked(messageID uuid.UUID) map[string]int {
	counts := make(map[string]int)
	for k := range s.reactions {
		if k.messageID == messageID {
			counts[k.reaction]++
		}
	}
	return counts
}

func (s *MemoryStore) AddGroupMember(_ context.Context, groupID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.members[groupID]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		s.members[groupID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveGroupMember(_ context.Context, groupID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], userID)
	return nil
}

func (s *MemoryStore) IsGroupMember(_ context.Context, groupID, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}

func (s *MemoryStore) GroupsForUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []uuid.UUID
	for g, users := range s.members {
		if _, ok := users[userID]; ok {
			groups = append(groups, g)
		}
	}
	return groups, nil
}
