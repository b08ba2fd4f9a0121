package chat

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scholaris/realtime/internal/logging"
)

const (
	// MessageCachePrefix is the Redis key prefix for cached message hashes.
	MessageCachePrefix = "chat:msg:"

	// DefaultMessageCacheTTL bounds how long a hydrated message is cached.
	DefaultMessageCacheTTL = 10 * time.Minute
)

// messageGenPrefix keys a per-message counter bumped by every invalidation.
const messageGenPrefix = "chat:msggen:"

// fillScript caches the hash in KEYS[1] only if the generation in KEYS[2]
// still equals ARGV[1], the value sampled before the inner read. A row read
// before an edit therefore never lands in the cache after that edit's
// invalidation.
var fillScript = redis.NewScript(`
if (redis.call("GET", KEYS[2]) or "") ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// CachedStore puts a Redis hash cache in front of GetMessageByID. Edits and
// deletes invalidate the entry after the inner write. Redis failures fall
// through to the inner store.
type CachedStore struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration, logger logging.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultMessageCacheTTL
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (s *CachedStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	key := MessageCachePrefix + id.String()

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		s.logger.Warn("chat: message cache read failed", err, logging.Fields{"message_id": id})
	} else if len(fields) > 0 {
		if m, ok := decodeCached(id, fields); ok {
			return m, nil
		}
	}

	gen, genErr := s.rdb.Get(ctx, messageGenPrefix+id.String()).Result()
	if genErr == redis.Nil {
		gen, genErr = "", nil
	}

	m, err := s.Store.GetMessageByID(ctx, id)
	if err != nil || m == nil {
		return m, err
	}
	if genErr != nil {
		return m, nil
	}

	args := []interface{}{gen, s.ttl.Milliseconds()}
	for k, v := range encodeCached(m) {
		args = append(args, k, v)
	}
	err = fillScript.Run(ctx, s.rdb, []string{key, messageGenPrefix + id.String()}, args...).Err()
	if err != nil {
		s.logger.Warn("chat: message cache write failed", err, logging.Fields{"message_id": id})
	}
	return m, nil
}

func (s *CachedStore) UpdateContent(ctx context.Context, id uuid.UUID, content string, editedAt time.Time) error {
	if err := s.Store.UpdateContent(ctx, id, content, editedAt); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) DeleteMessage(ctx context.Context, id uuid.UUID, hard bool, deletedAt time.Time) error {
	if err := s.Store.DeleteMessage(ctx, id, hard, deletedAt); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// invalidate drops the cached hash and bumps the generation so that readers
// already holding the old row skip their fill.
func (s *CachedStore) invalidate(ctx context.Context, id uuid.UUID) {
	genKey := messageGenPrefix + id.String()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, MessageCachePrefix+id.String())
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, s.ttl)
		return nil
	})
	if err != nil {
		s.logger.Warn("chat: message cache invalidation failed", err, logging.Fields{"message_id": id})
	}
}

func encodeCached(m *Message) map[string]interface{} {
	fields := map[string]interface{}{
		"sender_id":    m.SenderID.String(),
		"recipient_id": "",
		"group_id":     "",
		"content":      m.Content,
		"created_at":   m.CreatedAt.UnixNano(),
		"edited_at":    0,
		"deleted_at":   0,
		"is_deleted":   strconv.FormatBool(m.IsDeleted),
	}
	if m.RecipientID != uuid.Nil {
		fields["recipient_id"] = m.RecipientID.String()
	}
	if m.GroupID != uuid.Nil {
		fields["group_id"] = m.GroupID.String()
	}
	if m.EditedAt != nil {
		fields["edited_at"] = m.EditedAt.UnixNano()
	}
	if m.DeletedAt != nil {
		fields["deleted_at"] = m.DeletedAt.UnixNano()
	}
	return fields
}

func decodeCached(id uuid.UUID, fields map[string]string) (*Message, bool) {
	sender, err := uuid.Parse(fields["sender_id"])
	if err != nil {
		return nil, false
	}
	m := &Message{
		ID:        id,
		SenderID:  sender,
		Content:   fields["content"],
		IsDeleted: fields["is_deleted"] == "true",
	}
	if v := fields["recipient_id"]; v != "" {
		if m.RecipientID, err = uuid.Parse(v); err != nil {
			return nil, false
		}
	}
	if v := fields["group_id"]; v != "" {
		if m.GroupID, err = uuid.Parse(v); err != nil {
			return nil, false
		}
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	m.CreatedAt = time.Unix(0, created).UTC()
	if n, _ := strconv.ParseInt(fields["edited_at"], 10, 64); n > 0 {
		t := time.Unix(0, n).UTC()
		m.EditedAt = &t
	}
	if n, _ := strconv.ParseInt(fields["deleted_at"], 10, 64); n > 0 {
		t := time.Unix(0, n).UTC()
		m.DeletedAt = &t
	}
	return m, true
}
