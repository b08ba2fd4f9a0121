package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for the set of connection
	// IDs a user currently holds across the cluster.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL bounds how long a session outlives a node that died without
	// cleaning up. Heartbeats refresh it.
	SessionTTL = 1 * time.Hour
)

// Session is one connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id" json:"id"`
	UserID     string `redis:"user_id" json:"user_id"`
	UserName   string `redis:"user_name" json:"user_name"`
	Node       string `redis:"node" json:"node"`               // which WS server instance
	CreatedAt  int64  `redis:"created_at" json:"created_at"`   // unix timestamp
	LastActive int64  `redis:"last_active" json:"last_active"` // unix timestamp
}

// Store manages connection sessions in Redis.
type Store struct {
	client *redis.Client
	node   string
}

// NewStore creates a session store for the given node on an existing Redis
// client.
func NewStore(client *redis.Client, node string) *Store {
	return &Store{client: client, node: node}
}

func sessionKey(connID string) string { return SessionPrefix + connID }

func userKey(userID uuid.UUID) string { return UserSessionsPrefix + userID.String() }

// Create stores a new session for connID owned by userID on this node.
func (s *Store) Create(ctx context.Context, connID string, userID uuid.UUID, userName string) error {
	now := time.Now().Unix()
	fields := map[string]interface{}{
		"id":          connID,
		"user_id":     userID.String(),
		"user_name":   userName,
		"node":        s.node,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(connID), fields)
	pipe.Expire(ctx, sessionKey(connID), SessionTTL)
	pipe.SAdd(ctx, userKey(userID), connID)
	pipe.Expire(ctx, userKey(userID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, sessionKey(connID)).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch updates last_active and refreshes the TTLs of the session and of the
// user's session set.
func (s *Store) Touch(ctx context.Context, connID string, userID uuid.UUID) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey(connID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionKey(connID), SessionTTL)
	pipe.Expire(ctx, userKey(userID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and unlinks it from its user.
func (s *Store) Delete(ctx context.Context, connID string, userID uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(connID))
	pipe.SRem(ctx, userKey(userID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// UserSessions returns the live sessions of userID on every node. Set members
// whose session hash has expired are pruned.
func (s *Store) UserSessions(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}

	sessions := make([]Session, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			stale = append(stale, id)
			continue
		}
		sessions = append(sessions, *sess)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, userKey(userID), stale...).Err()
	}
	return sessions, nil
}
