// Package mute keeps per-user send restrictions in Redis. A mute is a key
// with a TTL:
//
//	Key:   mute:<user id>
//	Value: <reason>
//	TTL:   mute duration
//
// Blocked messages count as offenses; reaching OffenseThreshold within
// OffenseTTL mutes the user for an escalating duration.
package mute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// MutePrefix is the Redis key prefix for mute records.
	MutePrefix = "mute:"

	// OffensePrefix is the Redis key prefix for offense counters.
	OffensePrefix = "offenses:"

	Mute15Min  = 15 * time.Minute
	Mute1Hour  = 1 * time.Hour
	Mute24Hour = 24 * time.Hour

	// OffenseTTL is how long the offense counter lives. The window is fixed
	// at the first offense and does not slide.
	OffenseTTL = 24 * time.Hour

	// OffenseThreshold is the number of offenses within OffenseTTL that
	// triggers an automatic mute.
	OffenseThreshold = 3
)

// Status describes an active mute.
type Status struct {
	Muted     bool
	Remaining time.Duration
	Reason    string
}

// Store manages mute records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new mute store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func muteKey(userID uuid.UUID) string    { return MutePrefix + userID.String() }
func offenseKey(userID uuid.UUID) string { return OffensePrefix + userID.String() }

// Check reports whether userID is currently muted. Redis errors are returned
// so callers can fail open.
func (s *Store) Check(ctx context.Context, userID uuid.UUID) (Status, error) {
	key := muteKey(userID)

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("mute: check: %w", err)
	}

	st := Status{Muted: true, Reason: reason}
	// The mute exists even if its TTL can't be read; report it with zero
	// remaining rather than dropping it.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Mute restricts userID for duration.
func (s *Store) Mute(ctx context.Context, userID uuid.UUID, duration time.Duration, reason string) error {
	return s.client.Set(ctx, muteKey(userID), reason, duration).Err()
}

// Unmute lifts a mute immediately.
func (s *Store) Unmute(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, muteKey(userID)).Err()
}

// escalationDuration returns the mute duration once count offenses have been
// recorded.
func escalationDuration(count int) time.Duration {
	switch {
	case count <= OffenseThreshold:
		return Mute15Min
	case count == OffenseThreshold+1:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// Offenses returns the current offense counter for userID.
func (s *Store) Offenses(ctx context.Context, userID uuid.UUID) (int, error) {
	val, err := s.client.Get(ctx, offenseKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mute: offenses: %w", err)
	}
	return val, nil
}

// RecordOffense increments the offense counter for userID and, once the
// threshold is reached, mutes the user:
//
//	3rd offense  -> 15 minutes
//	4th offense  -> 1 hour
//	5th+ offense -> 24 hours
//
// It returns the applied mute duration, or zero if the user was not muted.
func (s *Store) RecordOffense(ctx context.Context, userID uuid.UUID, reason string) (time.Duration, error) {
	key := offenseKey(userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("mute: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseTTL).Err(); err != nil {
			return 0, fmt.Errorf("mute: offense expire: %w", err)
		}
	}

	if count < OffenseThreshold {
		return 0, nil
	}
	duration := escalationDuration(int(count))
	if err := s.Mute(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("mute: offense mute: %w", err)
	}
	return duration, nil
}
