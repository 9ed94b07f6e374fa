// Package banlist provides IP-based ban management backed by Redis, consulted
// by the acceptor for each accepted connection before it is registered. Ban
// records are simple
// key-value pairs with TTL-based expiry:
//
//	Key:   banlist:<ip>
//	Value: <reason>
//	TTL:   ban duration
package banlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "banlist:"

	// OffensePrefix is the Redis key prefix for the per-IP offense counter
	// that drives auto-ban escalation.
	OffensePrefix = "connector:offenses:"

	// Ban durations by offense count, as returned by escalationDuration.
	// RecordOffense bans only once the count reaches AutoBanThreshold, so
	// an automatic ban always lasts Ban24Hour.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffenseTTL is how long the offense counter lives in Redis. After
	// this window without a new offense the counter resets to zero.
	OffenseTTL = 24 * time.Hour

	// AutoBanThreshold is the number of recorded offenses within OffenseTTL
	// that triggers an automatic ban. config.AutoBanThreshold only switches
	// auto-banning on (any value above zero); it does not change this count.
	AutoBanThreshold = 3
)

// RedisClient is the subset of *redis.Client used by Store, narrowed so
// tests can supply a fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

// Store manages IP ban records in Redis.
type Store struct {
	client RedisClient
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client RedisClient) *Store {
	return &Store{client: client}
}

// IsBanned checks whether a source IP is currently banned. Returns
// (banned, remainingSeconds, reason, error). Redis errors are returned so
// the acceptor can fail open (spec §7 treats acceptor rejections as
// transient by default; banlist lookup failures must not stall accept).
func (s *Store) IsBanned(ctx context.Context, ip string) (bool, int, string, error) {
	key := BanPrefix + ip

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Ban bans a source IP for the given duration and reason.
func (s *Store) Ban(ctx context.Context, ip string, duration time.Duration, reason string) error {
	key := BanPrefix + ip
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Unban removes a ban from a source IP immediately.
func (s *Store) Unban(ctx context.Context, ip string) error {
	key := BanPrefix + ip
	return s.client.Del(ctx, key).Err()
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// RecordOffense increments the offense counter for a source IP (called by
// cmd/connector's stratifierDropper when it sends a dropclient notice) and
// auto-bans once AutoBanThreshold is reached within OffenseTTL. Returns
// (banned, duration, error).
func (s *Store) RecordOffense(ctx context.Context, ip string, reason string) (bool, time.Duration, error) {
	key := OffensePrefix + ip

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("banlist: record offense incr: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("banlist: record offense expire: %w", err)
		}
	}

	if count >= AutoBanThreshold {
		duration := escalationDuration(int(count))
		if err := s.Ban(ctx, ip, duration, reason); err != nil {
			return false, 0, fmt.Errorf("banlist: record offense ban: %w", err)
		}
		return true, duration, nil
	}

	return false, 0, nil
}
