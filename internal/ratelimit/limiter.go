// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE sliding window algorithm. The acceptor (spec §4.2) uses it to
// throttle new-connection attempts per source IP once the live-client-count
// gate has let the connection through.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:connect:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 20 new TCP connections per minute per source IP. This
// guards the acceptor (spec §4.2) independently of the configured
// maxclients ceiling, which limits total live clients rather than the rate
// of new ones.
var RuleConnect = Rule{Key: "rl:connect:", Limit: 20, Window: 1 * time.Minute}

// RedisClient is the subset of *redis.Client used by Limiter, narrowed so
// tests can supply a fake.
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client RedisClient
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client RedisClient) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier (typically a source IP) is
// within the rate limit defined by rule. It increments the counter in Redis
// and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so a Redis outage never blocks
// the acceptor — spec §7 treats acceptor checks as transient, not fatal.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("connector: ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("connector: ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does
// not exist yet, and fails open on Redis errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("connector: ratelimit: redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
