package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	var n int64
	if v, ok := f.values[key]; ok {
		cur, _ := strconv.ParseInt(v, 10, 64)
		n = cur + 1
	} else {
		n = 1
	}
	f.values[key] = strconv.FormatInt(n, 10)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.ttls[key] = ttl
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
		delete(f.ttls, k)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func TestAllow_UnderLimit(t *testing.T) {
	l := NewLimiter(newFakeRedis())
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("expected allowed on attempt %d", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := NewLimiter(newFakeRedis())
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "1.2.3.4", rule); !ok {
			t.Fatalf("expected allowed on attempt %d", i+1)
		}
	}

	ok, err := l.Allow(ctx, "1.2.3.4", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected rate limited on 3rd attempt")
	}
}

func TestRemaining_NoPriorActivity(t *testing.T) {
	l := NewLimiter(newFakeRedis())
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	remaining, err := l.Remaining(ctx, "9.9.9.9", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 5 {
		t.Errorf("expected remaining=5, got %d", remaining)
	}
}
