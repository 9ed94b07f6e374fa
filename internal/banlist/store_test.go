package banlist

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal in-memory stand-in for RedisClient, sufficient for
// deterministic unit tests without a running Redis instance.
type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
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

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	f.ttls[key] = ttl
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	n := int64(0)
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			delete(f.ttls, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) TTL(ctx context.Context, key string) *redis.DurationCmd {
	cmd := redis.NewDurationCmd(ctx, time.Second)
	cmd.SetVal(f.ttls[key])
	return cmd
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

func TestIsBanned_NotBanned(t *testing.T) {
	store := NewStore(newFakeRedis())
	ctx := context.Background()

	banned, _, _, err := store.IsBanned(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("expected not banned")
	}
}

func TestBanAndUnban(t *testing.T) {
	store := NewStore(newFakeRedis())
	ctx := context.Background()
	ip := "203.0.113.2"

	if err := store.Ban(ctx, ip, 30*time.Second, "stall"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, _, reason, err := store.IsBanned(ctx, ip)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned || reason != "stall" {
		t.Fatalf("expected banned with reason=stall, got banned=%v reason=%q", banned, reason)
	}

	if err := store.Unban(ctx, ip); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	banned, _, _, err = store.IsBanned(ctx, ip)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if banned {
		t.Error("expected not banned after Unban()")
	}
}

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		if got := escalationDuration(tc.count); got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestRecordOffense_AutoBanAtThreshold(t *testing.T) {
	store := NewStore(newFakeRedis())
	ctx := context.Background()
	ip := "203.0.113.3"

	for i := 0; i < AutoBanThreshold-1; i++ {
		banned, _, err := store.RecordOffense(ctx, ip, "invalidate")
		if err != nil {
			t.Fatalf("RecordOffense() error: %v", err)
		}
		if banned {
			t.Fatalf("unexpected ban before threshold at offense %d", i+1)
		}
	}

	banned, duration, err := store.RecordOffense(ctx, ip, "invalidate")
	if err != nil {
		t.Fatalf("RecordOffense() error: %v", err)
	}
	if !banned {
		t.Fatal("expected auto-ban at threshold")
	}
	if duration != Ban24Hour {
		t.Errorf("expected %v, got %v", Ban24Hour, duration)
	}

	isBanned, _, reason, err := store.IsBanned(ctx, ip)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !isBanned || reason != "invalidate" {
		t.Fatalf("expected persisted ban with reason=invalidate, got banned=%v reason=%q", isBanned, reason)
	}
}
