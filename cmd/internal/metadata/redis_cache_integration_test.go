package metadata

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Integration tests are enabled when CLUBROTOR_REDIS_URL is set.

func TestRedisCache_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("CLUBROTOR_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CLUBROTOR_REDIS_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := NewRedisClient(ctx, raw)
	if err != nil {
		if os.Getenv("CI") == "" {
			t.Skipf("integration test skipped: redis unreachable: %v", err)
		}
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisCache(rdb, time.Minute)
	c.prefix = "clubrotor:it:" + time.Now().UTC().Format("20060102150405.000000000") + ":"

	if _, ok, err := c.Get(ctx, "603"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	want := Metadata{ExternalRef: "603", Title: "The Matrix", RuntimeMinutes: 136}
	if err := c.Set(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "603")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}

	ttl, err := rdb.TTL(ctx, c.key("603")).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}
