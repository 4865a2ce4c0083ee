package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, "test", 2, 1, time.Minute)

	d, err := bucket.Allow(ctx, "agent-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "agent-1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "agent-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within one refill period, got %s", d.RetryAfter)
	}

	// Buckets are per key.
	d, _ = bucket.Allow(ctx, "agent-2")
	if !d.Allowed {
		t.Fatalf("expected other key to have its own bucket")
	}
	if !mr.Exists("test:ratelimit:agent-2") {
		t.Fatalf("expected namespaced bucket key")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket := NewTokenBucket(nil, "test", 0, 0, time.Minute)
	for i := 0; i < 10; i++ {
		d, err := bucket.Allow(context.Background(), "agent-1")
		if err != nil || !d.Allowed {
			t.Fatalf("expected unlimited bucket to allow, got %+v err=%v", d, err)
		}
	}
}
