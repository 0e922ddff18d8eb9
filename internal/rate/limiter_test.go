package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiterTest(t *testing.T, max int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return New(rdb, Config{MaxAttempts: max, Window: time.Minute}), mr
}

func TestAllowHandshakeWithinBudget(t *testing.T) {
	l, _ := newLimiterTest(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.AllowHandshake(ctx, "10.0.0.1:5000"); err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if err := l.AllowHandshake(ctx, "10.0.0.1:5001"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on fourth attempt from same host, got %v", err)
	}
	if err := l.AllowHandshake(ctx, "10.0.0.2:5000"); err != nil {
		t.Fatalf("other host must have its own budget: %v", err)
	}
}

func TestWindowExpires(t *testing.T) {
	l, mr := newLimiterTest(t, 1)
	ctx := context.Background()

	_ = l.AllowHandshake(ctx, "10.0.0.1:1")
	if err := l.AllowHandshake(ctx, "10.0.0.1:1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit, got %v", err)
	}
	mr.FastForward(61 * time.Second)
	if err := l.AllowHandshake(ctx, "10.0.0.1:1"); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}

func TestAllowKeyedWindows(t *testing.T) {
	l, mr := newLimiterTest(t, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, "m:u:alice", 2, time.Second); err != nil {
			t.Fatalf("hit %d: unexpected error %v", i, err)
		}
	}
	if err := l.Allow(ctx, "m:u:alice", 2, time.Second); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on third hit, got %v", err)
	}
	if err := l.Allow(ctx, "m:u:bob", 2, time.Second); err != nil {
		t.Fatalf("other key must have its own budget: %v", err)
	}
	if got, _ := mr.Get("sr:m:u:alice"); got != "3" {
		t.Fatalf("expected counter 3 under the prefixed key, got %q", got)
	}

	mr.FastForward(2 * time.Second)
	if err := l.Allow(ctx, "m:u:alice", 2, time.Second); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}

func TestAllowDisabledBudget(t *testing.T) {
	l, mr := newLimiterTest(t, 1)
	for i := 0; i < 5; i++ {
		if err := l.Allow(context.Background(), "s:u:alice", 0, time.Minute); err != nil {
			t.Fatalf("zero budget must not limit: %v", err)
		}
	}
	if mr.Exists("sr:s:u:alice") {
		t.Fatal("zero budget must not touch redis")
	}
}

func TestHandshakeKeyStripsPort(t *testing.T) {
	l, mr := newLimiterTest(t, 5)
	_ = l.AllowHandshake(context.Background(), "10.0.0.1:1")
	_ = l.AllowHandshake(context.Background(), "10.0.0.1:2")
	if got, _ := mr.Get("sr:h:10.0.0.1"); got != "2" {
		t.Fatalf("expected 2 attempts for the host, got %q", got)
	}
	if HostOf("[::1]:80") != "::1" || HostOf("local") != "local" {
		t.Fatal("unexpected HostOf result")
	}
}

func TestRedisUnavailable(t *testing.T) {
	l, mr := newLimiterTest(t, 1)
	mr.Close()
	if err := l.AllowHandshake(context.Background(), "10.0.0.1:1"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
