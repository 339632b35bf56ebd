package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis counts INCRs per key in memory.
type fakeRedis struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestRedisLimiterWindow(t *testing.T) {
	fake := newFakeRedis()
	rl := newRedisLimiter(fake, "test:", 1, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(1_700_000_001, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	if rl.window != 3*time.Second {
		t.Fatalf("expected 3s window, got %v", rl.window)
	}
	for i := range 3 {
		if !rl.Allow(ctx, "user:a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow(ctx, "user:a") {
		t.Error("fourth request in the window should be limited")
	}
	if !rl.Allow(ctx, "user:b") {
		t.Error("other keys have their own budget")
	}
	if len(fake.expires) != 2 {
		t.Errorf("expected one expiry per window key, got %d", len(fake.expires))
	}
	for k, exp := range fake.expires {
		if exp != 6*time.Second {
			t.Errorf("key %s: expected 6s expiry, got %v", k, exp)
		}
	}

	now = now.Add(3 * time.Second)
	if !rl.Allow(ctx, "user:a") {
		t.Error("next window should admit requests again")
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	rl := newRedisLimiter(fake, "test:", 1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for range 5 {
		if !rl.Allow(context.Background(), "ip:1.2.3.4") {
			t.Fatal("expected requests to pass while redis is down")
		}
	}
}

func TestServerUsesSharedLimiter(t *testing.T) {
	env := setupTestServer(t)
	fake := newFakeRedis()
	srv := NewServer(Deps{
		Store:     env.store,
		Auth:      env.srv.authProvider,
		Generator: env.gen,
		Billing:   env.srv.billing,
		Mailer:    env.mailer,
		Redis:     fake,
	}, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	// 20 requests span at most two windows, so one of them sees more than 5.
	var limited bool
	for range 20 {
		req := httptest.NewRequest(http.MethodPost, "/api/waiting-list",
			strings.NewReader(`{"name":"Ada","email":"ada@example.com"}`))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected the shared limiter to reject requests past the burst")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for k := range fake.counts {
		if !strings.HasPrefix(k, "adlence:ratelimit:public:ip:") {
			t.Errorf("unexpected limiter key %q", k)
		}
	}
}
