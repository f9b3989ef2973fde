package gateway

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/basket/conductor/internal/config"
)

func fixedLimiter(rpm, burst int) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(rpm, burst, nil, nil)
	now := time.Unix(1_790_000_000, 0)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, now := fixedLimiter(60, 2)
	for i := range 2 {
		if ok, _ := rl.Allow("ci"); !ok {
			t.Fatalf("request %d within burst refused", i+1)
		}
	}
	ok, wait := rl.Allow("ci")
	if ok {
		t.Fatal("third request in the same instant should be refused")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s]", wait)
	}
	if ok, _ := rl.Allow("other"); !ok {
		t.Fatal("callers must not share a bucket")
	}

	*now = now.Add(time.Second)
	if ok, _ := rl.Allow("ci"); !ok {
		t.Fatal("one token should refill after a second at 60 rpm")
	}
	if ok, _ := rl.Allow("ci"); ok {
		t.Fatal("only one token refilled")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, -1, nil, nil)
	if rl.burst != DefaultBurst || float64(rl.limit) != float64(DefaultRequestsPerMinute)/60 {
		t.Fatalf("limit=%v burst=%d", rl.limit, rl.burst)
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl, now := fixedLimiter(60, 5)
	rl.Allow("a")
	rl.Allow("b")
	if rl.CallerCount() != 2 {
		t.Fatalf("expected 2 callers, got %d", rl.CallerCount())
	}
	*now = now.Add(time.Hour)
	rl.Allow("b")
	if n := rl.EvictStale(10 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if rl.CallerCount() != 1 {
		t.Fatalf("expected 1 caller after eviction, got %d", rl.CallerCount())
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 2})
	codes := make([]int, 0, 3)
	var last *http.Response
	for range 3 {
		resp, _ := h.do(t, http.MethodGet, "/api/locks", nil)
		codes = append(codes, resp.StatusCode)
		last = resp
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
	if secs, err := strconv.Atoi(last.Header.Get("Retry-After")); err != nil || secs < 1 || secs > 60 {
		t.Fatalf("Retry-After = %q, want 1..60 seconds at 1 rpm", last.Header.Get("Retry-After"))
	}
	// Health checks are never limited.
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz limited: %d", resp.StatusCode)
	}
}
