package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func callAs(t *testing.T, h echo.HandlerFunc, ip, userID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	req.Header.Set(echo.HeaderXRealIP, ip)
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, "Staff", []string{auth.RoleReceptionist}))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func httpStatusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestRateLimit_AllowsBurst(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := callAs(t, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, got)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := callAs(t, h, "10.0.0.2", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
	rec, err := callAs(t, h, "10.0.0.2", "")
	if err == nil {
		t.Fatal("expected third request to be limited")
	}
	if code := httpStatusOf(t, err); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_KeysByUserBeforeIP(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	// Two cashiers behind the same NAT address get separate buckets.
	if _, err := callAs(t, h, "10.0.0.3", "cashier-1"); err != nil {
		t.Fatalf("cashier-1: %v", err)
	}
	if _, err := callAs(t, h, "10.0.0.3", "cashier-2"); err != nil {
		t.Fatalf("cashier-2: %v", err)
	}
	if _, err := callAs(t, h, "10.0.0.3", "cashier-1"); err == nil {
		t.Error("cashier-1 should be limited on the second call")
	}
	// The anonymous bucket for the address is still full.
	if _, err := callAs(t, h, "10.0.0.3", ""); err != nil {
		t.Errorf("anonymous caller: %v", err)
	}
}

func TestRateLimit_Skipper(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Skipper:           func(c echo.Context) bool { return true },
	})(okHandler)

	for i := 0; i < 3; i++ {
		if _, err := callAs(t, h, "10.0.0.4", ""); err != nil {
			t.Fatalf("request %d: skipped requests must not be limited: %v", i+1, err)
		}
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1})
	l.now = func() time.Time { return now }

	if ok, _ := l.take("ip:a"); !ok {
		t.Fatal("first take should pass")
	}
	if ok, retry := l.take("ip:a"); ok || retry != 1 {
		t.Fatalf("expected limit with retry 1, got ok=%v retry=%d", ok, retry)
	}
	now = now.Add(600 * time.Millisecond)
	if ok, _ := l.take("ip:a"); !ok {
		t.Error("bucket should have refilled")
	}
}

func TestLimiter_ZeroRateNeverRefills(t *testing.T) {
	l := newLimiter(RateLimitConfig{BurstSize: 1})
	l.take("k")
	ok, retry := l.take("k")
	if ok || retry != 1 {
		t.Errorf("expected rejection with retry 1, got ok=%v retry=%d", ok, retry)
	}
}

func TestLimiter_DropsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	l.take("ip:old")
	now = now.Add(2 * time.Minute)
	l.take("ip:new")

	if _, ok := l.buckets["ip:old"]; ok {
		t.Error("idle bucket should have been swept")
	}
	if _, ok := l.buckets["ip:new"]; !ok {
		t.Error("active bucket missing")
	}
}
