package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/costs"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
)

func okHandler(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = observability.GetUserID(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_MissingSessionRejected(t *testing.T) {
	handler := Auth(HeaderSessionProvider{})(okHandler(nil))

	req := httptest.NewRequest("GET", "/api/credits", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_SessionErrorRejected(t *testing.T) {
	sessions := SessionProviderFunc(func(r *http.Request) (string, error) {
		return "", errors.New("session service down")
	})
	handler := Auth(sessions)(okHandler(nil))

	req := httptest.NewRequest("GET", "/api/credits", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_UserIDFlowsToContext(t *testing.T) {
	var seen string
	handler := Auth(HeaderSessionProvider{})(okHandler(&seen))

	req := httptest.NewRequest("GET", "/api/credits", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", seen)
}

func TestAuth_CustomHeader(t *testing.T) {
	var seen string
	handler := Auth(HeaderSessionProvider{Header: "X-Subject"})(okHandler(&seen))

	req := httptest.NewRequest("GET", "/api/credits", nil)
	req.Header.Set("X-Subject", "bob")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "bob", seen)
}

// meterDeductor scripts Deduct outcomes for metering tests.
type meterDeductor struct {
	calls     []string
	remaining int64
	err       error
}

func (d *meterDeductor) Deduct(ctx context.Context, userID string, amount int64, description, operation string) (*ledger.DeductResult, error) {
	d.calls = append(d.calls, operation)
	if d.err != nil {
		return nil, d.err
	}
	return &ledger.DeductResult{RemainingBalance: d.remaining}, nil
}

func meteredRequest(t *testing.T, deductor *meterDeductor, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	handler := Metering(costs.NewResolver(), deductor)(okHandler(nil))

	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req = req.WithContext(observability.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMetering_ChargesAndExposesRemaining(t *testing.T) {
	deductor := &meterDeductor{remaining: 95}

	rec := meteredRequest(t, deductor, "POST", "/api/users", "alice")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "95", rec.Header().Get("X-Credits-Remaining"))
	require.Len(t, deductor.calls, 1)
	assert.Equal(t, "POST /api/users", deductor.calls[0])
}

func TestMetering_InsufficientCreditsRejects402(t *testing.T) {
	deductor := &meterDeductor{err: &ledger.InsufficientCreditsError{UserID: "alice", Balance: 3, Needed: 5}}

	rec := meteredRequest(t, deductor, "GET", "/api/analytics", "alice")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Credits-Remaining"))
	assert.Contains(t, rec.Body.String(), "insufficient credits")
	assert.Contains(t, rec.Body.String(), `"required":5`)
}

func TestMetering_StoreFailureRejects503(t *testing.T) {
	deductor := &meterDeductor{err: errors.New("connection refused")}

	rec := meteredRequest(t, deductor, "GET", "/api/users", "alice")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "credit check unavailable")
}

func TestMetering_ZeroCostSkipsDeduction(t *testing.T) {
	deductor := &meterDeductor{}

	rec := meteredRequest(t, deductor, "POST", "/api/credits/purchase", "alice")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, deductor.calls)
}

func TestMetering_AnonymousRequestPassesThrough(t *testing.T) {
	deductor := &meterDeductor{}

	rec := meteredRequest(t, deductor, "GET", "/api/users", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, deductor.calls)
}

func newTestLimiter(t *testing.T, perWindow int) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: perWindow,
		WindowDuration:    time.Minute,
	}, "ratelimit")
	return limiter, mr
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "user:alice")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(2 * time.Minute)

	allowed, err = limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "user:bob")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "user:alice")
	assert.Error(t, err)
	assert.True(t, allowed, "a broken limiter must not reject requests")
}

func TestRateLimitMiddleware_Rejects429WithRetryAfter(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	logger := observability.NewLogger(observability.InfoLevel, nil)
	handler := RateLimit(limiter, logger)(okHandler(nil))

	send := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/credits", nil)
		req = req.WithContext(observability.WithUserID(req.Context(), userID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("alice").Code)

	rec := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// a different user is unaffected
	assert.Equal(t, http.StatusOK, send("bob").Code)
}

func TestRateLimitMiddleware_AnonymousKeyedOnClientIP(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	logger := observability.NewLogger(observability.InfoLevel, nil)
	handler := RateLimit(limiter, logger)(okHandler(nil))

	req := httptest.NewRequest("GET", "/api/credits", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mr.Exists("ratelimit:ip:203.0.113.9"))
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
}

func TestRequestID_HonorsInbound(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", captured)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	logger := observability.NewLogger(observability.InfoLevel, nil)
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
