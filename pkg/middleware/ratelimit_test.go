package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitRequest(t *testing.T, rl *RateLimiter, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session/batch", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	rl.Handler(okHandler()).ServeHTTP(rec, req)
	return rec
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 3, testLogger(), nil)

	for i := 0; i < 3; i++ {
		rec := rateLimitRequest(t, rl, "mct_key1")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := rateLimitRequest(t, rl, "mct_key1")
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 2, testLogger(), nil)

	rateLimitRequest(t, rl, "mct_key1")
	rateLimitRequest(t, rl, "mct_key1")

	rec := rateLimitRequest(t, rl, "mct_key1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
}

func TestRateLimitIsPerKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 1, testLogger(), nil)

	require.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "mct_key1").Code)
	require.Equal(t, http.StatusTooManyRequests, rateLimitRequest(t, rl, "mct_key1").Code)

	// A different key has its own window.
	assert.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "mct_key2").Code)
}

func TestRateLimitWindowResets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 1, testLogger(), nil)

	require.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "mct_key1").Code)
	require.Equal(t, http.StatusTooManyRequests, rateLimitRequest(t, rl, "mct_key1").Code)

	mr.FastForward(rateLimitWindow * 2)

	assert.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "mct_key1").Code)
}

func TestRateLimitFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	rl := NewRateLimiter(client, 1, testLogger(), nil)

	for i := 0; i < 5; i++ {
		rec := rateLimitRequest(t, rl, "mct_key1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitSkipsRequestsWithoutKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 1, testLogger(), nil)

	// Unauthenticated requests are auth's problem, not the limiter's.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "").Code)
	}
	assert.Zero(t, len(mr.Keys()))
}

func TestRateLimitDisabledByZeroLimit(t *testing.T) {
	rl := NewRateLimiter(nil, 0, testLogger(), nil)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, rateLimitRequest(t, rl, "mct_key1").Code)
	}
}
