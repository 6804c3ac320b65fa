package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Allow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewClientRateLimiter(2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "clients are limited independently")

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token refills every 30s at 2/min")
}

func TestClientRateLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewClientRateLimiter(1)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(11 * time.Minute)
	l.Allow("10.0.0.2")

	assert.Len(t, l.limiters, 1)
	_, ok := l.limiters["10.0.0.2"]
	assert.True(t, ok)
}

func TestClientRateLimiter_Middleware(t *testing.T) {
	l := NewClientRateLimiter(1)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/collect", nil)
	req.RemoteAddr = "192.0.2.1:5555"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}
