package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	defer limiter.Close()
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/escalations", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:4000"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:4001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:4002"), "same IP, burst spent")
	assert.Equal(t, http.StatusOK, call("10.0.0.2:4000"), "other IPs have their own bucket")
	assert.Equal(t, http.StatusOK, call("[::1]"), "unparseable RemoteAddr still gets a bucket")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	defer rl.Close()
	rl.getVisitor("10.0.0.1")
	rl.getVisitor("10.0.0.2")

	rl.cleanup(time.Now().Add(time.Minute))
	assert.Len(t, rl.visitors, 2)

	rl.cleanup(time.Now().Add(4 * time.Minute))
	assert.Empty(t, rl.visitors)
	rl.Close()
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}
