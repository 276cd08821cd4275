package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/signaling/internal/v1/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl, err := NewRateLimiter(&config.Config{RateLimitWsIp: "5-M"}, rc)
	require.NoError(t, err)
	return rl, mr
}

func newTestRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", rl.WebSocketMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestNewRateLimiter_Memory(t *testing.T) {
	rl, err := NewRateLimiter(&config.Config{RateLimitWsIp: "5-M"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_BadRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{RateLimitWsIp: "lots"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_WS_IP")
}

func TestWebSocketMiddleware(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()
	r := newTestRouter(rl)

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/ws", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 6th connection attempt from the same IP is rejected
	req, _ := http.NewRequest("GET", "/ws", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Contains(t, resp.Body.String(), "too many connection attempts")
}

func TestWebSocketMiddlewareFailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close() // store down: requests still pass

	r := newTestRouter(rl)
	req, _ := http.NewRequest("GET", "/ws", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
