package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
)

func hit(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, nil)
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRateLimiter_Memory(t *testing.T) {
	m := telemetry.NewMetrics()
	log := &securityLog{}
	rl := NewRateLimiter(LimiterConfig{RatePerInterval: 2, Interval: time.Minute, Burst: 2, Metrics: m, Audit: log})
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Handler(okHandler)

	assert.Equal(t, http.StatusOK, hit(h, "/ask", "192.0.2.1:1").Code)
	assert.Equal(t, http.StatusOK, hit(h, "/ask", "192.0.2.1:1").Code)
	w := hit(h, "/ask", "192.0.2.1:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":{"code":"rate_limited","message":"Too many requests. Please slow down."}}`, w.Body.String())
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	// other clients keep their own bucket
	assert.Equal(t, http.StatusOK, hit(h, "/ask", "192.0.2.2:1").Code)

	// one token refills after half the interval
	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "/ask", "192.0.2.1:1").Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("default")))
	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventRateLimited, events[0].EventType)
	assert.Equal(t, "192.0.2.1", events[0].Request.IPAddress)
	assert.Equal(t, "memory", rl.Mode())
}

func TestRateLimiter_RouteLimit(t *testing.T) {
	rl := NewRateLimiter(LimiterConfig{
		RatePerInterval: 100,
		Interval:        time.Minute,
		RouteLimits:     []RouteLimit{{PathPrefix: "/test/self", RatePerInterval: 1, Interval: time.Hour, Burst: 1}},
	})
	h := rl.Handler(okHandler)

	assert.Equal(t, http.StatusOK, hit(h, "/test/self", "192.0.2.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "/test/self", "192.0.2.1:1").Code)
	// route buckets do not drain the default bucket
	assert.Equal(t, http.StatusOK, hit(h, "/ask", "192.0.2.1:1").Code)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rc := client.Wrap(rdb, client.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestRateLimiter_RedisSharedAcrossReplicas(t *testing.T) {
	mr, rc := newRedis(t)
	cfg := LimiterConfig{RatePerInterval: 1, Interval: time.Hour, Burst: 2, Redis: rc}
	a := NewRateLimiter(cfg).Handler(okHandler)
	b := NewRateLimiter(cfg).Handler(okHandler)

	assert.Equal(t, http.StatusOK, hit(a, "/ask", "192.0.2.1:1").Code)
	assert.Equal(t, http.StatusOK, hit(b, "/ask", "192.0.2.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(a, "/ask", "192.0.2.1:1").Code)

	assert.True(t, mr.Exists("rl:default|192.0.2.1"))
	assert.Equal(t, time.Hour, mr.TTL("rl:default|192.0.2.1"))
	assert.Equal(t, "redis", NewRateLimiter(cfg).Mode())
}

func TestRateLimiter_RedisOutageFallsBackToMemory(t *testing.T) {
	mr, rc := newRedis(t)
	h := NewRateLimiter(LimiterConfig{RatePerInterval: 1, Interval: time.Hour, Burst: 1, Redis: rc}).Handler(okHandler)
	mr.Close()

	w := hit(h, "/ask", "192.0.2.1:1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-RateLimit-Degraded"))

	// still limited, per replica
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "/ask", "192.0.2.1:1").Code)
}
