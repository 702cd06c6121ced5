package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

// RouteLimit overrides the default bucket for paths under PathPrefix.
type RouteLimit struct {
	PathPrefix      string
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	Cost            int
}

type LimiterConfig struct {
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	RouteLimits     []RouteLimit

	// Redis mode (optional). Buckets are shared across replicas.
	Redis     *client.RedisClient
	KeyPrefix string
	BucketTTL time.Duration

	Resolver ClientResolver
	Metrics  *telemetry.Metrics
	Audit    service.AuditRecorder
}

// LimiterConfigFrom maps the service configuration onto a limiter config.
func LimiterConfigFrom(cfg config.RateConfig, rdb *client.RedisClient, metrics *telemetry.Metrics, recorder service.AuditRecorder) LimiterConfig {
	return LimiterConfig{
		RatePerInterval: cfg.RatePerInterval,
		Interval:        cfg.Interval,
		Burst:           cfg.Burst,
		RouteLimits: []RouteLimit{
			// the self test writes audit events; keep it slow
			{PathPrefix: "/test/self", RatePerInterval: 5, Interval: time.Minute, Burst: 2},
		},
		Redis:    rdb,
		Resolver: NewClientResolver([]string{"X-Forwarded-For", "X-Real-IP"}, cfg.TrustedProxyCIDRs),
		Metrics:  metrics,
		Audit:    recorder,
	}
}

type RateLimiter struct {
	mu      sync.RWMutex
	cfg     LimiterConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = time.Hour
	}
	if cfg.RatePerInterval <= 0 {
		cfg.RatePerInterval = 60
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerInterval
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, label := rl.limitFor(r.URL.Path)
		key := label + "|" + rl.cfg.Resolver.ClientIP(r).String()

		allowed := false
		if rl.cfg.Redis != nil {
			ok, err := rl.redisAllow(r.Context(), rl.cfg.KeyPrefix+key, limit)
			if err == nil {
				allowed = ok
			} else {
				// shared state is unavailable; each replica limits on its own
				logger.Warnw("rate limiter degraded", "error", err)
				w.Header().Set("X-RateLimit-Degraded", "true")
				allowed = rl.memoryAllow(key, limit)
			}
		} else {
			allowed = rl.memoryAllow(key, limit)
		}

		if !allowed {
			rl.cfg.Metrics.Limited(label)
			rl.audit(r, label)
			retry := int(limit.Interval.Seconds() / float64(limit.RatePerInterval))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) audit(r *http.Request, label string) {
	if rl.cfg.Audit == nil {
		return
	}
	meta := service.RequestMetaFrom(r.Context())
	if meta.IPAddress == "" {
		meta.IPAddress = rl.cfg.Resolver.ClientIP(r).String()
	}
	rl.cfg.Audit.LogSecurityEvent(r.Context(), audit.SecurityEvent{
		Request:     meta,
		EventType:   models.EventRateLimited,
		Severity:    models.SeverityLow,
		Description: "Request rejected by rate limiter",
		Metadata:    models.JSONMap{"route": label, "path": r.URL.Path},
	})
}

// limitFor returns the effective limit and a bounded label for metrics.
func (rl *RateLimiter) limitFor(path string) (RouteLimit, string) {
	limit := RouteLimit{
		RatePerInterval: rl.cfg.RatePerInterval,
		Interval:        rl.cfg.Interval,
		Burst:           rl.cfg.Burst,
		Cost:            1,
	}
	for _, rlmt := range rl.cfg.RouteLimits {
		if !strings.HasPrefix(path, rlmt.PathPrefix) {
			continue
		}
		if rlmt.RatePerInterval > 0 {
			limit.RatePerInterval = rlmt.RatePerInterval
		}
		if rlmt.Interval > 0 {
			limit.Interval = rlmt.Interval
		}
		if rlmt.Burst > 0 {
			limit.Burst = rlmt.Burst
		}
		if rlmt.Cost > 0 {
			limit.Cost = rlmt.Cost
		}
		return limit, rlmt.PathPrefix
	}
	return limit, "default"
}

type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(limit RouteLimit, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(limit.Burst),
		tokens:     float64(limit.Burst),
		refillRate: float64(limit.RatePerInterval) / limit.Interval.Seconds(),
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(cost int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

func (rl *RateLimiter) memoryAllow(key string, limit RouteLimit) bool {
	now := rl.now()
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if !exists {
		rl.mu.Lock()
		if b, exists = rl.buckets[key]; !exists {
			b = newBucket(limit, now)
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}
	return b.allow(limit.Cost, now)
}

var luaScript = client.NewScript(`
-- KEYS = bucket key
-- ARGV = now_ms, rate_per_sec, capacity, cost, ttl_sec
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if not tokens or not ts then
  tokens = cap
  ts = now
else
  local elapsed = (now - ts) / 1000
  tokens = math.min(cap, tokens + (elapsed * rate))
  ts = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)

return allowed
`)

func (rl *RateLimiter) redisAllow(ctx context.Context, key string, limit RouteLimit) (bool, error) {
	ratePerSec := float64(limit.RatePerInterval) / limit.Interval.Seconds()
	res, err := luaScript.Run(ctx, rl.cfg.Redis, []string{key},
		rl.now().UnixMilli(),
		ratePerSec,
		limit.Burst,
		limit.Cost,
		int(rl.cfg.BucketTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Mode reports "redis" or "memory" for the security health check.
func (rl *RateLimiter) Mode() string {
	if rl == nil {
		return "disabled"
	}
	if rl.cfg.Redis != nil {
		return "redis"
	}
	return "memory"
}

func (rl *RateLimiter) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	rl.mu.RLock()
	keys := len(rl.buckets)
	rl.mu.RUnlock()
	stats := struct {
		Mode         string `json:"mode"`
		InMemoryKeys int    `json:"in_memory_keys"`
	}{Mode: rl.Mode(), InMemoryKeys: keys}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
