package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tilli/master-agent/internal/util/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
	Address        string               `yaml:"address"`
	Password       string               `yaml:"password"`
	DB             int                  `yaml:"db"`
	PoolSize       int                  `yaml:"pool_size"`
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	ReadTimeout    time.Duration        `yaml:"read_timeout"`
	WriteTimeout   time.Duration        `yaml:"write_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FailureRatio float64       `yaml:"failure_ratio"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
	MinRequests  uint64        `yaml:"min_requests"`
}

// RedisClient wraps redis.Client with tracing and a circuit breaker. It backs
// the rate limiter, the JWKS cache and incident storage.
type RedisClient struct {
	*redis.Client
	config RedisConfig
	mu     sync.Mutex
	closed bool
	cb     *circuitBreaker
}

type circuitBreaker struct {
	mu           sync.Mutex
	state        string // "closed", "open", "half-open"
	failures     uint64
	successes    uint64
	total        uint64
	lastFailure  time.Time
	failureRatio float64
	recoveryTime time.Duration
	minRequests  uint64
}

// NewRedisClient creates a new Redis client instance and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	rc := Wrap(rdb, cfg)
	logger.Info("Redis client connected to %s (DB:%d)", cfg.Address, cfg.DB)
	return rc, nil
}

// Wrap adds tracing and the breaker to an existing client. Tests use it with miniredis.
func Wrap(rdb *redis.Client, cfg RedisConfig) *RedisClient {
	rc := &RedisClient{Client: rdb, config: cfg}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.RecoveryTime <= 0 {
			cfg.CircuitBreaker.RecoveryTime = 30 * time.Second
		}
		if cfg.CircuitBreaker.FailureRatio <= 0 {
			cfg.CircuitBreaker.FailureRatio = 0.5
		}
		rc.cb = &circuitBreaker{
			state:        "closed",
			failureRatio: cfg.CircuitBreaker.FailureRatio,
			recoveryTime: cfg.CircuitBreaker.RecoveryTime,
			minRequests:  cfg.CircuitBreaker.MinRequests,
		}
	}
	rdb.AddHook(tracingHook{tracer: otel.Tracer("redis")})
	return rc
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logger.Info("Closing Redis client")
	return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if c.isCircuitOpen() {
		return ErrCircuitOpen
	}
	if err := c.Ping(ctx).Err(); err != nil {
		c.recordFailure()
		return fmt.Errorf("redis health check failed: %w", err)
	}
	c.recordSuccess()
	return nil
}

// Guard runs fn unless the breaker is open and feeds the result back to it.
func (c *RedisClient) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.isCircuitOpen() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}
	return err
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()
	return c.cb.state
}

// SetJSON marshals and sets a JSON value
func (c *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Guard(ctx, func(ctx context.Context) error {
		return c.Set(ctx, key, jsonData, ttl).Err()
	})
}

// GetJSON retrieves and unmarshals a JSON value. A missing key returns redis.Nil.
func (c *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	var data string
	err := c.Guard(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.Get(ctx, key).Result()
		return err
	})
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// NewScript exposes redis.NewScript through the client package for convenience.
func NewScript(script string) *redis.Script {
	return redis.NewScript(script)
}

type tracingHook struct {
	tracer trace.Tracer
}

func (t tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (t tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmd)
		}
		ctx, span := t.tracer.Start(ctx, "redis."+cmd.Name(), trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd.Name()),
		)
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (t tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmds)
		}
		ctx, span := t.tracer.Start(ctx, "redis.pipeline", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", "pipeline"),
			attribute.Int("db.command_count", len(cmds)),
		)
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
		}
		return err
	}
}

func (c *RedisClient) isCircuitOpen() bool {
	if c.cb == nil {
		return false
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	if c.cb.state == "open" {
		if time.Since(c.cb.lastFailure) > c.cb.recoveryTime {
			c.cb.state = "half-open"
			c.cb.failures = 0
			c.cb.successes = 0
			c.cb.total = 0
			logger.Warn("Redis circuit moving to half-open state")
		} else {
			return true
		}
	}
	return false
}

func (c *RedisClient) recordFailure() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.failures++
	c.cb.total++
	c.cb.lastFailure = time.Now()

	if c.cb.state == "half-open" {
		c.cb.state = "open"
		logger.Error("Redis circuit re-opened after failure")
		return
	}
	if c.cb.total >= c.cb.minRequests {
		failureRatio := float64(c.cb.failures) / float64(c.cb.total)
		if failureRatio >= c.cb.failureRatio {
			c.cb.state = "open"
			logger.Error("Redis circuit opened due to high failure ratio: %.2f", failureRatio)
		}
	}
}

func (c *RedisClient) recordSuccess() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.successes++
	c.cb.total++

	if c.cb.state == "half-open" && c.cb.successes >= c.cb.minRequests/2 {
		c.cb.state = "closed"
		c.cb.failures = 0
		c.cb.successes = 0
		c.cb.total = 0
		logger.Warn("Redis circuit closed after successful operations")
	}
}
