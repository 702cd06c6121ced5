package util

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tilli/master-agent/internal/repository"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

// ErrKeyNotFound is returned when no key in the set matches the token kid.
var ErrKeyNotFound = errors.New("no matching signing key")

// ErrKeySetUnavailable marks a failed key-set fetch. It is a provider outage,
// not a bad credential.
var ErrKeySetUnavailable = errors.New("identity provider key set unavailable")

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey decodes an RSA key. Other key types are not supported.
func (k JWK) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// NewJWKSet publishes a single RSA key. Tests use it to stand up a fake provider.
func NewJWKSet(kid string, publicKey *rsa.PublicKey) JWKSet {
	return JWKSet{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
	}}}
}

// JWKSConfig configures the key-set provider.
type JWKSConfig struct {
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
	// MinRefresh bounds how often an unknown kid may force a refetch.
	MinRefresh time.Duration
}

// JWKSProvider fetches and caches the identity provider's key set. It is
// process scoped: build one at startup and inject it. A fetch is attempted
// once per call with a bounded timeout and never retried.
type JWKSProvider struct {
	cfg     JWKSConfig
	client  *http.Client
	shared  repository.CacheRepository
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	fetchMu   sync.Mutex

	now func() time.Time
}

// NewJWKSProvider builds a provider. shared and metrics may be nil.
func NewJWKSProvider(cfg JWKSConfig, shared repository.CacheRepository, metrics *telemetry.Metrics) *JWKSProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = 30 * time.Second
	}
	return &JWKSProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		shared:  shared,
		metrics: metrics,
		keys:    make(map[string]*rsa.PublicKey),
		now:     time.Now,
	}
}

func (p *JWKSProvider) cacheKey() string {
	return "jwks:" + p.cfg.URL
}

// Key returns the public key for kid.
func (p *JWKSProvider) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, fresh := p.lookup(kid); key != nil && fresh {
		return key, nil
	}

	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	// another caller may have refreshed while we waited
	key, fresh := p.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if fresh && p.now().Sub(p.fetchedAtSnapshot()) < p.cfg.MinRefresh {
		return nil, ErrKeyNotFound
	}

	set, err := p.load(ctx, !fresh)
	if err != nil {
		return nil, err
	}
	p.install(set)

	if key, _ := p.lookup(kid); key != nil {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

func (p *JWKSProvider) lookup(kid string) (*rsa.PublicKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fresh := !p.fetchedAt.IsZero() && p.now().Sub(p.fetchedAt) < p.cfg.CacheTTL
	return p.keys[kid], fresh
}

func (p *JWKSProvider) fetchedAtSnapshot() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fetchedAt
}

// load reads the key set from the shared cache when allowed, otherwise from
// the provider.
func (p *JWKSProvider) load(ctx context.Context, useShared bool) (JWKSet, error) {
	if useShared && p.shared != nil {
		if cached, ok := p.shared.Get(ctx, p.cacheKey()); ok {
			var set JWKSet
			if raw, err := json.Marshal(cached); err == nil && json.Unmarshal(raw, &set) == nil && len(set.Keys) > 0 {
				return set, nil
			}
		}
	}

	set, err := p.fetch(ctx)
	if err != nil {
		return JWKSet{}, err
	}
	if p.shared != nil {
		p.shared.Set(ctx, p.cacheKey(), set, p.cfg.CacheTTL)
	}
	return set, nil
}

func (p *JWKSProvider) fetch(ctx context.Context) (set JWKSet, err error) {
	start := time.Now()
	defer func() { p.metrics.Upstream("jwks", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return JWKSet{}, fmt.Errorf("%w: build request: %w", ErrKeySetUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Warn("JWKS fetch failed: %v", err)
		return JWKSet{}, fmt.Errorf("%w: fetch: %w", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JWKSet{}, fmt.Errorf("%w: unexpected status %d", ErrKeySetUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return JWKSet{}, fmt.Errorf("%w: decode: %w", ErrKeySetUnavailable, err)
	}
	return set, nil
}

func (p *JWKSProvider) install(set JWKSet) {
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			logger.Warn("Skipping JWKS key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}

	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = p.now()
	p.mu.Unlock()
}

// ExternalVerifier validates RS256 tokens issued by an external identity provider.
type ExternalVerifier struct {
	keys     *JWKSProvider
	audience string
	issuer   string
	parser   *jwt.Parser
}

func NewExternalVerifier(keys *JWKSProvider, audience, issuer string) *ExternalVerifier {
	return &ExternalVerifier{
		keys:     keys,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}
}

// Verify checks signature, expiry, audience and issuer and returns the raw claims.
func (v *ExternalVerifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, ok := claims["exp"]; !ok {
		return nil, errors.New("token has no expiry")
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, errors.New("invalid audience")
	}
	if !claims.VerifyIssuer(v.issuer, true) {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}
