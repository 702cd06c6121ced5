package util

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/repository"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m, err := NewJWTManager(JWTConfig{Secret: []byte("test-secret"), TokenTTL: time.Hour})
	require.NoError(t, err)

	tok, err := m.CreateToken(TokenRequest{Subject: "educator_alice", Role: "educator", SchoolID: "school_1"})
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "educator_alice", claims.SubjectID())
	assert.Equal(t, "educator", claims.Role)
	assert.Equal(t, "school_1", claims.SchoolID)
}

func TestJWTManager_Rejects(t *testing.T) {
	m, err := NewJWTManager(JWTConfig{Secret: []byte("test-secret")})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		claims := AgentClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = m.ValidateToken(expired)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTManager(JWTConfig{Secret: []byte("other")})
		require.NoError(t, err)
		tok, err := other.CreateToken(TokenRequest{Subject: "u"})
		require.NoError(t, err)
		_, err = m.ValidateToken(tok)
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AgentClaims{UserID: "u"}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = m.ValidateToken(tok)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, AgentClaims{UserID: "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateToken(tok)
		assert.Error(t, err)
	})

	t.Run("missing secret", func(t *testing.T) {
		_, err := NewJWTManager(JWTConfig{})
		assert.Error(t, err)
	})
}

type fakeIdP struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   atomic.Int32
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	idp := &fakeIdP{key: key, kid: "key-1"}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idp.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(NewJWKSet(idp.kid, &idp.key.PublicKey))
	}))
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return s
}

func validExternalClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                        "auth0|alice",
		"aud":                        "master-agent",
		"iss":                        "https://tenant.example.com/",
		"exp":                        time.Now().Add(time.Hour).Unix(),
		"https://tilli.com/role":      "admin",
		"https://tilli.com/school_id": "school_1",
	}
}

func TestExternalVerifier(t *testing.T) {
	idp := newFakeIdP(t)
	provider := NewJWKSProvider(JWKSConfig{URL: idp.server.URL, Timeout: time.Second}, nil, nil)
	v := NewExternalVerifier(provider, "master-agent", "https://tenant.example.com/")
	ctx := context.Background()

	claims, err := v.Verify(ctx, idp.sign(t, idp.kid, validExternalClaims()))
	require.NoError(t, err)
	assert.Equal(t, "auth0|alice", claims["sub"])

	// second verification is served from the cached key set
	_, err = v.Verify(ctx, idp.sign(t, idp.kid, validExternalClaims()))
	require.NoError(t, err)
	assert.Equal(t, int32(1), idp.hits.Load())

	bad := validExternalClaims()
	bad["aud"] = "someone-else"
	_, err = v.Verify(ctx, idp.sign(t, idp.kid, bad))
	assert.Error(t, err)

	bad = validExternalClaims()
	bad["iss"] = "https://evil.example.com/"
	_, err = v.Verify(ctx, idp.sign(t, idp.kid, bad))
	assert.Error(t, err)

	_, err = v.Verify(ctx, idp.sign(t, "unknown-kid", validExternalClaims()))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestJWKSProvider_FetchFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewJWKSProvider(JWKSConfig{URL: srv.URL, Timeout: time.Second}, nil, nil)
	_, err := p.Key(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeySetUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewJWKSProvider(JWKSConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil, nil)
	start := time.Now()
	_, err := p.Key(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeySetUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestJWKSProvider_SharedCache(t *testing.T) {
	idp := newFakeIdP(t)
	mr := miniredis.RunT(t)
	rc := client.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), client.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	shared := repository.NewRedisCacheRepository(rc)

	first := NewJWKSProvider(JWKSConfig{URL: idp.server.URL}, shared, nil)
	_, err := first.Key(context.Background(), idp.kid)
	require.NoError(t, err)

	// a second replica picks the set up from Redis
	second := NewJWKSProvider(JWKSConfig{URL: idp.server.URL}, shared, nil)
	key, err := second.Key(context.Background(), idp.kid)
	require.NoError(t, err)
	assert.Equal(t, idp.key.PublicKey.N, key.N)
	assert.Equal(t, int32(1), idp.hits.Load())
}
