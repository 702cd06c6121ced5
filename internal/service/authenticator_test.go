package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util"
)

func localManager(t *testing.T) *util.JWTManager {
	t.Helper()
	m, err := util.NewJWTManager(util.JWTConfig{Secret: []byte("test-secret"), TokenTTL: time.Hour})
	require.NoError(t, err)
	return m
}

func TestAuthenticator_DisabledReturnsDevIdentity(t *testing.T) {
	rec := &recordingAudit{}
	a, err := NewAuthenticator(AuthenticatorConfig{Enabled: false}, rec, nil)
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DevIdentity(), id)
	assert.False(t, id.Authenticated)
	assert.True(t, SkipsRoleChecks(id))
	assert.Empty(t, rec.security)
}

func TestAuthenticator_EnabledRequiresVerifier(t *testing.T) {
	_, err := NewAuthenticator(AuthenticatorConfig{Enabled: true}, nil, nil)
	assert.Error(t, err)
}

func TestAuthenticator_Local(t *testing.T) {
	mgr := localManager(t)
	rec := &recordingAudit{}
	a, err := NewAuthenticator(AuthenticatorConfig{Enabled: true, Local: mgr}, rec, nil)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		tok, err := mgr.CreateToken(util.TokenRequest{Subject: "educator_alice", Email: "alice@example.com", Role: "educator", SchoolID: "school_1"})
		require.NoError(t, err)
		id, err := a.Authenticate(context.Background(), tok)
		require.NoError(t, err)
		assert.Equal(t, "educator_alice", id.UserID)
		assert.Equal(t, models.RoleEducator, id.Role)
		assert.Equal(t, "school_1", id.SchoolID)
		assert.True(t, id.Authenticated)
		assert.Equal(t, models.ProviderLocal, id.Provider)
		assert.False(t, SkipsRoleChecks(id))
	})

	t.Run("missing role defaults to educator", func(t *testing.T) {
		tok, err := mgr.CreateToken(util.TokenRequest{Subject: "u1"})
		require.NoError(t, err)
		id, err := a.Authenticate(context.Background(), tok)
		require.NoError(t, err)
		assert.Equal(t, models.RoleEducator, id.Role)
	})

	t.Run("unrecognised role", func(t *testing.T) {
		tok, err := mgr.CreateToken(util.TokenRequest{Subject: "u1", Role: "superuser"})
		require.NoError(t, err)
		id, err := a.Authenticate(context.Background(), tok)
		require.NoError(t, err)
		assert.Equal(t, models.RoleUnknown, id.Role)
	})

	t.Run("legacy user_id claim", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, util.AgentClaims{
			UserID:           "legacy_user",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		id, err := a.Authenticate(context.Background(), tok)
		require.NoError(t, err)
		assert.Equal(t, "legacy_user", id.UserID)
	})
}

func TestAuthenticator_Failures(t *testing.T) {
	mgr := localManager(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, util.AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "educator_alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, util.AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, util.AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		kind  string
	}{
		{"missing", "", "missing_credential"},
		{"blank", "   ", "missing_credential"},
		{"garbage", "not.a.token", "invalid_token"},
		{"expired", expired, "expired"},
		{"no subject", noSubject, "missing_subject"},
		{"wrong key", wrongKey, "invalid_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingAudit{}
			a, err := NewAuthenticator(AuthenticatorConfig{Enabled: true, Local: mgr}, rec, nil)
			require.NoError(t, err)

			_, err = a.Authenticate(context.Background(), tt.token)
			var authErr *AuthenticationError
			require.True(t, errors.As(err, &authErr), "got %v", err)

			require.Len(t, rec.security, 1)
			assert.Equal(t, models.EventAuthFailure, rec.security[0].EventType)
			assert.Equal(t, models.SeverityLow, rec.security[0].Severity)
			assert.Equal(t, tt.kind, rec.security[0].Metadata["reason"])
		})
	}
}

func TestAuthenticator_External(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(util.NewJWKSet("kid-1", &key.PublicKey))
	}))
	t.Cleanup(srv.Close)

	provider := util.NewJWKSProvider(util.JWKSConfig{URL: srv.URL, Timeout: time.Second}, nil, nil)
	verifier := util.NewExternalVerifier(provider, "master-agent", "https://tenant.example.com/")
	rec := &recordingAudit{}
	// local manager is ignored once an external verifier is configured
	a, err := NewAuthenticator(AuthenticatorConfig{
		Enabled:         true,
		Local:           localManager(t),
		External:        verifier,
		ClaimsNamespace: "https://tilli.com/",
	}, rec, nil)
	require.NoError(t, err)

	sign := func(kid string, claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}
	claims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub":                         "auth0|carol",
			"aud":                         "master-agent",
			"iss":                         "https://tenant.example.com/",
			"exp":                         time.Now().Add(time.Hour).Unix(),
			"email":                       "carol@example.com",
			"https://tilli.com/role":      "admin",
			"https://tilli.com/school_id": "school_2",
		}
	}

	id, err := a.Authenticate(context.Background(), sign("kid-1", claims()))
	require.NoError(t, err)
	assert.Equal(t, "auth0|carol", id.UserID)
	assert.Equal(t, "carol@example.com", id.Email)
	assert.Equal(t, models.RoleAdmin, id.Role)
	assert.Equal(t, "school_2", id.SchoolID)
	assert.Equal(t, models.ProviderExternal, id.Provider)

	_, err = a.Authenticate(context.Background(), sign("kid-unknown", claims()))
	require.Error(t, err)
	require.NotEmpty(t, rec.security)
	assert.Equal(t, "unknown_key", rec.security[len(rec.security)-1].Metadata["reason"])

	hs, err := localManager(t).CreateToken(util.TokenRequest{Subject: "educator_alice"})
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), hs)
	assert.Error(t, err)
}

func TestAuthenticator_KeySetUnavailable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "auth0|carol",
		"aud": "master-agent",
		"iss": "https://tenant.example.com/",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)
	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	t.Cleanup(garbled.Close)

	urls := map[string]string{
		"unreachable": "http://127.0.0.1:1/jwks.json",
		"bad status":  broken.URL,
		"bad body":    garbled.URL,
	}
	for name, url := range urls {
		t.Run(name, func(t *testing.T) {
			provider := util.NewJWKSProvider(util.JWKSConfig{URL: url, Timeout: 200 * time.Millisecond}, nil, nil)
			rec := &recordingAudit{}
			a, err := NewAuthenticator(AuthenticatorConfig{
				Enabled:  true,
				External: util.NewExternalVerifier(provider, "master-agent", "https://tenant.example.com/"),
			}, rec, nil)
			require.NoError(t, err)

			_, err = a.Authenticate(context.Background(), signed)
			require.Error(t, err)

			var upstream *UpstreamError
			require.True(t, errors.As(err, &upstream))
			assert.Equal(t, "jwks", upstream.Stage)
			assert.ErrorIs(t, err, util.ErrKeySetUnavailable)
			assert.False(t, IsClientError(err))
			assert.Empty(t, rec.security)
		})
	}
}
