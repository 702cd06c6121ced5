package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
)

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc.def":   "abc.def",
		"bearer  abc.def ": "abc.def",
		"Basic Zm9vOmJhcg": "",
		"Bearer":           "",
		"":                 "",
	}
	for header, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, BearerToken(r), header)
	}
}

func TestRequireAdmin(t *testing.T) {
	tokens := tokenTable{
		"admin-token":    {UserID: "admin_1", Role: models.RoleAdmin, Authenticated: true},
		"educator-token": {UserID: "educator_alice", Role: models.RoleEducator, SchoolID: "school_1", Authenticated: true},
		"dev-token":      service.DevIdentity(),
	}
	log := &securityLog{}

	var seen models.Identity
	h := RequireAdmin(tokens, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/query/prepost", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := serve("admin-token")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "admin_1", seen.UserID)

	assert.Equal(t, http.StatusNoContent, serve("dev-token").Code)

	w = serve("educator-token")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), service.MsgAccessDenied)

	w = serve("")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), service.MsgUnauthenticated)

	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAccessDenied, events[0].EventType)
	assert.Equal(t, "educator_alice", events[0].Identity.UserID)
}

func TestRequireAdmin_KeySetOutage(t *testing.T) {
	log := &securityLog{}
	h := RequireAdmin(outageAuth{}, log)(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/query/prepost", nil)
	r.Header.Set("Authorization", "Bearer any")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), service.MsgInternal)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Empty(t, log.all())
}
