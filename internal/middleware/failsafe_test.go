package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tilli/master-agent/internal/service"
)

func TestFailSafe_Draining(t *testing.T) {
	fs := NewFailSafe("/health/live")
	h := fs.Handler(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ask", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	fs.Drain()
	assert.True(t, fs.Draining())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ask", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shutting_down")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFailSafe_RecoversPanics(t *testing.T) {
	h := NewFailSafe("/health/live").Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ask", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), service.MsgInternal)
	assert.NotContains(t, w.Body.String(), "boom")
}
