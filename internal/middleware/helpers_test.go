package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
)

type securityLog struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (s *securityLog) LogDataAccess(context.Context, audit.DataAccess)         {}
func (s *securityLog) LogHarmfulContent(context.Context, audit.HarmfulContent) {}
func (s *securityLog) LogSecurityEvent(_ context.Context, rec audit.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
}

func (s *securityLog) all() []audit.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.SecurityEvent(nil), s.events...)
}

// tokenTable authenticates a fixed set of bearer tokens.
type tokenTable map[string]models.Identity

func (t tokenTable) Authenticate(_ context.Context, credential string) (models.Identity, error) {
	if id, ok := t[credential]; ok {
		return id, nil
	}
	return models.Identity{}, &service.AuthenticationError{Err: errors.New("unknown token")}
}

// outageAuth fails every call the way an unreachable identity provider does.
type outageAuth struct{}

func (outageAuth) Authenticate(context.Context, string) (models.Identity, error) {
	return models.Identity{}, &service.UpstreamError{Stage: "jwks", Err: errors.New("connection refused")}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})
