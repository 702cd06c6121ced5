package handler

import (
	"context"
	"net/http"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/service"
)

// SelfTester is satisfied by *service.Pipeline.
type SelfTester interface {
	SelfTest(ctx context.Context, testMode bool) service.SelfTestReport
}

// TestModeHandler serves /test/config and /test/self.
type TestModeHandler struct {
	cfg    *config.Config
	tester SelfTester
}

func NewTestModeHandler(cfg *config.Config, tester SelfTester) *TestModeHandler {
	return &TestModeHandler{cfg: cfg, tester: tester}
}

func (h *TestModeHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, service.DescribeTestMode(h.cfg))
}

// Self always answers 200; a failed check shows up as overall "degraded".
func (h *TestModeHandler) Self(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tester.SelfTest(r.Context(), h.cfg.TestMode))
}
