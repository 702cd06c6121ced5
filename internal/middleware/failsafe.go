package middleware

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/util/logger"
)

// FailSafe refuses new work once draining starts and turns handler panics
// into a generic 500. Liveness stays reachable so the orchestrator can see the
// process is shutting down rather than hung.
type FailSafe struct {
	draining atomic.Bool
	liveness string
}

func NewFailSafe(livenessPath string) *FailSafe {
	return &FailSafe{liveness: livenessPath}
}

// Drain marks the server as shutting down.
func (f *FailSafe) Drain() { f.draining.Store(true) }

func (f *FailSafe) Draining() bool { return f.draining.Load() }

func (f *FailSafe) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.draining.Load() && r.URL.Path != f.liveness {
			w.Header().Set("Connection", "close")
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "Service is shutting down.")
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Critical("handler panic",
					"path", r.URL.Path,
					"request_id", service.RequestMetaFrom(r.Context()).RequestID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", service.MsgInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
