package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogger attaches request meta for the audit trail, echoes the request
// ID and logs one line per request. Bodies, tokens and query strings are never
// logged because questions may name students.
type RequestLogger struct {
	resolver ClientResolver
	metrics  *telemetry.Metrics
}

func NewRequestLogger(resolver ClientResolver, metrics *telemetry.Metrics) *RequestLogger {
	return &RequestLogger{resolver: resolver, metrics: metrics}
}

func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		meta := models.RequestMeta{
			IPAddress: m.resolver.ClientIP(r).String(),
			RequestID: requestID,
			UserAgent: r.UserAgent(),
		}
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(service.WithRequestMeta(r.Context(), meta)))

		elapsed := time.Since(start)
		route := routePattern(r)
		m.metrics.ObserveRequest(route, r.Method, ww.status, elapsed)
		logger.Infow("request",
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"latency_ms", elapsed.Milliseconds(),
			"request_id", requestID,
		)
	})
}

// routePattern keeps metric cardinality bounded by using the matched chi
// pattern rather than the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *wrapWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
