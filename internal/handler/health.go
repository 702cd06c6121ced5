package handler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/util/logger"
)

var startTime = time.Now()

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusCritical  HealthStatus = "critical"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusCritical:
		return 3
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthChecker is one subsystem probe. Results must never include secrets.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c checkFunc) Name() string                          { return c.name }
func (c checkFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// NewCheck adapts a function to HealthChecker.
func NewCheck(name string, fn func(ctx context.Context) CheckResult) HealthChecker {
	return checkFunc{name: name, fn: fn}
}

// SecuritySummary provides summary statistics
type SecuritySummary struct {
	TotalChecks int      `json:"total_checks"`
	Healthy     int      `json:"healthy"`
	Degraded    int      `json:"degraded"`
	Unhealthy   int      `json:"unhealthy"`
	Critical    int      `json:"critical"`
	Issues      []string `json:"issues"`
}

// SecurityReport is the /health/security response.
type SecurityReport struct {
	Timestamp      time.Time              `json:"timestamp"`
	OverallStatus  HealthStatus           `json:"overall_status"`
	ServiceVersion string                 `json:"service_version"`
	Checks         map[string]CheckResult `json:"checks"`
	Summary        SecuritySummary        `json:"summary"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	config    *config.Config
	version   string
	checkers  []HealthChecker
	readiness map[string]bool
	timeout   time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(cfg *config.Config, version string, checkers ...HealthChecker) *HealthHandler {
	logger.Info("Health handler initialized with %d checkers", len(checkers))
	return &HealthHandler{
		config:    cfg,
		version:   version,
		checkers:  checkers,
		readiness: map[string]bool{"database": true, "audit_logging": true},
		timeout:   3 * time.Second,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(HealthStatusHealthy), "version": h.version})
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).Round(time.Second))
}

// Ready handles GET /health/ready. Only the dependencies a request cannot
// work without are consulted.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checkers {
		if !h.readiness[c.Name()] {
			continue
		}
		res := h.run(r.Context(), c)
		if res.Status.rank() >= HealthStatusUnhealthy.rank() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - %s: %s\n", c.Name(), res.Message)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// Security handles GET /health/security. ?format=summary trims the body to
// counts and the top issues and always answers 200.
func (h *HealthHandler) Security(w http.ResponseWriter, r *http.Request) {
	report := h.Report(r.Context())

	if r.URL.Query().Get("format") == "summary" {
		writeJSON(w, http.StatusOK, summarize(report))
		return
	}

	status := http.StatusOK
	if report.OverallStatus.rank() >= HealthStatusUnhealthy.rank() {
		status = http.StatusServiceUnavailable
	}
	logger.Infow("security health check", "overall", report.OverallStatus, "checks", report.Summary.TotalChecks)
	writeJSON(w, status, report)
}

// Report runs every checker and folds the results into one status.
func (h *HealthHandler) Report(ctx context.Context) SecurityReport {
	report := SecurityReport{
		Timestamp:      time.Now().UTC(),
		OverallStatus:  HealthStatusHealthy,
		ServiceVersion: h.version,
		Checks:         make(map[string]CheckResult, len(h.checkers)),
		Summary:        SecuritySummary{Issues: []string{}},
	}
	for _, c := range h.checkers {
		res := h.run(ctx, c)
		report.Checks[c.Name()] = res
		report.Summary.TotalChecks++
		switch res.Status {
		case HealthStatusHealthy:
			report.Summary.Healthy++
		case HealthStatusDegraded:
			report.Summary.Degraded++
		case HealthStatusUnhealthy:
			report.Summary.Unhealthy++
		case HealthStatusCritical:
			report.Summary.Critical++
		}
		if res.Status != HealthStatusHealthy {
			report.Summary.Issues = append(report.Summary.Issues, fmt.Sprintf("%s: %s", c.Name(), res.Message))
		}
		if res.Status.rank() > report.OverallStatus.rank() {
			report.OverallStatus = res.Status
		}
	}
	sort.Strings(report.Summary.Issues)
	return report
}

func (h *HealthHandler) run(ctx context.Context, c HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	res := c.Check(ctx)
	res.Latency = time.Since(start).String()
	res.Timestamp = time.Now().UTC()
	if res.Status == "" {
		res.Status = HealthStatusHealthy
	}
	return res
}

type summaryCheck struct {
	Check       string       `json:"check"`
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Suggestions []string     `json:"suggestions"`
}

var suggestions = map[string][]string{
	"authentication":            {"Enable auth in production: ENABLE_AUTH=true and set JWT_SECRET_KEY"},
	"transport_security":        {"Enforce TLS: REQUIRE_TLS=true behind a TLS-terminating proxy"},
	"external_api":              {"Set GEMINI_API_KEY to enable real model calls"},
	"security_headers":          {"Enable ENFORCE_HTTPS=true and verify CSP/HSTS"},
	"cors":                      {"Restrict ALLOWED_ORIGINS to trusted domains"},
	"rate_limiting":             {"Back the limiter with Redis for multi-instance deployments"},
	"audit_logging":             {"Keep audit categories routed to the file store"},
	"harmful_content_detection": {"Review detection rules before production"},
}

func summarize(report SecurityReport) map[string]any {
	checks := make([]summaryCheck, 0, len(report.Checks))
	for name, res := range report.Checks {
		s := suggestions[name]
		if s == nil {
			s = []string{}
		}
		checks = append(checks, summaryCheck{Check: name, Status: res.Status, Message: res.Message, Suggestions: s})
	}
	sort.Slice(checks, func(i, j int) bool {
		if ri, rj := checks[i].Status.rank(), checks[j].Status.rank(); ri != rj {
			return ri > rj
		}
		return checks[i].Check < checks[j].Check
	})

	top := make([]summaryCheck, 0, 3)
	for _, c := range checks {
		if c.Status != HealthStatusHealthy && len(top) < 3 {
			top = append(top, c)
		}
	}
	return map[string]any{
		"timestamp":      report.Timestamp,
		"overall_status": report.OverallStatus,
		"counts": map[string]int{
			"healthy":   report.Summary.Healthy,
			"degraded":  report.Summary.Degraded,
			"unhealthy": report.Summary.Unhealthy,
			"critical":  report.Summary.Critical,
		},
		"top_issues": top,
		"checks":     checks,
	}
}
