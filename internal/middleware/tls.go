package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/util/logger"
)

// DefaultTLSConfig provides the production defaults used when a field is unset.
func DefaultTLSConfig() config.TLSConfig {
	return config.TLSConfig{
		HSTSMaxAge:        31536000,
		IncludeSubdomains: true,
		CSP:               "default-src 'self'; frame-ancestors 'none';",
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready"},
		TrustProxyHeader:  true,
	}
}

// TLSEnhancer enforces HTTPS and sets security headers.
//
// Require rejects plain HTTP outright; ForceRedirect sends GET/HEAD to the
// https URL first. AllowedHosts, when set, pins the Host header. Probe paths in
// ExcludedPaths skip enforcement so load balancers can reach them over HTTP.
func TLSEnhancer(cfg config.TLSConfig) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}
	hosts := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}

	if cfg.Preload && (cfg.HSTSMaxAge < 31536000 || !cfg.IncludeSubdomains) {
		logger.Warn("HSTS preload requires includeSubDomains and max-age>=31536000; current max-age=%d", cfg.HSTSMaxAge)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setBaseSecurityHeaders(w)

			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if len(hosts) > 0 && !hosts[strings.ToLower(stripPort(r.Host))] {
				writeError(w, http.StatusBadRequest, "invalid_host", "Invalid host header.")
				return
			}

			isHTTPS := r.TLS != nil
			if !isHTTPS && cfg.TrustProxyHeader {
				isHTTPS = strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
			}

			if !isHTTPS {
				if cfg.ForceRedirect && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
					u := *r.URL
					u.Scheme = "https"
					u.Host = stripPort(r.Host)
					http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
					return
				}
				if cfg.Require || cfg.ForceRedirect {
					writeError(w, http.StatusForbidden, "tls_required", "HTTPS is required.")
					return
				}
			}

			if isHTTPS {
				setHSTS(w, cfg)
				if v := strings.TrimSpace(cfg.CSP); v != "" {
					w.Header().Set("Content-Security-Policy", v)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setBaseSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func setHSTS(w http.ResponseWriter, cfg config.TLSConfig) {
	maxAge := cfg.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 31536000
	}
	var b strings.Builder
	b.WriteString("max-age=")
	b.WriteString(strconv.Itoa(maxAge))
	if cfg.IncludeSubdomains {
		b.WriteString("; includeSubDomains")
	}
	if cfg.Preload {
		b.WriteString("; preload")
	}
	w.Header().Set("Strict-Transport-Security", b.String())
}

// stripPort removes :<port> so redirects never land on https://host:8080.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
