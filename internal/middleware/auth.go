package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/service"
)

type identityKey struct{}

// BearerToken extracts the credential from an Authorization header. A header
// without the Bearer scheme yields "" and fails authentication downstream.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// IdentityFrom returns the identity set by RequireAdmin.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

// RequireAdmin gates operator routes. The development identity passes while
// authentication is disabled; every other non-admin is refused and audited.
func RequireAdmin(authn service.Authenticator, recorder service.AuditRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, err := authn.Authenticate(ctx, BearerToken(r))
			var upstream *service.UpstreamError
			if errors.As(err, &upstream) {
				writeError(w, http.StatusInternalServerError, "internal_error", service.MsgInternal)
				return
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", service.MsgUnauthenticated)
				return
			}

			if identity.Role != models.RoleAdmin && !service.SkipsRoleChecks(identity) {
				if recorder != nil {
					recorder.LogSecurityEvent(ctx, audit.SecurityEvent{
						Identity:    identity,
						Request:     service.RequestMetaFrom(ctx),
						EventType:   models.EventAccessDenied,
						Severity:    models.SeverityMedium,
						Description: "Non-admin caller on operator route",
						Metadata:    models.JSONMap{"path": r.URL.Path, "role": identity.Role.String()},
					})
				}
				writeError(w, http.StatusForbidden, "access_denied", service.MsgAccessDenied)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, identityKey{}, identity)))
		})
	}
}
