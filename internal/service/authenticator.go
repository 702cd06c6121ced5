package service

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util"
	"github.com/tilli/master-agent/internal/util/logger"
)

const defaultClaimsNamespace = "https://tilli.com"

// DevIdentity is returned for every request while authentication is disabled.
func DevIdentity() models.Identity {
	return models.Identity{
		UserID:        "dev_user",
		Role:          models.RoleEducator,
		SchoolID:      "School 1",
		Authenticated: false,
		Provider:      models.ProviderLocal,
	}
}

// SkipsRoleChecks reports whether role gates are bypassed for identity. Only
// the fixed development identity qualifies; any other unauthenticated caller
// never reaches a role check because Authenticate fails first.
func SkipsRoleChecks(identity models.Identity) bool {
	return identity == DevIdentity()
}

// AuthenticatorConfig selects the verification mode. When External is set it
// wins over Local.
type AuthenticatorConfig struct {
	Enabled         bool
	Local           *util.JWTManager
	External        *util.ExternalVerifier
	ClaimsNamespace string
}

type authenticator struct {
	config  AuthenticatorConfig
	audit   AuditRecorder
	metrics *telemetry.Metrics
}

// NewAuthenticator validates that an enabled authenticator has a verifier.
func NewAuthenticator(config AuthenticatorConfig, recorder AuditRecorder, metrics *telemetry.Metrics) (Authenticator, error) {
	if config.Enabled && config.Local == nil && config.External == nil {
		return nil, errors.New("authentication enabled without a token verifier")
	}
	if config.ClaimsNamespace == "" {
		config.ClaimsNamespace = defaultClaimsNamespace
	}
	config.ClaimsNamespace = strings.TrimSuffix(config.ClaimsNamespace, "/")
	if !config.Enabled {
		logger.Warn("Authentication is disabled; every request runs as %s", DevIdentity().UserID)
	}
	return &authenticator{config: config, audit: recorder, metrics: metrics}, nil
}

func (a *authenticator) Authenticate(ctx context.Context, credential string) (models.Identity, error) {
	if !a.config.Enabled {
		return DevIdentity(), nil
	}

	ctx, span := tracer.Start(ctx, "authenticate")
	defer span.End()

	token := strings.TrimSpace(credential)
	if token == "" {
		return models.Identity{}, a.fail(ctx, ErrMissingCredential)
	}

	var (
		identity models.Identity
		err      error
	)
	if a.config.External != nil {
		identity, err = a.verifyExternal(ctx, token)
	} else {
		identity, err = a.verifyLocal(token)
	}
	if errors.Is(err, util.ErrKeySetUnavailable) {
		span.SetStatus(codes.Error, "key set unavailable")
		logger.Errorw("Identity provider key set unavailable", "error", err.Error())
		a.metrics.Outcome("authenticate", "upstream_error")
		return models.Identity{}, &UpstreamError{Stage: "jwks", Err: err}
	}
	if err != nil {
		span.SetStatus(codes.Error, "authentication failed")
		return models.Identity{}, a.fail(ctx, err)
	}

	span.SetAttributes(
		attribute.String("identity.provider", string(identity.Provider)),
		attribute.String("identity.role", identity.Role.String()),
	)
	return identity, nil
}

func (a *authenticator) verifyLocal(token string) (models.Identity, error) {
	claims, err := a.config.Local.ValidateToken(token)
	if err != nil {
		return models.Identity{}, err
	}
	subject := claims.SubjectID()
	if subject == "" {
		return models.Identity{}, ErrUnknownSubject
	}
	return models.Identity{
		UserID:        subject,
		Email:         claims.Email,
		Role:          roleClaim(claims.Role),
		SchoolID:      claims.SchoolID,
		Authenticated: true,
		Provider:      models.ProviderLocal,
	}, nil
}

func (a *authenticator) verifyExternal(ctx context.Context, token string) (models.Identity, error) {
	claims, err := a.config.External.Verify(ctx, token)
	if err != nil {
		return models.Identity{}, err
	}
	subject := stringClaim(claims, "sub")
	if subject == "" {
		return models.Identity{}, ErrUnknownSubject
	}
	ns := a.config.ClaimsNamespace
	email := stringClaim(claims, ns+"/email")
	if email == "" {
		email = stringClaim(claims, "email")
	}
	return models.Identity{
		UserID:        subject,
		Email:         email,
		Role:          roleClaim(stringClaim(claims, ns+"/role")),
		SchoolID:      stringClaim(claims, ns+"/school_id"),
		Authenticated: true,
		Provider:      models.ProviderExternal,
	}, nil
}

// fail records the attempt and wraps the reason. The reason stays internal.
func (a *authenticator) fail(ctx context.Context, reason error) error {
	logger.Warnw("Authentication failed", "error", reason.Error())
	if a.audit != nil {
		a.audit.LogSecurityEvent(ctx, audit.SecurityEvent{
			Request:     RequestMetaFrom(ctx),
			EventType:   models.EventAuthFailure,
			Severity:    models.SeverityLow,
			Description: "Bearer credential rejected",
			Metadata:    models.JSONMap{"reason": authFailureKind(reason)},
		})
	}
	a.metrics.Outcome("authenticate", "rejected")
	return &AuthenticationError{Err: reason}
}

// roleClaim maps a missing role to educator; anything unrecognised becomes
// RoleUnknown and is denied downstream.
func roleClaim(v string) models.Role {
	if strings.TrimSpace(v) == "" {
		return models.RoleEducator
	}
	return models.ParseRole(v)
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func authFailureKind(err error) string {
	var ve *jwt.ValidationError
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrUnknownSubject):
		return "missing_subject"
	case errors.Is(err, util.ErrKeyNotFound):
		return "unknown_key"
	case errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0:
		return "expired"
	default:
		return "invalid_token"
	}
}
