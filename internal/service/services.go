package service

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/compliance/incident"
	"github.com/tilli/master-agent/internal/models"
)

var tracer = otel.Tracer("github.com/tilli/master-agent/internal/service")

// Authenticator turns a bearer credential into the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (models.Identity, error)
}

// AccessAuthorizer decides whether an identity may read the requested scope.
// Every denial is audited before the error is returned.
type AccessAuthorizer interface {
	Authorize(ctx context.Context, identity models.Identity, scope models.AccessScope) error
}

// SourceClassifier picks the data sources a question needs.
type SourceClassifier interface {
	Classify(question string) []models.DataSource
}

// DataFetcher loads assessment data and renders it for the model.
type DataFetcher interface {
	Fetch(ctx context.Context, sources []models.DataSource, scope models.AccessScope) (*Dataset, error)
	FormatForModel(ds *Dataset) (string, error)
}

// Generator is the language model.
type Generator interface {
	Generate(ctx context.Context, question, contextSummary string) (string, error)
	Converse(ctx context.Context, conversation []string) (string, error)
	Name() string
}

// HarmDetector is satisfied by *incident.DetectionEngine.
type HarmDetector interface {
	Detect(text, contextTag string) models.HarmDetectionResult
}

// AlertRaiser is satisfied by *incident.IncidentManager.
type AlertRaiser interface {
	RaiseCritical(ctx context.Context, alert incident.HarmAlert) *incident.Incident
}

// AuditRecorder is satisfied by *audit.Logger.
type AuditRecorder interface {
	LogDataAccess(ctx context.Context, rec audit.DataAccess)
	LogHarmfulContent(ctx context.Context, rec audit.HarmfulContent)
	LogSecurityEvent(ctx context.Context, rec audit.SecurityEvent)
}

type requestMetaKey struct{}

// WithRequestMeta attaches transport details for the audit trail.
func WithRequestMeta(ctx context.Context, meta models.RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom returns the meta set by WithRequestMeta, or the zero value.
func RequestMetaFrom(ctx context.Context) models.RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(models.RequestMeta)
	return meta
}
