package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/compliance/incident"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

const (
	askPurpose  = "Educational inquiry - analyzing student assessment data"
	chatPurpose = "SEL assessment analysis via chat interface"

	defaultGradeHint = "Grade 1"
	maxChatHistory   = 50
)

// schoolPattern pulls a school name out of a question: "How did school
// Lincoln High perform?" yields "Lincoln High".
var schoolPattern = regexp.MustCompile(`(?i)\bschool\s+([\w\s]+?)(?:\s+(?:perform|score|result|do|did|is|was)|$|[?.,])`)

// ExtractSchool returns the full mention ("school Lincoln High") and the bare
// name ("Lincoln High"), or two empty strings.
func ExtractSchool(question string) (mention, name string) {
	m := schoolPattern.FindStringSubmatchIndex(question)
	if m == nil {
		return "", ""
	}
	return strings.TrimSpace(question[m[0]:m[3]]), strings.TrimSpace(question[m[2]:m[3]])
}

// Pipeline runs the ask and chat flows. Stages execute strictly in order and
// any failure stops the request.
type Pipeline struct {
	sanitizer  *Sanitizer
	auth       Authenticator
	authorizer AccessAuthorizer
	classifier SourceClassifier
	fetcher    DataFetcher
	prepost    PrePostAttacher
	generator  Generator
	detector   HarmDetector
	alerts     AlertRaiser
	audit      AuditRecorder
	metrics    *telemetry.Metrics
}

// PrePostAttacher adds a grade-level comparison to a dataset. Optional.
type PrePostAttacher interface {
	AttachPrePost(ds *Dataset, grade string)
}

type PipelineDeps struct {
	Sanitizer  *Sanitizer
	Auth       Authenticator
	Authorizer AccessAuthorizer
	Classifier SourceClassifier
	Fetcher    DataFetcher
	PrePost    PrePostAttacher
	Generator  Generator
	Detector   HarmDetector
	Alerts     AlertRaiser
	Audit      AuditRecorder
	Metrics    *telemetry.Metrics
}

func NewPipeline(d PipelineDeps) (*Pipeline, error) {
	switch {
	case d.Sanitizer == nil:
		return nil, errors.New("pipeline: sanitizer is required")
	case d.Auth == nil:
		return nil, errors.New("pipeline: authenticator is required")
	case d.Authorizer == nil:
		return nil, errors.New("pipeline: authorizer is required")
	case d.Classifier == nil || d.Fetcher == nil:
		return nil, errors.New("pipeline: data router is required")
	case d.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case d.Detector == nil:
		return nil, errors.New("pipeline: harm detector is required")
	case d.Audit == nil:
		return nil, errors.New("pipeline: audit recorder is required")
	}
	return &Pipeline{
		sanitizer:  d.Sanitizer,
		auth:       d.Auth,
		authorizer: d.Authorizer,
		classifier: d.Classifier,
		fetcher:    d.Fetcher,
		prepost:    d.PrePost,
		generator:  d.Generator,
		detector:   d.Detector,
		alerts:     d.Alerts,
		audit:      d.Audit,
		metrics:    d.Metrics,
	}, nil
}

// Generator exposes the configured model, for diagnostics.
func (p *Pipeline) Generator() Generator { return p.generator }

// Authenticator exposes the configured authenticator to transport middleware.
func (p *Pipeline) Authenticator() Authenticator { return p.auth }

// Ask answers one educator question.
func (p *Pipeline) Ask(ctx context.Context, credential string, req models.AskRequest) (resp *models.AskResponse, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.ask")
	defer span.End()
	defer func() { p.finish(span, "ask", resp, err) }()

	question, err := p.sanitizer.Sanitize(req.Question, FieldQuestion)
	if err != nil {
		return nil, err
	}
	studentID, err := p.sanitizer.Sanitize(req.StudentID, FieldIdentifier)
	if err != nil {
		return nil, err
	}
	classroomID, err := p.sanitizer.Sanitize(req.ClassroomID, FieldIdentifier)
	if err != nil {
		return nil, err
	}
	grade, err := p.sanitizer.Sanitize(req.GradeLevel, FieldGradeLevel)
	if err != nil {
		return nil, err
	}

	identity, err := p.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("identity.role", identity.Role.String()))

	mention, schoolName := ExtractSchool(question)
	scope := models.AccessScope{
		StudentID:   studentID,
		ClassroomID: classroomID,
		GradeLevel:  grade,
		SchoolName:  schoolName,
	}
	if err := p.authorizer.Authorize(ctx, identity, scope); err != nil {
		return nil, err
	}

	if blocked := p.screen(ctx, identity, question, incident.ContextQuestion); blocked {
		return &models.AskResponse{
			Answer:      SafeResponse,
			DataSources: []models.DataSource{},
			Confidence:  models.ConfidenceLow,
		}, nil
	}

	// the export names schools as "School X", so fetch with the full mention
	fetchScope := scope
	fetchScope.SchoolName = mention
	if fetchScope.SchoolName == "" {
		fetchScope.SchoolName = identity.SchoolID
	}

	sources := p.classifier.Classify(question)
	ds, err := p.fetcher.Fetch(ctx, sources, fetchScope)
	if err != nil {
		return nil, &UpstreamError{Stage: "fetch", Err: err}
	}
	if p.prepost != nil && NeedsPrePostComparison(question) {
		hint := grade
		if hint == "" {
			hint = defaultGradeHint
		}
		p.prepost.AttachPrePost(ds, hint)
	}
	summary, err := p.fetcher.FormatForModel(ds)
	if err != nil {
		return nil, &UpstreamError{Stage: "fetch", Err: err}
	}

	answer, err := p.generator.Generate(ctx, question, summary)
	if err != nil {
		return nil, &UpstreamError{Stage: "generate", Err: err}
	}

	answerBlocked := p.screen(ctx, identity, answer, incident.ContextAnswer)
	if answerBlocked {
		answer = SafeResponse
	}

	confidence := models.ConfidenceFor(len(ds.Sources))
	p.audit.LogDataAccess(ctx, audit.DataAccess{
		Identity:     identity,
		Request:      RequestMetaFrom(ctx),
		Action:       "query",
		Purpose:      askPurpose,
		StudentIDs:   nonEmpty(studentID),
		ClassroomIDs: nonEmpty(classroomID),
		DataSources:  sourceNames(ds.Sources),
		Metadata: models.JSONMap{
			"confidence":         string(confidence),
			"response_length":    len(answer),
			"data_sources_count": len(ds.Sources),
			"grade_level":        grade,
			"answer_blocked":     answerBlocked,
		},
	})

	return &models.AskResponse{
		Answer:      answer,
		DataSources: ds.Sources,
		Confidence:  confidence,
	}, nil
}

// Chat runs one turn of the SEL chat. It has no student scope, so there is no
// authorization stage beyond authentication.
func (p *Pipeline) Chat(ctx context.Context, credential string, req models.ChatRequest) (resp *models.ChatResponse, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.chat")
	defer span.End()
	defer func() {
		var ask *models.AskResponse
		if resp != nil {
			ask = &models.AskResponse{Answer: resp.Response}
		}
		p.finish(span, "chat", ask, err)
	}()

	message, err := p.sanitizer.Sanitize(req.Message, FieldQuestion)
	if err != nil {
		return nil, err
	}
	if len(req.History) > maxChatHistory {
		return nil, &InputSecurityError{Field: "history", Reason: "too many turns"}
	}
	history := make([]models.ChatTurn, 0, len(req.History))
	for _, turn := range req.History {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		switch role {
		case "user":
			text, err := p.sanitizer.Sanitize(turn.Text, FieldQuestion)
			if err != nil {
				return nil, err
			}
			history = append(history, models.ChatTurn{Role: role, Text: text})
		case "model", "assistant":
			history = append(history, models.ChatTurn{Role: role, Text: turn.Text})
		default:
			return nil, &InputSecurityError{Field: "history", Reason: "unknown role"}
		}
	}

	identity, err := p.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	if p.screen(ctx, identity, message, incident.ContextChat) {
		return &models.ChatResponse{Response: SafeResponse}, nil
	}

	conversation, err := BuildConversation(message, req.Scores, history)
	if err != nil {
		return nil, &InputSecurityError{Field: "scores", Reason: "not serialisable"}
	}
	reply, err := p.generator.Converse(ctx, conversation)
	if err != nil {
		return nil, &UpstreamError{Stage: "generate", Err: err}
	}
	if p.screen(ctx, identity, reply, incident.ContextAnswer) {
		reply = SafeResponse
	}

	p.audit.LogDataAccess(ctx, audit.DataAccess{
		Identity:    identity,
		Request:     RequestMetaFrom(ctx),
		Action:      "chat",
		Purpose:     chatPurpose,
		DataSources: []string{"SEL_SCORES"},
		Metadata: models.JSONMap{
			"response_length": len(reply),
			"history_length":  len(history),
			"has_scores":      len(req.Scores) > 0,
		},
	})
	return &models.ChatResponse{Response: reply}, nil
}

// BuildConversation lays out the chat prompt: instruction, scores, prior
// turns as "Role: text", then the new message.
func BuildConversation(message string, scores models.JSONMap, history []models.ChatTurn) ([]string, error) {
	conv := make([]string, 0, len(history)+3)
	conv = append(conv, ChatInstruction)
	if len(scores) > 0 {
		b, err := json.Marshal(scores)
		if err != nil {
			return nil, fmt.Errorf("marshal scores: %w", err)
		}
		conv = append(conv, "School-level SEL scores: "+string(b))
	}
	for _, t := range history {
		role := t.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		conv = append(conv, role+": "+t.Text)
	}
	return append(conv, "User: "+message), nil
}

// screen runs the harm detector over text. Harmful results are audited; a
// blocking result also raises a critical alert. It reports whether the
// content must be replaced.
func (p *Pipeline) screen(ctx context.Context, identity models.Identity, text, contextTag string) bool {
	ctx, span := tracer.Start(ctx, "detect_harm")
	defer span.End()
	span.SetAttributes(attribute.String("harm.context", contextTag))

	result := p.detector.Detect(text, contextTag)
	if !result.IsHarmful {
		return false
	}
	blocked := incident.ShouldBlock(result)
	span.SetAttributes(
		attribute.String("harm.severity", result.Severity.String()),
		attribute.Bool("harm.blocked", blocked),
	)
	p.metrics.HarmDetected(contextTag, result.Severity.String())

	meta := RequestMetaFrom(ctx)
	p.audit.LogHarmfulContent(ctx, audit.HarmfulContent{
		Identity: identity,
		Request:  meta,
		Result:   result,
		Content:  text,
		Blocked:  blocked,
	})
	if !blocked {
		logger.Warnw("Harmful content below blocking threshold",
			"context", contextTag,
			"severity", result.Severity.String(),
			"user_id", identity.UserID,
		)
		return false
	}
	if p.alerts != nil {
		p.alerts.RaiseCritical(ctx, incident.HarmAlert{
			Identity:  identity,
			RequestID: meta.RequestID,
			Result:    result,
		})
	}
	return true
}

// finish records the request outcome on the span and in metrics.
func (p *Pipeline) finish(span trace.Span, endpoint string, resp *models.AskResponse, err error) {
	outcome := "answered"
	var (
		in       *InputSecurityError
		auth     *AuthenticationError
		denied   *AccessDeniedError
		upstream *UpstreamError
	)
	switch {
	case errors.As(err, &in):
		outcome = "invalid_input"
	case errors.As(err, &auth):
		outcome = "unauthenticated"
	case errors.As(err, &denied):
		outcome = "denied"
	case errors.As(err, &upstream):
		outcome = "upstream_error"
		logger.Errorw("Request failed upstream", "endpoint", endpoint, "stage", upstream.Stage, "error", upstream.Err)
	case err != nil:
		outcome = "error"
	case resp != nil && resp.Answer == SafeResponse:
		outcome = "blocked"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	p.metrics.Outcome(endpoint, outcome)
}

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func sourceNames(sources []models.DataSource) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
