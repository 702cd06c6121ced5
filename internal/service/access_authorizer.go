package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/repository"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

// Internal denial reasons. They are written to the audit trail and the
// metrics label, never to the caller.
const (
	denySchoolMismatch    = "school_mismatch"
	denyNoSchool          = "identity_without_school"
	denyCrossSchool       = "cross_school_student"
	denyUnknownStudent    = "unknown_student"
	denyNoSharedClassroom = "no_shared_classroom"
	denyClassroomNotOwned = "classroom_not_taught"
	denyUnknownRole       = "unknown_role"
)

var denialDescriptions = map[string]string{
	denySchoolMismatch:    "Requested school does not match the caller's school",
	denyNoSchool:          "Caller has no school affiliation but named a school",
	denyCrossSchool:       "Student belongs to a different school",
	denyUnknownStudent:    "Student is not in the membership graph",
	denyNoSharedClassroom: "Educator has no classroom in common with the student",
	denyClassroomNotOwned: "Educator does not teach the classroom",
	denyUnknownRole:       "Role is not permitted to read student data",
}

type accessAuthorizer struct {
	enabled bool
	members repository.MembershipRepository
	audit   AuditRecorder
	metrics *telemetry.Metrics
}

// NewAccessAuthorizer builds the authorizer. With enabled false every request
// is allowed; that switch exists for local development only.
func NewAccessAuthorizer(enabled bool, members repository.MembershipRepository, recorder AuditRecorder, metrics *telemetry.Metrics) AccessAuthorizer {
	if !enabled {
		logger.Warn("Data access control is disabled; all scopes are allowed")
	}
	return &accessAuthorizer{
		enabled: enabled,
		members: members,
		audit:   recorder,
		metrics: metrics,
	}
}

// ResolveSchool defaults an unnamed school scope to the caller's own school.
func ResolveSchool(identity models.Identity, scope models.AccessScope) models.AccessScope {
	if scope.SchoolName == "" {
		scope.SchoolName = identity.SchoolID
	}
	return scope
}

// SchoolMatches is a case-insensitive substring test in both directions.
// Short names overlap ("1" is inside "school_10"); see DESIGN.md.
func SchoolMatches(requested, own string) bool {
	r := strings.ToLower(strings.TrimSpace(requested))
	o := strings.ToLower(strings.TrimSpace(own))
	if r == "" || o == "" {
		return false
	}
	return strings.Contains(o, r) || strings.Contains(r, o)
}

func (a *accessAuthorizer) Authorize(ctx context.Context, identity models.Identity, scope models.AccessScope) error {
	if !a.enabled {
		return nil
	}

	ctx, span := tracer.Start(ctx, "authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity.role", identity.Role.String()),
		attribute.Bool("scope.student", scope.StudentID != ""),
		attribute.Bool("scope.classroom", scope.ClassroomID != ""),
		attribute.Bool("scope.school", scope.SchoolName != ""),
	)

	reason, err := a.decide(ctx, identity, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "membership lookup failed")
		return &UpstreamError{Stage: "membership", Err: err}
	}
	if reason == "" {
		return nil
	}

	span.SetStatus(codes.Error, "access denied")
	span.SetAttributes(attribute.String("deny.reason", reason))
	a.deny(ctx, identity, scope, reason)
	return &AccessDeniedError{Reason: reason}
}

// decide returns an empty reason to allow. A non-nil error means the
// membership store could not answer.
func (a *accessAuthorizer) decide(ctx context.Context, identity models.Identity, scope models.AccessScope) (string, error) {
	if scope.SchoolName != "" {
		if identity.SchoolID == "" {
			return denyNoSchool, nil
		}
		if !SchoolMatches(scope.SchoolName, identity.SchoolID) {
			return denySchoolMismatch, nil
		}
	}
	scope = ResolveSchool(identity, scope)

	switch identity.Role {
	case models.RoleAdmin:
		return a.decideAdmin(ctx, identity, scope)
	case models.RoleEducator:
		return a.decideEducator(ctx, identity, scope)
	case models.RoleUnknown:
		return denyUnknownRole, nil
	default:
		// out-of-range Role values cast from an int
		return denyUnknownRole, nil
	}
}

// decideAdmin enforces school isolation only; role is never an override.
func (a *accessAuthorizer) decideAdmin(ctx context.Context, identity models.Identity, scope models.AccessScope) (string, error) {
	if scope.StudentID == "" {
		return "", nil
	}
	school, err := a.members.SchoolOfStudent(ctx, scope.StudentID)
	if errors.Is(err, repository.ErrNotFound) {
		return denyUnknownStudent, nil
	}
	if err != nil {
		return "", fmt.Errorf("school of student: %w", err)
	}
	if identity.SchoolID == "" || !strings.EqualFold(school, identity.SchoolID) {
		return denyCrossSchool, nil
	}
	return "", nil
}

func (a *accessAuthorizer) decideEducator(ctx context.Context, identity models.Identity, scope models.AccessScope) (string, error) {
	if scope.StudentID == "" && scope.ClassroomID == "" {
		return "", nil
	}
	taught, err := a.members.ClassroomsOfEducator(ctx, identity.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("classrooms of educator: %w", err)
	}

	if scope.StudentID != "" {
		enrolled, err := a.members.ClassroomsOfStudent(ctx, scope.StudentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("classrooms of student: %w", err)
		}
		if !intersects(taught, enrolled) {
			return denyNoSharedClassroom, nil
		}
	}
	if scope.ClassroomID != "" && !contains(taught, scope.ClassroomID) {
		return denyClassroomNotOwned, nil
	}
	return "", nil
}

// deny writes the audit event synchronously so it lands before the 403.
func (a *accessAuthorizer) deny(ctx context.Context, identity models.Identity, scope models.AccessScope, reason string) {
	logger.Warnw("Data access denied",
		"user_id", identity.UserID,
		"role", identity.Role.String(),
		"reason", reason,
	)
	a.metrics.AccessDenied(reason)
	if a.audit == nil {
		return
	}
	a.audit.LogSecurityEvent(ctx, audit.SecurityEvent{
		Identity:    identity,
		Request:     RequestMetaFrom(ctx),
		EventType:   models.EventAccessDenied,
		Severity:    models.SeverityMedium,
		Description: denialDescriptions[reason],
		Scope:       scope,
		Metadata: models.JSONMap{
			"reason":      reason,
			"grade_level": scope.GradeLevel,
			"school_name": scope.SchoolName,
		},
	})
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
