package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/repository"
	"github.com/tilli/master-agent/internal/telemetry"
)

func seededAuthorizer(t *testing.T) (AccessAuthorizer, *recordingAudit, *telemetry.Metrics) {
	t.Helper()
	repo := repository.NewMemoryMembershipRepository()
	require.NoError(t, repository.SeedSample(context.Background(), repo))
	rec := &recordingAudit{}
	m := telemetry.NewMetrics()
	return NewAccessAuthorizer(true, repo, rec, m), rec, m
}

func TestAccessAuthorizer_Decisions(t *testing.T) {
	tests := []struct {
		name     string
		identity models.Identity
		scope    models.AccessScope
		reason   string
	}{
		{"educator own student", alice, models.AccessScope{StudentID: "student_001"}, ""},
		{"educator own classroom", alice, models.AccessScope{ClassroomID: "classroom_1a"}, ""},
		{"educator no scope", alice, models.AccessScope{}, ""},
		{"educator other classroom same school", alice, models.AccessScope{StudentID: "student_006"}, denyNoSharedClassroom},
		{"educator other school student", alice, models.AccessScope{StudentID: "student_011"}, denyNoSharedClassroom},
		{"educator untaught classroom", alice, models.AccessScope{ClassroomID: "classroom_1b"}, denyClassroomNotOwned},
		{"educator unknown student", alice, models.AccessScope{StudentID: "student_999"}, denyNoSharedClassroom},
		{"bob owns 006", bob, models.AccessScope{StudentID: "student_006"}, ""},
		{"admin same school", admin, models.AccessScope{StudentID: "student_006"}, ""},
		{"admin other school", admin, models.AccessScope{StudentID: "student_011"}, denyCrossSchool},
		{"admin unknown student", admin, models.AccessScope{StudentID: "student_999"}, denyUnknownStudent},
		{"school fuzzy match", alice, models.AccessScope{SchoolName: "1"}, ""},
		{"school full match", alice, models.AccessScope{SchoolName: "School_1"}, ""},
		{"school mismatch", alice, models.AccessScope{SchoolName: "Lincoln High"}, denySchoolMismatch},
		{"admin school mismatch", admin, models.AccessScope{SchoolName: "2"}, denySchoolMismatch},
		{"no school on identity", models.Identity{UserID: "x", Role: models.RoleEducator}, models.AccessScope{SchoolName: "1"}, denyNoSchool},
		{"unknown role", models.Identity{UserID: "x", Role: models.RoleUnknown, SchoolID: "school_1"}, models.AccessScope{}, denyUnknownRole},
		{"out of range role", models.Identity{UserID: "x", Role: models.Role(42), SchoolID: "school_1"}, models.AccessScope{}, denyUnknownRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authz, rec, _ := seededAuthorizer(t)
			err := authz.Authorize(context.Background(), tt.identity, tt.scope)
			if tt.reason == "" {
				assert.NoError(t, err)
				assert.Empty(t, rec.security)
				return
			}
			var denied *AccessDeniedError
			require.True(t, errors.As(err, &denied), "got %v", err)
			assert.Equal(t, tt.reason, denied.Reason)
		})
	}
}

func TestAccessAuthorizer_DenialIsAuditedBeforeReturn(t *testing.T) {
	authz, rec, m := seededAuthorizer(t)
	ctx := WithRequestMeta(context.Background(), models.RequestMeta{IPAddress: "10.1.1.1", RequestID: "req-9"})

	err := authz.Authorize(ctx, alice, models.AccessScope{StudentID: "student_006", GradeLevel: "Grade 1"})
	require.Error(t, err)

	require.Len(t, rec.security, 1)
	ev := rec.security[0]
	assert.Equal(t, models.EventAccessDenied, ev.EventType)
	assert.Equal(t, models.SeverityMedium, ev.Severity)
	assert.Equal(t, "educator_alice", ev.Identity.UserID)
	assert.Equal(t, "student_006", ev.Scope.StudentID)
	assert.Equal(t, "req-9", ev.Request.RequestID)
	assert.Equal(t, denyNoSharedClassroom, ev.Metadata["reason"])
	assert.Equal(t, "Grade 1", ev.Metadata["grade_level"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccessDenials.WithLabelValues(denyNoSharedClassroom)))
}

func TestAccessAuthorizer_DeniedMessageIsUniform(t *testing.T) {
	authz, _, _ := seededAuthorizer(t)
	a := authz.Authorize(context.Background(), alice, models.AccessScope{StudentID: "student_006"})
	b := authz.Authorize(context.Background(), alice, models.AccessScope{SchoolName: "Lincoln"})
	require.Error(t, a)
	require.Error(t, b)
	assert.False(t, IsClientError(nil))
	assert.True(t, IsClientError(a))
	assert.True(t, IsClientError(b))
}

func TestAccessAuthorizer_Disabled(t *testing.T) {
	rec := &recordingAudit{}
	authz := NewAccessAuthorizer(false, repository.NewMemoryMembershipRepository(), rec, nil)
	err := authz.Authorize(context.Background(), alice, models.AccessScope{StudentID: "student_011", SchoolName: "Lincoln"})
	assert.NoError(t, err)
	assert.Empty(t, rec.security)
}

type brokenMembership struct {
	repository.MembershipRepository
}

func (brokenMembership) ClassroomsOfEducator(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func (brokenMembership) SchoolOfStudent(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestAccessAuthorizer_StoreFailureIsNotADenial(t *testing.T) {
	rec := &recordingAudit{}
	authz := NewAccessAuthorizer(true, brokenMembership{}, rec, nil)

	for _, id := range []models.Identity{alice, admin} {
		err := authz.Authorize(context.Background(), id, models.AccessScope{StudentID: "student_001"})
		var upstream *UpstreamError
		require.True(t, errors.As(err, &upstream), "got %v", err)
		assert.Equal(t, "membership", upstream.Stage)
		assert.False(t, IsClientError(err))
	}
	assert.Empty(t, rec.security)
}

func TestSchoolMatches(t *testing.T) {
	assert.True(t, SchoolMatches("1", "School 1"))
	assert.True(t, SchoolMatches("lincoln high", "Lincoln High School"))
	assert.True(t, SchoolMatches("School 1 District", "school 1"))
	assert.False(t, SchoolMatches("2", "school_1"))
	assert.False(t, SchoolMatches("", "school_1"))
	assert.False(t, SchoolMatches("1", ""))
}
