package repository

import (
	"context"
	"errors"
	"time"

	"github.com/tilli/master-agent/internal/models"
)

// ErrNotFound is returned when a student or educator has no edge in the graph.
var ErrNotFound = errors.New("not found")

// MembershipRepository is the query surface of the educator/student/classroom
// graph. The authorizer only reads from it; the write methods exist for
// seeding and administration.
type MembershipRepository interface {
	ClassroomsOfEducator(ctx context.Context, educatorID string) ([]string, error)
	ClassroomsOfStudent(ctx context.Context, studentID string) ([]string, error)
	SchoolOfStudent(ctx context.Context, studentID string) (string, error)
	SchoolOfEducator(ctx context.Context, educatorID string) (string, error)

	AddEducatorClassroom(ctx context.Context, edge models.EducatorClassroom) error
	AddStudentClassroom(ctx context.Context, edge models.StudentClassroom) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

// CacheRepository handles caching operations
type CacheRepository interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Delete(ctx context.Context, key string)
}
