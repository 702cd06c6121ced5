package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

const membershipSchema = `
CREATE TABLE IF NOT EXISTS educator_classrooms (
	id           SERIAL PRIMARY KEY,
	educator_id  TEXT NOT NULL,
	classroom_id TEXT NOT NULL,
	school_id    TEXT NOT NULL,
	role         TEXT NOT NULL DEFAULT 'teacher',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (educator_id, classroom_id)
);
CREATE TABLE IF NOT EXISTS student_classrooms (
	id              SERIAL PRIMARY KEY,
	student_id      TEXT NOT NULL,
	classroom_id    TEXT NOT NULL,
	school_id       TEXT NOT NULL,
	enrollment_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (student_id, classroom_id)
);
CREATE INDEX IF NOT EXISTS idx_educator_classrooms_educator ON educator_classrooms (educator_id);
CREATE INDEX IF NOT EXISTS idx_student_classrooms_student ON student_classrooms (student_id);
CREATE INDEX IF NOT EXISTS idx_student_classrooms_classroom ON student_classrooms (classroom_id);
`

// PostgresMembershipRepository implements MembershipRepository on any
// Postgres wire-compatible database (Postgres, CockroachDB).
type PostgresMembershipRepository struct {
	db *sql.DB
}

// NewPostgresMembershipRepository returns the MembershipRepository interface
func NewPostgresMembershipRepository(db *sql.DB) MembershipRepository {
	return &PostgresMembershipRepository{db: db}
}

// OpenPostgres opens a pooled connection and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (r *PostgresMembershipRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, membershipSchema); err != nil {
		return fmt.Errorf("failed to create membership schema: %w", err)
	}
	return nil
}

func (r *PostgresMembershipRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresMembershipRepository) ClassroomsOfEducator(ctx context.Context, educatorID string) ([]string, error) {
	query := `SELECT classroom_id FROM educator_classrooms WHERE educator_id = $1 ORDER BY classroom_id`
	return r.queryStrings(ctx, query, educatorID)
}

func (r *PostgresMembershipRepository) ClassroomsOfStudent(ctx context.Context, studentID string) ([]string, error) {
	query := `SELECT classroom_id FROM student_classrooms WHERE student_id = $1 ORDER BY classroom_id`
	return r.queryStrings(ctx, query, studentID)
}

func (r *PostgresMembershipRepository) SchoolOfStudent(ctx context.Context, studentID string) (string, error) {
	query := `SELECT school_id FROM student_classrooms WHERE student_id = $1 ORDER BY enrollment_date DESC LIMIT 1`
	return r.queryOne(ctx, query, studentID)
}

func (r *PostgresMembershipRepository) SchoolOfEducator(ctx context.Context, educatorID string) (string, error) {
	query := `SELECT school_id FROM educator_classrooms WHERE educator_id = $1 ORDER BY created_at LIMIT 1`
	return r.queryOne(ctx, query, educatorID)
}

func (r *PostgresMembershipRepository) AddEducatorClassroom(ctx context.Context, edge models.EducatorClassroom) error {
	role := edge.Role
	if role == "" {
		role = "teacher"
	}
	query := `INSERT INTO educator_classrooms (educator_id, classroom_id, school_id, role)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (educator_id, classroom_id) DO UPDATE SET school_id = EXCLUDED.school_id, role = EXCLUDED.role`
	if _, err := r.db.ExecContext(ctx, query, edge.EducatorID, edge.ClassroomID, edge.SchoolID, role); err != nil {
		return fmt.Errorf("failed to add educator classroom: %w", err)
	}
	return nil
}

func (r *PostgresMembershipRepository) AddStudentClassroom(ctx context.Context, edge models.StudentClassroom) error {
	enrolled := edge.EnrollmentDate
	if enrolled.IsZero() {
		enrolled = time.Now().UTC()
	}
	query := `INSERT INTO student_classrooms (student_id, classroom_id, school_id, enrollment_date)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (student_id, classroom_id) DO UPDATE SET school_id = EXCLUDED.school_id`
	if _, err := r.db.ExecContext(ctx, query, edge.StudentID, edge.ClassroomID, edge.SchoolID, enrolled); err != nil {
		return fmt.Errorf("failed to add student classroom: %w", err)
	}
	return nil
}

func (r *PostgresMembershipRepository) queryStrings(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}
	return out, nil
}

func (r *PostgresMembershipRepository) queryOne(ctx context.Context, query string, arg string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		logger.Warn("membership lookup failed: %v", err)
		return "", fmt.Errorf("failed to query school: %w", err)
	}
	return v, nil
}
