package models

import (
	"strings"
	"time"
)

// JSONMap is a simple type for JSON data
type JSONMap map[string]interface{}

// Role is the closed set of caller roles. Anything that is not admin or
// educator parses to RoleUnknown and is denied by the authorizer.
type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleEducator
)

// ParseRole maps a token claim to a Role. Matching is case-insensitive.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "educator":
		return RoleEducator
	default:
		return RoleUnknown
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEducator:
		return "educator"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	*r = ParseRole(string(b))
	return nil
}

// Provider records which verifier produced an identity.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderExternal Provider = "external"
)

// Identity is the authenticated caller for one request. It is never persisted.
type Identity struct {
	UserID        string   `json:"user_id"`
	Email         string   `json:"email,omitempty"`
	Role          Role     `json:"role"`
	SchoolID      string   `json:"school_id,omitempty"`
	Authenticated bool     `json:"authenticated"`
	Provider      Provider `json:"provider"`
}

// AccessScope lists the data a request claims to need.
type AccessScope struct {
	StudentID   string `json:"student_id,omitempty"`
	ClassroomID string `json:"classroom_id,omitempty"`
	GradeLevel  string `json:"grade_level,omitempty"`
	SchoolName  string `json:"school_name,omitempty"`
}

// Empty reports whether no student, classroom or school was requested.
func (s AccessScope) Empty() bool {
	return s.StudentID == "" && s.ClassroomID == "" && s.SchoolName == ""
}

// EducatorClassroom is one educator edge of the membership graph.
type EducatorClassroom struct {
	EducatorID  string `db:"educator_id" json:"educator_id"`
	ClassroomID string `db:"classroom_id" json:"classroom_id"`
	SchoolID    string `db:"school_id" json:"school_id"`
	Role        string `db:"role" json:"role"`
}

// StudentClassroom is one student edge of the membership graph.
type StudentClassroom struct {
	StudentID      string    `db:"student_id" json:"student_id"`
	ClassroomID    string    `db:"classroom_id" json:"classroom_id"`
	SchoolID       string    `db:"school_id" json:"school_id"`
	EnrollmentDate time.Time `db:"enrollment_date" json:"enrollment_date"`
}
