package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tilli/master-agent/internal/models"
)

// MemoryMembershipRepository keeps the graph in process. It backs tests and
// runs without a database.
type MemoryMembershipRepository struct {
	mu        sync.RWMutex
	educators map[string]map[string]string // educator -> classroom -> school
	students  map[string]map[string]string // student -> classroom -> school
}

func NewMemoryMembershipRepository() *MemoryMembershipRepository {
	return &MemoryMembershipRepository{
		educators: make(map[string]map[string]string),
		students:  make(map[string]map[string]string),
	}
}

func (r *MemoryMembershipRepository) EnsureSchema(context.Context) error { return nil }

func (r *MemoryMembershipRepository) Ping(context.Context) error { return nil }

func (r *MemoryMembershipRepository) ClassroomsOfEducator(_ context.Context, educatorID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.educators[educatorID]), nil
}

func (r *MemoryMembershipRepository) ClassroomsOfStudent(_ context.Context, studentID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.students[studentID]), nil
}

func (r *MemoryMembershipRepository) SchoolOfStudent(_ context.Context, studentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return firstSchool(r.students[studentID])
}

func (r *MemoryMembershipRepository) SchoolOfEducator(_ context.Context, educatorID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return firstSchool(r.educators[educatorID])
}

func (r *MemoryMembershipRepository) AddEducatorClassroom(_ context.Context, edge models.EducatorClassroom) error {
	if edge.EducatorID == "" || edge.ClassroomID == "" || edge.SchoolID == "" {
		return fmt.Errorf("educator edge requires educator, classroom and school")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.educators[edge.EducatorID] == nil {
		r.educators[edge.EducatorID] = make(map[string]string)
	}
	r.educators[edge.EducatorID][edge.ClassroomID] = edge.SchoolID
	return nil
}

func (r *MemoryMembershipRepository) AddStudentClassroom(_ context.Context, edge models.StudentClassroom) error {
	if edge.StudentID == "" || edge.ClassroomID == "" || edge.SchoolID == "" {
		return fmt.Errorf("student edge requires student, classroom and school")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.students[edge.StudentID] == nil {
		r.students[edge.StudentID] = make(map[string]string)
	}
	r.students[edge.StudentID][edge.ClassroomID] = edge.SchoolID
	return nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// firstSchool picks the school of the lowest classroom ID so the answer is
// stable when an edge set spans schools.
func firstSchool(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", ErrNotFound
	}
	return m[sortedKeys(m)[0]], nil
}
