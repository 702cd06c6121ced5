package repository

import (
	"context"
	"fmt"

	"github.com/tilli/master-agent/internal/models"
)

type sampleClassroom struct {
	educator  string
	classroom string
	school    string
	firstID   int
}

var sampleClassrooms = []sampleClassroom{
	{educator: "educator_alice", classroom: "classroom_1a", school: "school_1", firstID: 1},
	{educator: "educator_bob", classroom: "classroom_1b", school: "school_1", firstID: 6},
	{educator: "educator_carol", classroom: "classroom_2a", school: "school_2", firstID: 11},
	{educator: "educator_dave", classroom: "classroom_2b", school: "school_2", firstID: 16},
}

const studentsPerClassroom = 5

// SeedSample loads the demonstration graph: two schools, two classrooms
// each, one educator and five students per classroom. It is idempotent.
func SeedSample(ctx context.Context, repo MembershipRepository) error {
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, c := range sampleClassrooms {
		if err := repo.AddEducatorClassroom(ctx, models.EducatorClassroom{
			EducatorID:  c.educator,
			ClassroomID: c.classroom,
			SchoolID:    c.school,
			Role:        "teacher",
		}); err != nil {
			return err
		}
		for i := 0; i < studentsPerClassroom; i++ {
			if err := repo.AddStudentClassroom(ctx, models.StudentClassroom{
				StudentID:   fmt.Sprintf("student_%03d", c.firstID+i),
				ClassroomID: c.classroom,
				SchoolID:    c.school,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
