package incident

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// StepAction names what a playbook step does. Each action has one executor.
type StepAction string

const (
	ActionNotifySafetyTeam StepAction = "notify_safety_team"
	ActionPreserveEvidence StepAction = "preserve_evidence"
	ActionFlagForReview    StepAction = "flag_for_review"
)

// Playbook is an automated response to incidents of one category.
type Playbook struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Category    IncidentCategory `json:"category"`
	MinSeverity models.Severity  `json:"min_severity"`
	Steps       []PlaybookStep   `json:"steps"`
	Enabled     bool             `json:"enabled"`
	Metadata    models.JSONMap   `json:"metadata,omitempty"`
}

// PlaybookStep represents a single step in a playbook
type PlaybookStep struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Action          StepAction `json:"action"`
	DependsOn       []string   `json:"depends_on"` // Step IDs that must complete first
	ContinueOnError bool       `json:"continue_on_error"`
}

// PlaybookExecution tracks the execution of a playbook
type PlaybookExecution struct {
	ID          uuid.UUID               `json:"id"`
	PlaybookID  string                  `json:"playbook_id"`
	IncidentID  uuid.UUID               `json:"incident_id"`
	Status      PlaybookExecutionStatus `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Steps       []StepExecution         `json:"steps"`
	Error       string                  `json:"error,omitempty"`
}

// PlaybookExecutionStatus represents the status of playbook execution
type PlaybookExecutionStatus string

const (
	ExecutionCompleted PlaybookExecutionStatus = "completed"
	ExecutionFailed    PlaybookExecutionStatus = "failed"
)

// StepExecution tracks the execution of a single playbook step
type StepExecution struct {
	StepID   string              `json:"step_id"`
	Action   StepAction          `json:"action"`
	Status   StepExecutionStatus `json:"status"`
	Duration time.Duration       `json:"duration"`
	Error    string              `json:"error,omitempty"`
}

// StepExecutionStatus represents the status of step execution
type StepExecutionStatus string

const (
	StepPending   StepExecutionStatus = "pending"
	StepCompleted StepExecutionStatus = "completed"
	StepFailed    StepExecutionStatus = "failed"
	StepSkipped   StepExecutionStatus = "skipped"
)

// PlaybookRegistry holds playbooks in registration order, grouped by category.
type PlaybookRegistry struct {
	byCategory map[IncidentCategory][]*Playbook
	ids        map[string]bool
}

func NewPlaybookRegistry() *PlaybookRegistry {
	return &PlaybookRegistry{
		byCategory: make(map[IncidentCategory][]*Playbook),
		ids:        make(map[string]bool),
	}
}

// RegisterPlaybook validates and adds a playbook. IDs are unique and every
// dependency must name an earlier step of the same playbook.
func (pr *PlaybookRegistry) RegisterPlaybook(playbook *Playbook) error {
	if playbook.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if pr.ids[playbook.ID] {
		return fmt.Errorf("playbook %s already registered", playbook.ID)
	}
	if len(playbook.Steps) == 0 {
		return fmt.Errorf("playbook %s has no steps", playbook.ID)
	}
	seen := make(map[string]bool, len(playbook.Steps))
	for _, step := range playbook.Steps {
		if seen[step.ID] {
			return fmt.Errorf("playbook %s: duplicate step %s", playbook.ID, step.ID)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("playbook %s: step %s depends on unknown or later step %s", playbook.ID, step.ID, dep)
			}
		}
		seen[step.ID] = true
	}

	pr.ids[playbook.ID] = true
	pr.byCategory[playbook.Category] = append(pr.byCategory[playbook.Category], playbook)
	logger.Infow("playbook registered", "playbook_id", playbook.ID, "category", playbook.Category)
	return nil
}

// FindMatchingPlaybooks returns the enabled playbooks for the incident's
// category whose minimum severity the incident meets.
func (pr *PlaybookRegistry) FindMatchingPlaybooks(incident *Incident) []*Playbook {
	var matching []*Playbook
	for _, p := range pr.byCategory[incident.Category] {
		if p.Enabled && incident.Severity >= p.MinSeverity {
			matching = append(matching, p)
		}
	}
	return matching
}

// DefaultPlaybooks returns the built-in responses for blocked content.
func DefaultPlaybooks() []*Playbook {
	notify := PlaybookStep{ID: "notify", Name: "Notify safety team", Action: ActionNotifySafetyTeam}
	evidence := PlaybookStep{ID: "evidence", Name: "Preserve evidence", Action: ActionPreserveEvidence}
	review := PlaybookStep{ID: "review", Name: "Flag user for review", Action: ActionFlagForReview, DependsOn: []string{"evidence"}, ContinueOnError: true}

	return []*Playbook{
		{
			ID:          "harmful-content-critical",
			Name:        "Critical harmful content",
			Category:    CategoryHarmfulContent,
			MinSeverity: models.SeverityCritical,
			Steps:       []PlaybookStep{notify, evidence, review},
			Enabled:     true,
		},
		{
			ID:          "harmful-content-high",
			Name:        "Blocked harmful content",
			Category:    CategoryHarmfulContent,
			MinSeverity: models.SeverityHigh,
			Steps:       []PlaybookStep{evidence},
			Enabled:     true,
		},
		{
			ID:          "data-exfiltration",
			Name:        "Bulk student data request",
			Category:    CategoryDataExfiltration,
			MinSeverity: models.SeverityHigh,
			Steps:       []PlaybookStep{notify, evidence, review},
			Enabled:     true,
		},
		{
			ID:          "repeated-harm",
			Name:        "Repeated harmful content",
			Category:    CategoryRepeatedHarm,
			MinSeverity: models.SeverityHigh,
			Steps:       []PlaybookStep{notify, evidence, review},
			Enabled:     true,
		},
	}
}

// NewDefaultRegistry registers DefaultPlaybooks.
func NewDefaultRegistry() *PlaybookRegistry {
	pr := NewPlaybookRegistry()
	for _, p := range DefaultPlaybooks() {
		if err := pr.RegisterPlaybook(p); err != nil {
			// built-in playbooks are static; a failure here is a programming error
			panic(err)
		}
	}
	return pr
}

func dependenciesMet(step PlaybookStep, status map[string]StepExecutionStatus) bool {
	return !slices.ContainsFunc(step.DependsOn, func(dep string) bool {
		return status[dep] != StepCompleted
	})
}
