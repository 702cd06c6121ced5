package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// ActionExecutor performs one playbook step for an incident.
type ActionExecutor interface {
	Execute(ctx context.Context, step PlaybookStep, incident *Incident) error
}

// ActionFunc adapts a function to ActionExecutor.
type ActionFunc func(ctx context.Context, step PlaybookStep, incident *Incident) error

func (f ActionFunc) Execute(ctx context.Context, step PlaybookStep, incident *Incident) error {
	return f(ctx, step, incident)
}

// EvidenceRecorder is satisfied by *audit.Logger.
type EvidenceRecorder interface {
	LogSecurityEvent(ctx context.Context, rec audit.SecurityEvent)
}

// ResponseEngine runs the first matching playbook for each recorded incident.
// Steps run synchronously and in dependency order.
type ResponseEngine struct {
	registry  *PlaybookRegistry
	executors map[StepAction]ActionExecutor
	now       func() time.Time

	mu           sync.Mutex
	history      []PlaybookExecution
	historyLimit int
}

func NewResponseEngine(registry *PlaybookRegistry, executors map[StepAction]ActionExecutor) *ResponseEngine {
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	return &ResponseEngine{
		registry:     registry,
		executors:    executors,
		now:          time.Now,
		historyLimit: 200,
	}
}

// DefaultExecutors wires the built-in actions. recorder may be nil, in which
// case evidence steps fail and dependent steps are skipped.
func DefaultExecutors(reviews *ReviewQueue, recorder EvidenceRecorder) map[StepAction]ActionExecutor {
	return map[StepAction]ActionExecutor{
		ActionNotifySafetyTeam: ActionFunc(notifySafetyTeam),
		ActionPreserveEvidence: ActionFunc(func(ctx context.Context, _ PlaybookStep, inc *Incident) error {
			if recorder == nil {
				return errors.New("no audit recorder")
			}
			recorder.LogSecurityEvent(ctx, evidenceEvent(inc))
			return nil
		}),
		ActionFlagForReview: ActionFunc(func(ctx context.Context, _ PlaybookStep, inc *Incident) error {
			return reviews.Flag(ctx, inc)
		}),
	}
}

// Respond executes the first matching playbook. It returns nil when no
// playbook applies.
func (re *ResponseEngine) Respond(ctx context.Context, incident *Incident) *PlaybookExecution {
	playbooks := re.registry.FindMatchingPlaybooks(incident)
	if len(playbooks) == 0 {
		return nil
	}
	playbook := playbooks[0]
	ctx = context.WithoutCancel(ctx)

	execution := PlaybookExecution{
		ID:         uuid.New(),
		PlaybookID: playbook.ID,
		IncidentID: incident.ID,
		StartedAt:  re.now().UTC(),
		Steps:      make([]StepExecution, 0, len(playbook.Steps)),
	}

	status := make(map[string]StepExecutionStatus, len(playbook.Steps))
	for _, step := range playbook.Steps {
		if !dependenciesMet(step, status) {
			status[step.ID] = StepSkipped
			execution.Steps = append(execution.Steps, StepExecution{StepID: step.ID, Action: step.Action, Status: StepSkipped})
			continue
		}

		res := re.executeStep(ctx, step, incident)
		status[step.ID] = res.Status
		execution.Steps = append(execution.Steps, res)
		if res.Status == StepFailed && !step.ContinueOnError {
			execution.Error = fmt.Sprintf("step %s failed: %s", step.ID, res.Error)
			break
		}
	}

	execution.Status = ExecutionCompleted
	for _, s := range execution.Steps {
		if s.Status != StepCompleted {
			execution.Status = ExecutionFailed
		}
	}
	execution.CompletedAt = re.now().UTC()

	if execution.Status == ExecutionFailed {
		logger.Errorw("playbook execution failed",
			"execution_id", execution.ID.String(),
			"playbook_id", playbook.ID,
			"incident_id", incident.ID.String(),
			"error", execution.Error,
		)
	} else {
		logger.Infow("playbook executed",
			"execution_id", execution.ID.String(),
			"playbook_id", playbook.ID,
			"incident_id", incident.ID.String(),
		)
	}

	re.mu.Lock()
	re.history = append(re.history, execution)
	if over := len(re.history) - re.historyLimit; over > 0 {
		re.history = append([]PlaybookExecution(nil), re.history[over:]...)
	}
	re.mu.Unlock()
	return &execution
}

func (re *ResponseEngine) executeStep(ctx context.Context, step PlaybookStep, incident *Incident) StepExecution {
	res := StepExecution{StepID: step.ID, Action: step.Action, Status: StepPending}
	start := re.now()

	executor, ok := re.executors[step.Action]
	var err error
	if !ok {
		err = fmt.Errorf("no executor for action %s", step.Action)
	} else {
		err = executor.Execute(ctx, step, incident)
	}

	res.Duration = re.now().Sub(start)
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StepCompleted
	return res
}

// Executions returns up to limit executions, newest first.
func (re *ResponseEngine) Executions(limit int) []PlaybookExecution {
	re.mu.Lock()
	defer re.mu.Unlock()
	if limit <= 0 || limit > len(re.history) {
		limit = len(re.history)
	}
	out := make([]PlaybookExecution, 0, limit)
	for i := len(re.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, re.history[i])
	}
	return out
}

func notifySafetyTeam(_ context.Context, _ PlaybookStep, inc *Incident) error {
	logger.Critical("Safety team notification",
		"incident_id", inc.ID.String(),
		"category", string(inc.Category),
		"detected_severity", inc.Severity.String(),
		"priority", inc.Priority,
		"user_id", inc.UserID,
		"school_id", inc.SchoolID,
		"request_id", inc.RequestID,
	)
	return nil
}

func evidenceEvent(inc *Incident) audit.SecurityEvent {
	types := make([]string, 0, len(inc.HarmTypes))
	for _, t := range inc.HarmTypes {
		types = append(types, string(t))
	}
	phrases := make([]string, 0, len(inc.Matches))
	for _, m := range inc.Matches {
		phrases = append(phrases, m.Phrase)
	}
	return audit.SecurityEvent{
		Identity:    models.Identity{UserID: inc.UserID, SchoolID: inc.SchoolID},
		Request:     models.RequestMeta{RequestID: inc.RequestID},
		EventType:   models.EventSecurity,
		Severity:    inc.Severity,
		Description: "Incident evidence preserved",
		Metadata: models.JSONMap{
			"incident_id":     inc.ID.String(),
			"category":        string(inc.Category),
			"context":         inc.Context,
			"harm_types":      types,
			"matched_phrases": phrases,
		},
	}
}

// ReviewEntry marks a user for manual review by the safety team.
type ReviewEntry struct {
	UserID     string           `json:"user_id"`
	SchoolID   string           `json:"school_id,omitempty"`
	IncidentID string           `json:"incident_id"`
	Category   IncidentCategory `json:"category"`
	FlaggedAt  time.Time        `json:"flagged_at"`
}

// ReviewQueue stores review flags in Redis when available, otherwise in
// process memory. A later flag for the same user replaces the earlier one.
type ReviewQueue struct {
	redis *client.RedisClient
	ttl   time.Duration

	mu     sync.Mutex
	memory map[string]ReviewEntry
}

func NewReviewQueue(redis *client.RedisClient, ttl time.Duration) *ReviewQueue {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &ReviewQueue{redis: redis, ttl: ttl, memory: make(map[string]ReviewEntry)}
}

func reviewKey(userID string) string { return "review:" + userID }

// Flag records inc's user. Incidents without a user cannot be flagged.
func (q *ReviewQueue) Flag(ctx context.Context, inc *Incident) error {
	if inc.UserID == "" {
		return errors.New("incident has no user")
	}
	entry := ReviewEntry{
		UserID:     inc.UserID,
		SchoolID:   inc.SchoolID,
		IncidentID: inc.ID.String(),
		Category:   inc.Category,
		FlaggedAt:  inc.DetectedAt,
	}
	if q.redis != nil {
		err := q.redis.SetJSON(ctx, reviewKey(inc.UserID), entry, q.ttl)
		if err == nil {
			return nil
		}
		logger.Warnw("review flag falling back to memory", "error", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.memory[inc.UserID] = entry
	return nil
}

// Lookup returns the review flag for userID, if any.
func (q *ReviewQueue) Lookup(ctx context.Context, userID string) (ReviewEntry, bool) {
	if q.redis != nil {
		var entry ReviewEntry
		err := q.redis.GetJSON(ctx, reviewKey(userID), &entry)
		if err == nil {
			return entry, true
		}
		if !errors.Is(err, redis.Nil) {
			logger.Warnw("review lookup failed", "error", err)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.memory[userID]
	return entry, ok
}
