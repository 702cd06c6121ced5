package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

// IncidentStatus represents the current status of an incident
type IncidentStatus string

const StatusOpen IncidentStatus = "open"

// IncidentCategory represents the category of an incident
type IncidentCategory string

const (
	CategoryHarmfulContent   IncidentCategory = "harmful_content"
	CategoryRepeatedHarm     IncidentCategory = "repeated_harmful_content"
	CategoryDataExfiltration IncidentCategory = "data_exfiltration"
)

// Incident is an operator-facing record of a safety or security event.
// It never carries the offending text, only match evidence.
type Incident struct {
	ID          uuid.UUID             `json:"id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Category    IncidentCategory      `json:"category"`
	Severity    models.Severity       `json:"severity"`
	Status      IncidentStatus        `json:"status"`
	Priority    int                   `json:"priority"` // 1-5, 1 being highest
	DetectedAt  time.Time             `json:"detected_at"`
	UserID      string                `json:"user_id,omitempty"`
	SchoolID    string                `json:"school_id,omitempty"`
	RequestID   string                `json:"request_id,omitempty"`
	Context     string                `json:"context,omitempty"`
	HarmTypes   []models.HarmCategory `json:"harm_types,omitempty"`
	Matches     []models.HarmMatch    `json:"matches,omitempty"`
	Metadata    models.JSONMap        `json:"metadata,omitempty"`
}

// Publisher is satisfied by telemetry.KafkaAuditShipper.
type Publisher interface {
	Publish(any)
}

// Responder runs automated follow-up for a recorded incident.
type Responder interface {
	Respond(ctx context.Context, incident *Incident) *PlaybookExecution
}

// IncidentConfig holds configuration for incident management
type IncidentConfig struct {
	RepeatWindow    time.Duration `yaml:"repeat_window"`
	RepeatThreshold int           `yaml:"repeat_threshold"`
	RecentLimit     int           `yaml:"recent_limit"`
	StoreTTL        time.Duration `yaml:"store_ttl"`
}

// IncidentStats tracks incident management statistics
type IncidentStats struct {
	TotalIncidents    int64                      `json:"total_incidents"`
	OpenIncidents     int64                      `json:"open_incidents"`
	CriticalIncidents int64                      `json:"critical_incidents"`
	HighIncidents     int64                      `json:"high_incidents"`
	CategoryBreakdown map[IncidentCategory]int64 `json:"category_breakdown"`
	LastIncidentAt    *time.Time                 `json:"last_incident_at,omitempty"`
}

// ThresholdTracker tracks event counts over time windows
type ThresholdTracker struct {
	events     []time.Time
	timeWindow time.Duration
	threshold  int
}

// IncidentManager raises operator alerts for harmful content and keeps a
// bounded in-memory view of recent incidents.
type IncidentManager struct {
	config    IncidentConfig
	redis     *client.RedisClient
	publisher Publisher
	metrics   *telemetry.Metrics
	responder Responder

	mu         sync.Mutex
	recent     []*Incident
	thresholds map[string]*ThresholdTracker

	stats   IncidentStats
	statsMu sync.RWMutex

	now func() time.Time
}

// NewIncidentManager creates a new incident manager. redis, publisher and
// metrics are optional.
func NewIncidentManager(config IncidentConfig, redis *client.RedisClient, publisher Publisher, metrics *telemetry.Metrics) *IncidentManager {
	if config.RepeatWindow <= 0 {
		config.RepeatWindow = time.Hour
	}
	if config.RepeatThreshold <= 0 {
		config.RepeatThreshold = 3
	}
	if config.RecentLimit <= 0 {
		config.RecentLimit = 200
	}
	if config.StoreTTL <= 0 {
		config.StoreTTL = 30 * 24 * time.Hour
	}
	return &IncidentManager{
		config:     config,
		redis:      redis,
		publisher:  publisher,
		metrics:    metrics,
		thresholds: make(map[string]*ThresholdTracker),
		stats:      IncidentStats{CategoryBreakdown: make(map[IncidentCategory]int64)},
		now:        time.Now,
	}
}

// HarmAlert is the detail a caller hands over when content is blocked.
type HarmAlert struct {
	Identity  models.Identity
	RequestID string
	Result    models.HarmDetectionResult
}

// RaiseCritical logs a critical alert with full detection detail, records an
// incident and publishes it. A user who keeps tripping the detector within
// the repeat window gets an additional escalation incident.
func (im *IncidentManager) RaiseCritical(ctx context.Context, alert HarmAlert) *Incident {
	category := CategoryHarmfulContent
	for _, t := range alert.Result.HarmTypes {
		if t == models.HarmDataExfiltration {
			category = CategoryDataExfiltration
		}
	}

	inc := &Incident{
		Title:       fmt.Sprintf("Harmful content blocked in %s", alert.Result.Context),
		Description: "Content matched harm patterns at or above the blocking threshold",
		Category:    category,
		Severity:    alert.Result.Severity,
		UserID:      alert.Identity.UserID,
		SchoolID:    alert.Identity.SchoolID,
		RequestID:   alert.RequestID,
		Context:     alert.Result.Context,
		HarmTypes:   alert.Result.HarmTypes,
		Matches:     alert.Result.Matches,
	}

	logger.Critical("Harmful content blocked",
		"category", string(category),
		"detected_severity", alert.Result.Severity.String(),
		"context", alert.Result.Context,
		"user_id", alert.Identity.UserID,
		"school_id", alert.Identity.SchoolID,
		"request_id", alert.RequestID,
		"harm_types", alert.Result.HarmTypes,
		"matches", alert.Result.Matches,
	)
	im.record(ctx, inc)

	if alert.Identity.UserID != "" && im.checkThreshold(alert.Identity.UserID, im.now()) {
		esc := &Incident{
			Title:       "Repeated harmful content from one user",
			Description: fmt.Sprintf("%d or more blocked requests within %s", im.config.RepeatThreshold, im.config.RepeatWindow),
			Category:    CategoryRepeatedHarm,
			Severity:    models.SeverityCritical,
			UserID:      alert.Identity.UserID,
			SchoolID:    alert.Identity.SchoolID,
			RequestID:   alert.RequestID,
			HarmTypes:   alert.Result.HarmTypes,
		}
		logger.Critical("Repeated harmful content", "user_id", alert.Identity.UserID, "window", im.config.RepeatWindow.String())
		im.record(ctx, esc)
	}
	return inc
}

func (im *IncidentManager) record(ctx context.Context, inc *Incident) {
	inc.ID = uuid.New()
	inc.DetectedAt = im.now().UTC()
	inc.Status = StatusOpen
	inc.Priority = calculatePriority(inc.Severity, inc.Category)

	im.mu.Lock()
	im.recent = append(im.recent, inc)
	if over := len(im.recent) - im.config.RecentLimit; over > 0 {
		im.recent = append([]*Incident(nil), im.recent[over:]...)
	}
	im.mu.Unlock()

	im.updateStats(func(s *IncidentStats) {
		s.TotalIncidents++
		s.OpenIncidents++
		s.CategoryBreakdown[inc.Category]++
		switch inc.Severity {
		case models.SeverityCritical:
			s.CriticalIncidents++
		case models.SeverityHigh:
			s.HighIncidents++
		}
		at := inc.DetectedAt
		s.LastIncidentAt = &at
	})
	im.metrics.Alert(string(inc.Category))

	if im.redis != nil {
		key := fmt.Sprintf("incident:%s", inc.ID.String())
		if err := im.redis.SetJSON(context.WithoutCancel(ctx), key, inc, im.config.StoreTTL); err != nil {
			logger.Warn("Failed to store incident %s: %v", inc.ID, err)
		}
	}
	if im.publisher != nil {
		im.publisher.Publish(toAlertEvent(inc))
	}
	if im.responder != nil {
		im.responder.Respond(context.WithoutCancel(ctx), inc)
	}
}

// SetResponder installs the playbook runner. It must be called before the
// manager is shared.
func (im *IncidentManager) SetResponder(r Responder) {
	im.responder = r
}

func toAlertEvent(inc *Incident) telemetry.AlertEvent {
	types := make([]string, 0, len(inc.HarmTypes))
	for _, t := range inc.HarmTypes {
		types = append(types, string(t))
	}
	return telemetry.AlertEvent{
		Timestamp:   inc.DetectedAt,
		IncidentID:  inc.ID.String(),
		Title:       inc.Title,
		Category:    string(inc.Category),
		Severity:    inc.Severity.String(),
		Priority:    inc.Priority,
		UserID:      inc.UserID,
		SchoolID:    inc.SchoolID,
		RequestID:   inc.RequestID,
		Context:     inc.Context,
		HarmTypes:   types,
		MatchCount:  len(inc.Matches),
		Description: inc.Description,
	}
}

// checkThreshold records one event for key and reports whether the count in
// the window has reached the threshold. It fires once per crossing.
func (im *IncidentManager) checkThreshold(key string, eventTime time.Time) bool {
	im.mu.Lock()
	defer im.mu.Unlock()

	tracker, exists := im.thresholds[key]
	if !exists {
		tracker = &ThresholdTracker{
			timeWindow: im.config.RepeatWindow,
			threshold:  im.config.RepeatThreshold,
		}
		im.thresholds[key] = tracker
	}

	tracker.events = append(tracker.events, eventTime)

	cutoff := eventTime.Add(-tracker.timeWindow)
	valid := tracker.events[:0]
	for _, ts := range tracker.events {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	tracker.events = valid

	return len(tracker.events) == tracker.threshold
}

// Recent returns up to limit incidents, newest first.
func (im *IncidentManager) Recent(limit int) []Incident {
	im.mu.Lock()
	defer im.mu.Unlock()
	if limit <= 0 || limit > len(im.recent) {
		limit = len(im.recent)
	}
	out := make([]Incident, 0, limit)
	for i := len(im.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *im.recent[i])
	}
	return out
}

func calculatePriority(severity models.Severity, category IncidentCategory) int {
	basePriority := map[models.Severity]int{
		models.SeverityCritical: 1,
		models.SeverityHigh:     2,
		models.SeverityMedium:   3,
		models.SeverityLow:      4,
		models.SeverityNone:     5,
	}[severity]

	if category == CategoryDataExfiltration || category == CategoryRepeatedHarm {
		basePriority = max(1, basePriority-1)
	}
	return basePriority
}

func (im *IncidentManager) updateStats(update func(*IncidentStats)) {
	im.statsMu.Lock()
	defer im.statsMu.Unlock()
	update(&im.stats)
}

// GetStats returns incident statistics
func (im *IncidentManager) GetStats() IncidentStats {
	im.statsMu.RLock()
	defer im.statsMu.RUnlock()
	out := im.stats
	out.CategoryBreakdown = make(map[IncidentCategory]int64, len(im.stats.CategoryBreakdown))
	for k, v := range im.stats.CategoryBreakdown {
		out.CategoryBreakdown[k] = v
	}
	return out
}
