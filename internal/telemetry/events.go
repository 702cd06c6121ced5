package telemetry

import "time"

// AlertEvent is the wire shape of an operator alert on the alerts topic.
type AlertEvent struct {
	Timestamp   time.Time      `json:"@timestamp"`
	IncidentID  string         `json:"incident_id"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Priority    int            `json:"priority"`
	UserID      string         `json:"user_id,omitempty"`
	SchoolID    string         `json:"school_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Context     string         `json:"context,omitempty"`
	HarmTypes   []string       `json:"harm_types,omitempty"`
	MatchCount  int            `json:"match_count"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
