package models

import "time"

// AuditEventType names the significant actions that are recorded.
type AuditEventType string

const (
	EventDataAccess     AuditEventType = "data_access"
	EventHarmfulContent AuditEventType = "harmful_content"
	EventSecurity       AuditEventType = "security_event"
	EventAccessDenied   AuditEventType = "access_denied"
	EventSelfTest       AuditEventType = "self_test_run"
	EventAuthFailure    AuditEventType = "authentication_failure"
	EventContentBlocked AuditEventType = "content_blocked"
	EventRateLimited    AuditEventType = "rate_limited"
)

// AuditEvent is an append-only compliance record.
type AuditEvent struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Category     string         `json:"category"`
	EventType    AuditEventType `json:"event_type"`
	Severity     Severity       `json:"severity"`
	UserID       string         `json:"user_id"`
	UserEmail    string         `json:"user_email,omitempty"`
	SchoolID     string         `json:"school_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Description  string         `json:"description,omitempty"`
	Purpose      string         `json:"purpose,omitempty"`
	StudentIDs   []string       `json:"student_ids,omitempty"`
	ClassroomIDs []string       `json:"classroom_ids,omitempty"`
	DataSources  []string       `json:"data_sources,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Metadata     JSONMap        `json:"metadata,omitempty"`
}

// RequestMeta carries transport details the audit trail needs.
type RequestMeta struct {
	IPAddress string
	RequestID string
	UserAgent string
}
