package audit

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
	"github.com/tilli/master-agent/internal/util/logger"
)

// Categories route events to a destination setting.
const (
	CategoryDataAccess = "data_access"
	CategoryHarmful    = "harmful_content"
	CategorySecurity   = "security"
)

// PreviewRunes bounds the offending-content preview stored with harmful events.
const PreviewRunes = 200

// Config holds audit routing per category.
// Values: "all" (store + zap), "file" (store only), "log" (zap only), "off".
type Config struct {
	DataAccess string
	Harmful    string
	Security   string
}

// Publisher forwards events off-box; telemetry.KafkaAuditShipper satisfies it.
type Publisher interface {
	Publish(any)
}

// Logger records compliance events. Its methods never return errors: a
// failed write is logged and counted, and the request carries on.
type Logger struct {
	store     Store
	zapLog    *zap.Logger
	config    Config
	publisher Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// New creates an audit Logger. store, publisher and metrics may be nil.
func New(store Store, zapLog *zap.Logger, config Config, publisher Publisher, metrics *telemetry.Metrics) *Logger {
	if zapLog == nil {
		zapLog = logger.Zap()
	}
	return &Logger{
		store:     store,
		zapLog:    zapLog,
		config:    config,
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
	}
}

// DataAccess describes a granted read of student data.
type DataAccess struct {
	Identity     models.Identity
	Request      models.RequestMeta
	Action       string
	Purpose      string
	StudentIDs   []string
	ClassroomIDs []string
	DataSources  []string
	Metadata     models.JSONMap
}

// HarmfulContent describes one harm detection, blocked or not.
type HarmfulContent struct {
	Identity models.Identity
	Request  models.RequestMeta
	Result   models.HarmDetectionResult
	Content  string
	Blocked  bool
}

// SecurityEvent describes a denial, auth failure or other security signal.
type SecurityEvent struct {
	Identity    models.Identity
	Request     models.RequestMeta
	EventType   models.AuditEventType
	Severity    models.Severity
	Description string
	Scope       models.AccessScope
	Metadata    models.JSONMap
}

func (l *Logger) LogDataAccess(ctx context.Context, rec DataAccess) {
	if l == nil {
		return
	}
	l.log(ctx, CategoryDataAccess, models.AuditEvent{
		EventType:    models.EventDataAccess,
		Severity:     models.SeverityLow,
		UserID:       rec.Identity.UserID,
		UserEmail:    rec.Identity.Email,
		SchoolID:     rec.Identity.SchoolID,
		Action:       rec.Action,
		Description:  "Student data accessed",
		Purpose:      rec.Purpose,
		StudentIDs:   rec.StudentIDs,
		ClassroomIDs: rec.ClassroomIDs,
		DataSources:  rec.DataSources,
		IPAddress:    rec.Request.IPAddress,
		RequestID:    rec.Request.RequestID,
		Metadata:     rec.Metadata,
	})
}

// LogHarmfulContent stores severity, category count and a bounded preview.
// The full text is never written.
func (l *Logger) LogHarmfulContent(ctx context.Context, rec HarmfulContent) {
	if l == nil {
		return
	}
	types := make([]string, 0, len(rec.Result.HarmTypes))
	for _, t := range rec.Result.HarmTypes {
		types = append(types, string(t))
	}
	l.log(ctx, CategoryHarmful, models.AuditEvent{
		EventType:   models.EventHarmfulContent,
		Severity:    rec.Result.Severity,
		UserID:      rec.Identity.UserID,
		UserEmail:   rec.Identity.Email,
		SchoolID:    rec.Identity.SchoolID,
		Action:      "harm_detection",
		Description: "Harmful content detected in " + rec.Result.Context,
		IPAddress:   rec.Request.IPAddress,
		RequestID:   rec.Request.RequestID,
		Metadata: models.JSONMap{
			"context":         rec.Result.Context,
			"blocked":         rec.Blocked,
			"harm_types":      types,
			"harm_type_count": len(types),
			"match_count":     len(rec.Result.Matches),
			"content_preview": Preview(rec.Content),
			"content_length":  utf8.RuneCountInString(rec.Content),
		},
	})
}

func (l *Logger) LogSecurityEvent(ctx context.Context, rec SecurityEvent) {
	if l == nil {
		return
	}
	ev := models.AuditEvent{
		EventType:   rec.EventType,
		Severity:    rec.Severity,
		UserID:      rec.Identity.UserID,
		UserEmail:   rec.Identity.Email,
		SchoolID:    rec.Identity.SchoolID,
		Action:      string(rec.EventType),
		Description: rec.Description,
		IPAddress:   rec.Request.IPAddress,
		RequestID:   rec.Request.RequestID,
		Metadata:    rec.Metadata,
	}
	if ev.EventType == "" {
		ev.EventType = models.EventSecurity
	}
	if rec.Scope.StudentID != "" {
		ev.StudentIDs = []string{rec.Scope.StudentID}
	}
	if rec.Scope.ClassroomID != "" {
		ev.ClassroomIDs = []string{rec.Scope.ClassroomID}
	}
	l.log(ctx, CategorySecurity, ev)
}

// log stamps and routes one event. The store write is detached from ctx so a
// client disconnect cannot cancel it.
func (l *Logger) log(ctx context.Context, category string, ev models.AuditEvent) {
	setting := l.setting(category)
	if setting == "off" {
		return
	}

	ev.ID = uuid.NewString()
	ev.Timestamp = l.now().UTC()
	ev.Category = category

	if setting == "all" || setting == "log" {
		l.logToZap(ev)
	}
	if (setting == "all" || setting == "file") && l.store != nil {
		err := l.store.Append(context.WithoutCancel(ctx), ev)
		l.metrics.AuditWrite(category, err)
		if err != nil {
			l.zapLog.Error("failed to store audit event",
				zap.Error(err),
				zap.String("event_type", string(ev.EventType)),
				zap.String("event_id", ev.ID),
			)
		}
	}
	if l.publisher != nil {
		l.publisher.Publish(ev)
	}
}

func (l *Logger) setting(category string) string {
	var s string
	switch category {
	case CategoryDataAccess:
		s = l.config.DataAccess
	case CategoryHarmful:
		s = l.config.Harmful
	case CategorySecurity:
		s = l.config.Security
	}
	if s == "" {
		return "all"
	}
	return s
}

func (l *Logger) logToZap(ev models.AuditEvent) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("category", ev.Category),
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("severity", ev.Severity.String()),
		zap.String("user_id", ev.UserID),
	}
	if ev.SchoolID != "" {
		fields = append(fields, zap.String("school_id", ev.SchoolID))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if ev.IPAddress != "" {
		fields = append(fields, zap.String("ip", ev.IPAddress))
	}
	if len(ev.StudentIDs) > 0 {
		fields = append(fields, zap.Strings("student_ids", ev.StudentIDs))
	}
	if len(ev.DataSources) > 0 {
		fields = append(fields, zap.Strings("data_sources", ev.DataSources))
	}

	if ev.Severity >= models.SeverityMedium {
		l.zapLog.Warn("audit event", fields...)
	} else {
		l.zapLog.Info("audit event", fields...)
	}
}

// Preview truncates s to PreviewRunes runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewRunes]) + "..."
}
