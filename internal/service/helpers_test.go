package service

import (
	"context"
	"sync"

	"github.com/tilli/master-agent/compliance/audit"
	"github.com/tilli/master-agent/compliance/incident"
	"github.com/tilli/master-agent/internal/models"
)

type recordingAudit struct {
	mu       sync.Mutex
	access   []audit.DataAccess
	harmful  []audit.HarmfulContent
	security []audit.SecurityEvent
}

func (r *recordingAudit) LogDataAccess(_ context.Context, rec audit.DataAccess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = append(r.access, rec)
}

func (r *recordingAudit) LogHarmfulContent(_ context.Context, rec audit.HarmfulContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.harmful = append(r.harmful, rec)
}

func (r *recordingAudit) LogSecurityEvent(_ context.Context, rec audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.security = append(r.security, rec)
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []incident.HarmAlert
}

func (r *recordingAlerts) RaiseCritical(_ context.Context, alert incident.HarmAlert) *incident.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return &incident.Incident{Severity: alert.Result.Severity}
}

var (
	alice = models.Identity{UserID: "educator_alice", Role: models.RoleEducator, SchoolID: "school_1", Authenticated: true}
	bob   = models.Identity{UserID: "educator_bob", Role: models.RoleEducator, SchoolID: "school_1", Authenticated: true}
	admin = models.Identity{UserID: "admin_1", Role: models.RoleAdmin, SchoolID: "school_1", Authenticated: true}
)
