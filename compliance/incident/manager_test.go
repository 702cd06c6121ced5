package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/client"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/telemetry"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []any
}

func (c *capturePublisher) Publish(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v)
}

var carol = models.Identity{UserID: "educator_carol", Role: models.RoleEducator, SchoolID: "school_2"}

func selfHarmResult() models.HarmDetectionResult {
	return models.HarmDetectionResult{
		IsHarmful: true,
		Severity:  models.SeverityCritical,
		HarmTypes: []models.HarmCategory{models.HarmSelfHarm},
		Matches:   []models.HarmMatch{{RuleID: "self_harm", Category: models.HarmSelfHarm, Severity: models.SeverityCritical, Phrase: "kill myself"}},
		Context:   ContextQuestion,
	}
}

func TestIncidentManager_RaiseCritical(t *testing.T) {
	pub := &capturePublisher{}
	m := telemetry.NewMetrics()
	im := NewIncidentManager(IncidentConfig{}, nil, pub, m)

	inc := im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, RequestID: "req-7", Result: selfHarmResult()})
	require.NotNil(t, inc)
	assert.NotEqual(t, [16]byte{}, [16]byte(inc.ID))
	assert.Equal(t, CategoryHarmfulContent, inc.Category)
	assert.Equal(t, StatusOpen, inc.Status)
	assert.Equal(t, 1, inc.Priority)
	assert.Equal(t, "req-7", inc.RequestID)
	assert.Equal(t, "educator_carol", inc.UserID)
	assert.False(t, inc.DetectedAt.IsZero())

	require.Len(t, pub.events, 1)
	alert, ok := pub.events[0].(telemetry.AlertEvent)
	require.True(t, ok)
	assert.Equal(t, inc.ID.String(), alert.IncidentID)
	assert.Equal(t, "critical", alert.Severity)
	assert.Equal(t, []string{"self_harm"}, alert.HarmTypes)
	assert.Equal(t, 1, alert.MatchCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues(string(CategoryHarmfulContent))))
}

func TestIncidentManager_ExfiltrationCategory(t *testing.T) {
	im := NewIncidentManager(IncidentConfig{}, nil, nil, nil)
	inc := im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: models.HarmDetectionResult{
		IsHarmful: true,
		Severity:  models.SeverityHigh,
		HarmTypes: []models.HarmCategory{models.HarmAbuseLanguage, models.HarmDataExfiltration},
		Context:   ContextAnswer,
	}})
	assert.Equal(t, CategoryDataExfiltration, inc.Category)
	// high severity bumped one step for exfiltration
	assert.Equal(t, 1, inc.Priority)
}

func TestIncidentManager_RepeatEscalation(t *testing.T) {
	im := NewIncidentManager(IncidentConfig{RepeatThreshold: 3, RepeatWindow: time.Minute}, nil, nil, nil)
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	im.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: selfHarmResult()})
		now = now.Add(10 * time.Second)
	}
	stats := im.GetStats()
	assert.Equal(t, int64(4), stats.TotalIncidents)
	assert.Equal(t, int64(1), stats.CategoryBreakdown[CategoryRepeatedHarm])
	assert.Equal(t, int64(4), stats.CriticalIncidents)
	require.NotNil(t, stats.LastIncidentAt)

	// fires once per crossing, not on every later event
	im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: selfHarmResult()})
	assert.Equal(t, int64(1), im.GetStats().CategoryBreakdown[CategoryRepeatedHarm])

	// events outside the window do not count
	now = now.Add(5 * time.Minute)
	im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: selfHarmResult()})
	assert.Equal(t, int64(1), im.GetStats().CategoryBreakdown[CategoryRepeatedHarm])

	recent := im.Recent(2)
	require.Len(t, recent, 2)
	assert.True(t, !recent[0].DetectedAt.Before(recent[1].DetectedAt))
}

func TestIncidentManager_RecentIsBounded(t *testing.T) {
	im := NewIncidentManager(IncidentConfig{RecentLimit: 3}, nil, nil, nil)
	for i := 0; i < 5; i++ {
		im.RaiseCritical(context.Background(), HarmAlert{Result: selfHarmResult()})
	}
	assert.Len(t, im.Recent(0), 3)
	assert.Equal(t, int64(5), im.GetStats().TotalIncidents)
}

func TestIncidentManager_StoresInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rc := client.Wrap(rdb, client.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	im := NewIncidentManager(IncidentConfig{StoreTTL: time.Hour}, rc, nil, nil)
	inc := im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: selfHarmResult()})

	var stored Incident
	require.NoError(t, rc.GetJSON(context.Background(), "incident:"+inc.ID.String(), &stored))
	assert.Equal(t, inc.ID, stored.ID)
	assert.Equal(t, models.SeverityCritical, stored.Severity)
	assert.Equal(t, time.Hour, mr.TTL("incident:"+inc.ID.String()))

	// a redis outage never blocks the alert
	mr.Close()
	assert.NotPanics(t, func() {
		im.RaiseCritical(context.Background(), HarmAlert{Identity: carol, Result: selfHarmResult()})
	})
	assert.Equal(t, int64(2), im.GetStats().TotalIncidents)
}
