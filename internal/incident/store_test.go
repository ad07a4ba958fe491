package incident

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestIncident() *Incident {
	return &Incident{
		Type:          TypeContainerDown,
		Severity:      SeverityMedium,
		ServiceName:   "web-1",
		ContainerName: "web-1",
		Title:         "Container web-1 exited",
		TriggerSource: "health_monitor",
		TriggerDetails: map[string]interface{}{
			"exit_code": float64(137),
		},
	}
}

func TestIncidentIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^INC-[0-9]{8}-[0-9A-F]{8}$`)
	for i := 0; i < 20; i++ {
		id := NewIncidentID(time.Now())
		assert.Regexp(t, re, id)
	}
}

func TestInsertAndGetIncident(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := newTestIncident()
	require.NoError(t, s.InsertIncident(ctx, inc))
	require.NotEmpty(t, inc.ID)
	assert.Equal(t, StatusDetected, inc.Status)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.Type, got.Type)
	assert.Equal(t, "web-1", got.ServiceName)
	assert.Equal(t, float64(137), got.TriggerDetails["exit_code"])
	assert.False(t, got.AutoRemediated)
}

func TestStatusTransitionsForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := newTestIncident()
	require.NoError(t, s.InsertIncident(ctx, inc))

	require.NoError(t, s.UpdateIncidentStatus(ctx, inc.ID, StatusAnalyzing, "", nil))
	require.NoError(t, s.UpdateIncidentStatus(ctx, inc.ID, StatusRemediating, "", nil))

	// Backward step is rejected.
	err := s.UpdateIncidentStatus(ctx, inc.ID, StatusDetected, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")

	require.NoError(t, s.UpdateIncidentStatus(ctx, inc.ID, StatusResolved, "restarted", nil))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "restarted", got.PlaybookResult)

	// Terminal state admits no further transitions.
	err = s.UpdateIncidentStatus(ctx, inc.ID, StatusFailed, "", nil)
	require.Error(t, err)
}

func TestQueryIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestIncident()
	require.NoError(t, s.InsertIncident(ctx, a))

	b := newTestIncident()
	b.Type = TypeDiskFull
	b.ServiceName = "nas"
	b.Severity = SeverityCritical
	require.NoError(t, s.InsertIncident(ctx, b))

	all, err := s.QueryIncidents(ctx, IncidentFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	critical, err := s.QueryIncidents(ctx, IncidentFilter{Severity: SeverityCritical}, 10)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, b.ID, critical[0].ID)

	byService, err := s.QueryIncidents(ctx, IncidentFilter{ServiceName: "web-1"}, 10)
	require.NoError(t, err)
	require.Len(t, byService, 1)
	assert.Equal(t, a.ID, byService[0].ID)
}

func TestLearningSuccessIncrementsOnlySuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inc := newTestIncident()

	require.NoError(t, s.RecordLearningSuccess(ctx, inc, "container_restart", 30*time.Second))

	hash := PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	rec, err := s.GetLearningRecord(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 0, rec.FailureCount)
	assert.Equal(t, "container_restart", rec.SuccessfulPlaybook)

	rate, ok := rec.SuccessRate()
	require.True(t, ok)
	assert.Equal(t, 1.0, rate)
}

func TestLearningRollingMean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inc := newTestIncident()

	durations := []time.Duration{10 * time.Second, 20 * time.Second, 60 * time.Second}
	for _, d := range durations {
		require.NoError(t, s.RecordLearningSuccess(ctx, inc, "container_restart", d))
	}

	hash := PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	rec, err := s.GetLearningRecord(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, rec.AvgResolutionSeconds)
	assert.InDelta(t, 30.0, *rec.AvgResolutionSeconds, 0.001)
	assert.Equal(t, 3, rec.SuccessCount)
}

func TestLearningFailureDoesNotTouchSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inc := newTestIncident()

	require.NoError(t, s.RecordLearningSuccess(ctx, inc, "container_restart", 5*time.Second))
	require.NoError(t, s.RecordLearningFailure(ctx, inc))
	require.NoError(t, s.RecordLearningFailure(ctx, inc))

	hash := PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	rec, err := s.GetLearningRecord(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SuccessCount)
	assert.Equal(t, 2, rec.FailureCount)

	rate, ok := rec.SuccessRate()
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, rate, 0.001)
}

func TestPatternHashStable(t *testing.T) {
	a := PatternHash(TypeContainerDown, "web-1", "health_monitor")
	b := PatternHash(TypeContainerDown, "web-1", "health_monitor")
	c := PatternHash(TypeContainerDown, "web-2", "health_monitor")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a)
}

func TestAutoRemediationSettingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAutoRemediationSetting(ctx, AutoRemediationSetting{
		PlaybookID:            "container_restart",
		ServiceName:           "web-1",
		Enabled:               true,
		MaxAutoAttempts:       3,
		CooldownMinutes:       15,
		ApprovalAboveSeverity: SeverityHigh,
		NotifyChannels:        []string{"webhook"},
	}))

	got, err := s.GetAutoRemediationSetting(ctx, "container_restart", "web-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Enabled)
	assert.Equal(t, 3, got.MaxAutoAttempts)
	assert.Equal(t, []string{"webhook"}, got.NotifyChannels)

	// Upsert overwrites in place.
	require.NoError(t, s.UpsertAutoRemediationSetting(ctx, AutoRemediationSetting{
		PlaybookID:  "container_restart",
		ServiceName: "web-1",
		Enabled:     false,
	}))
	got, err = s.GetAutoRemediationSetting(ctx, "container_restart", "web-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	missing, err := s.GetAutoRemediationSetting(ctx, "nope", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertActionRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := 0
	require.NoError(t, s.InsertAction(ctx, ActionRecord{
		ActionName:     "disk_report",
		Command:        "df -h",
		RiskLevel:      "low",
		ApprovalSource: "autonomous",
		Success:        true,
		ExitCode:       &code,
		DurationMS:     42,
		Metadata:       map[string]interface{}{"autonomous": true, "tier": 1},
	}))
}

func TestRecentActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := 1
	require.NoError(t, s.InsertAction(ctx, ActionRecord{
		ActionName: "container_restart",
		Command:    "docker restart web-1",
		RiskLevel:  "medium",
		Success:    true,
		DurationMS: 900,
		ExecutedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, s.InsertAction(ctx, ActionRecord{
		ActionName: "clear_docker_cache",
		Command:    "docker system prune -f",
		RiskLevel:  "medium",
		Success:    false,
		ExitCode:   &code,
		DurationMS: 3000,
	}))

	recs, err := s.RecentActions(ctx, time.Now().Add(-24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Newest first.
	assert.Equal(t, "clear_docker_cache", recs[0].ActionName)
	require.NotNil(t, recs[0].ExitCode)
	assert.Equal(t, 1, *recs[0].ExitCode)

	recs, err = s.RecentActions(ctx, time.Now().Add(-30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "clear_docker_cache", recs[0].ActionName)
}

func TestPruneResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := newTestIncident()
	require.NoError(t, s.InsertIncident(ctx, inc))
	require.NoError(t, s.UpdateIncidentStatus(ctx, inc.ID, StatusResolved, "done", nil))

	// Freshly resolved stays.
	n, err := s.PruneResolved(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Zero-retention prunes everything already resolved.
	n, err = s.PruneResolved(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
