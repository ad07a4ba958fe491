package remediation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/executor"
	"github.com/rvachov/helmsman/internal/incident"
)

type fakeStore struct {
	incidents map[string]*incident.Incident
	learning  map[string]*incident.LearningRecord
	statuses  []incident.Status
	attempts  int
	successes int
	failures  []string
	analysis  string
}

func newFakeStore(inc *incident.Incident) *fakeStore {
	return &fakeStore{incidents: map[string]*incident.Incident{inc.ID: inc}}
}

func (f *fakeStore) learn(inc *incident.Incident, rec *incident.LearningRecord) {
	if f.learning == nil {
		f.learning = make(map[string]*incident.LearningRecord)
	}
	f.learning[incident.PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)] = rec
}

func (f *fakeStore) GetLearningRecord(_ context.Context, hash string) (*incident.LearningRecord, error) {
	rec, ok := f.learning[hash]
	if !ok {
		return nil, fmt.Errorf("learning record not found: %s", hash)
	}
	return rec, nil
}

func (f *fakeStore) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident not found: %s", id)
	}
	return inc, nil
}

func (f *fakeStore) UpdateIncidentStatus(_ context.Context, id string, status incident.Status, notes string, _ map[string]interface{}) error {
	f.statuses = append(f.statuses, status)
	f.incidents[id].Status = status
	return nil
}

func (f *fakeStore) IncrementRemediationAttempts(_ context.Context, id, playbookID string, _ map[string]string) error {
	f.attempts++
	f.incidents[id].PlaybookID = playbookID
	return nil
}

func (f *fakeStore) SetAnalysis(_ context.Context, id, analysis, _ string) error {
	f.analysis = analysis
	return nil
}

func (f *fakeStore) RecordLearningSuccess(_ context.Context, _ *incident.Incident, playbookID string, _ time.Duration) error {
	f.successes++
	return nil
}

func (f *fakeStore) RecordLearningFailure(_ context.Context, inc *incident.Incident) error {
	f.failures = append(f.failures, inc.ID)
	return nil
}

type fakeRunner struct {
	succeed  bool
	commands []string
}

func (f *fakeRunner) Execute(_ context.Context, command, _ string, _ executor.Options) executor.Record {
	f.commands = append(f.commands, command)
	code := 0
	if !f.succeed {
		code = 1
	}
	return executor.Record{Command: command, Success: f.succeed, ExitCode: &code, StartedAt: time.Now()}
}

type fakeBreaker struct {
	recorded map[string][]bool
}

func (f *fakeBreaker) RecordExecutionResult(name string, success bool) {
	if f.recorded == nil {
		f.recorded = make(map[string][]bool)
	}
	f.recorded[name] = append(f.recorded[name], success)
}

type fakeGate struct{ err error }

func (g fakeGate) Consume(token, command string) error { return g.err }

func downIncident() *incident.Incident {
	return &incident.Incident{
		ID:            "INC-20260824-AAAA1111",
		Type:          incident.TypeContainerDown,
		Severity:      incident.SeverityMedium,
		Status:        incident.StatusDetected,
		ServiceName:   "web-1",
		ContainerName: "web-1",
		Title:         "Container web-1 exited",
		TriggerSource: "health_monitor",
		DetectedAt:    time.Now().Add(-time.Minute),
	}
}

func TestRemediateResolves(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	runner := &fakeRunner{succeed: true}
	breaker := &fakeBreaker{}

	o := New(nil, store, runner, nil, nil, breaker)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, out.Status)
	assert.Equal(t, "container_restart", out.PlaybookID)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "docker restart web-1", runner.commands[0])

	assert.Equal(t, []incident.Status{incident.StatusRemediating, incident.StatusResolved}, store.statuses)
	assert.Equal(t, 1, store.attempts)
	assert.Equal(t, 1, store.successes)
	assert.Empty(t, store.failures)
	assert.Equal(t, []bool{true}, breaker.recorded["container_restart"])
	assert.NotEmpty(t, store.analysis)
}

func TestRemediateFailureFeedsLearning(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	runner := &fakeRunner{succeed: false}
	breaker := &fakeBreaker{}

	o := New(nil, store, runner, nil, nil, breaker)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []incident.Status{incident.StatusRemediating, incident.StatusFailed}, store.statuses)
	assert.Equal(t, []string{inc.ID}, store.failures)
	assert.Zero(t, store.successes)
	assert.Equal(t, []bool{false}, breaker.recorded["container_restart"])
}

func TestRemediateAutoUnsafeRequiresApproval(t *testing.T) {
	inc := downIncident()
	inc.Severity = incident.SeverityCritical // analyzer marks not auto-safe
	store := newFakeStore(inc)
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	assert.Equal(t, StatusNeedsApproval, out.Status)
	assert.Empty(t, runner.commands)
	assert.Empty(t, store.statuses, "no lifecycle change before approval")
}

func TestRemediateNeedsConfirmation(t *testing.T) {
	inc := downIncident()
	inc.Type = incident.TypeNASStale
	inc.ServiceName = "mnt-nas"
	store := newFakeStore(inc)
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, fakeGate{}, nil)

	// Without a token the orchestrator stops before executing.
	out, err := o.Remediate(context.Background(), inc.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsConfirm, out.Status)
	assert.Empty(t, runner.commands)

	// With a valid token the playbook runs.
	out, err = o.Remediate(context.Background(), inc.ID, Options{ConfirmationToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, out.Status)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "mount -a", runner.commands[0])
}

func TestRemediateRejectedConfirmation(t *testing.T) {
	inc := downIncident()
	inc.Type = incident.TypeNASStale
	store := newFakeStore(inc)
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, fakeGate{err: fmt.Errorf("token expired")}, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{ConfirmationToken: "tok"})
	require.NoError(t, err)

	assert.Equal(t, StatusNeedsConfirm, out.Status)
	assert.Contains(t, out.Reason, "token expired")
	assert.Empty(t, runner.commands)
}

func TestRemediateUnknownTypeEscalates(t *testing.T) {
	inc := downIncident()
	inc.Type = incident.TypeSecurityAlert // no rule in the analyzer
	store := newFakeStore(inc)

	o := New(nil, store, &fakeRunner{}, nil, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, out.Status)
	assert.Equal(t, []incident.Status{incident.StatusEscalated}, store.statuses)
}

type cancellingRunner struct{ commands []string }

func (f *cancellingRunner) Execute(_ context.Context, command, _ string, _ executor.Options) executor.Record {
	f.commands = append(f.commands, command)
	return executor.Record{
		Command:   command,
		Success:   false,
		Cancelled: true,
		Stderr:    "cancelled",
		StartedAt: time.Now(),
	}
}

func TestRemediateCancelledDoesNotFeedBreaker(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	runner := &cancellingRunner{}
	breaker := &fakeBreaker{}

	o := New(nil, store, runner, nil, nil, breaker)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	require.Len(t, runner.commands, 1)
	assert.Empty(t, breaker.recorded, "cancelled runs carry no verdict on the playbook")
}

func TestRemediatePrefersLearnedPlaybook(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	store.learn(inc, &incident.LearningRecord{
		SuccessfulPlaybook: "restart_systemd_service",
		SuccessCount:       4,
		FailureCount:       1,
	})
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	// History outranks the analyzer's first-line rule.
	assert.Equal(t, StatusResolved, out.Status)
	assert.Equal(t, "restart_systemd_service", out.PlaybookID)
	assert.InDelta(t, 0.8, out.Recommendation.Confidence, 0.001)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "systemctl restart web-1", runner.commands[0])
}

func TestRemediateWeakLearningKeepsAnalyzer(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	store.learn(inc, &incident.LearningRecord{
		SuccessfulPlaybook: "restart_systemd_service",
		SuccessCount:       1,
		FailureCount:       1,
	})
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true})
	require.NoError(t, err)

	assert.Equal(t, "container_restart", out.PlaybookID)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "docker restart web-1", runner.commands[0])
}

func TestRemediateLearnedPlaybookCoversUnknownType(t *testing.T) {
	inc := downIncident()
	inc.Type = incident.TypeSecurityAlert // no rule in the analyzer
	store := newFakeStore(inc)
	store.learn(inc, &incident.LearningRecord{
		SuccessfulPlaybook: "restart_systemd_service",
		SuccessCount:       3,
		FailureCount:       0,
	})
	runner := &fakeRunner{succeed: true}

	o := New(nil, store, runner, nil, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, out.Status)
	assert.Equal(t, "restart_systemd_service", out.PlaybookID)
	assert.Equal(t, []string{"systemctl restart web-1"}, runner.commands)
}

type fakeFleet struct {
	hosts    []string
	commands []string
}

func (f *fakeFleet) Run(_ context.Context, host, command string, _ time.Duration) (executor.Record, error) {
	f.hosts = append(f.hosts, host)
	f.commands = append(f.commands, command)
	code := 0
	return executor.Record{Command: command, Success: true, ExitCode: &code}, nil
}

func TestRemediateRoutesThroughFleet(t *testing.T) {
	inc := downIncident()
	store := newFakeStore(inc)
	fleet := &fakeFleet{}

	o := New(nil, store, &fakeRunner{}, fleet, nil, nil)
	out, err := o.Remediate(context.Background(), inc.ID, Options{AutoExecute: true, Host: "node-2"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, out.Status)
	assert.Equal(t, []string{"node-2"}, fleet.hosts)
	assert.Equal(t, []string{"docker restart web-1"}, fleet.commands)
}

func TestPlaybookCatalog(t *testing.T) {
	pb, ok := GetPlaybook("container_restart")
	require.True(t, ok)
	assert.True(t, pb.AutoExecute)

	_, ok = GetPlaybook("wipe_everything")
	assert.False(t, ok)

	assert.Len(t, PlaybookIDs(), 9)

	forDown := PlaybooksFor(incident.TypeContainerDown)
	require.Len(t, forDown, 1)
	assert.Equal(t, "container_restart", forDown[0].ID)
}
