package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/audit"
	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/executor"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/policy"
	"github.com/rvachov/helmsman/internal/validator"
)

type memStore struct {
	records []incident.ActionRecord
}

func (m *memStore) InsertAction(_ context.Context, rec incident.ActionRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func testAgent(t *testing.T, actions map[string]string) (*Agent, *memStore, *audit.MemorySink) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range actions {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0600))
	}

	cat, err := catalog.Load(dir, validator.MustNew())
	require.NoError(t, err)

	engine := policy.NewEngine(cat, healthyProbes{}, policy.DefaultConfig())
	sink := audit.NewMemorySink()
	exec := executor.New(validator.MustNew(), sink, executor.DefaultConfig())
	store := &memStore{}
	return New(cat, engine, exec, store), store, sink
}

type healthyProbes struct{}

func (healthyProbes) DiskUsagePercent(string) (float64, error) { return 20, nil }
func (healthyProbes) MemoryUsedPercent() (float64, error)      { return 30, nil }
func (healthyProbes) ServiceHealthy(context.Context, string) (bool, error) {
	return true, nil
}

const diagAction = `
name: system_uptime
tier: 1
category: system
command: "uptime"
auto_execute: true
risk_level: low
`

func TestExecuteActionLive(t *testing.T) {
	a, store, sink := testAgent(t, map[string]string{"uptime.yaml": diagAction})

	res := a.ExecuteAction(context.Background(), "system_uptime", false, nil)
	require.Equal(t, policy.Approve, res.Decision)
	require.True(t, res.Success, "stderr: %s", res.Error)
	require.NotNil(t, res.Execution)
	assert.Equal(t, executor.ModeExecute, res.Execution.Mode)

	// Persisted exactly once with autonomous metadata.
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "system_uptime", rec.ActionName)
	assert.Equal(t, Initiator, rec.ApprovalSource)
	assert.Equal(t, true, rec.Metadata["autonomous"])
	assert.Equal(t, "diagnose", rec.Metadata["tier_name"])

	// One audit record for the one subprocess.
	assert.Len(t, sink.Records(), 1)
}

func TestExecuteActionDryRun(t *testing.T) {
	a, store, _ := testAgent(t, map[string]string{"uptime.yaml": diagAction})

	res := a.ExecuteAction(context.Background(), "system_uptime", true, nil)
	require.True(t, res.Success)
	assert.Equal(t, executor.ModeDryRun, res.Execution.Mode)

	// Dry runs are not persisted.
	assert.Empty(t, store.records)
}

func TestExecuteActionUnknown(t *testing.T) {
	a, _, _ := testAgent(t, map[string]string{"uptime.yaml": diagAction})

	res := a.ExecuteAction(context.Background(), "missing", false, nil)
	assert.Equal(t, policy.Reject, res.Decision)
	assert.False(t, res.Success)
	assert.Nil(t, res.Execution)
}

func TestExecuteActionFeedsBreaker(t *testing.T) {
	a, _, _ := testAgent(t, map[string]string{
		"fail.yaml": `
name: always_fails
tier: 1
command: "ls /nonexistent/helmsman/file"
auto_execute: true
risk_level: low
`,
	})

	for i := 0; i < 3; i++ {
		res := a.ExecuteAction(context.Background(), "always_fails", false, nil)
		require.Equal(t, policy.Approve, res.Decision)
		require.False(t, res.Success)
	}

	// The breaker has seen three failures; the next evaluation rejects.
	res := a.ExecuteAction(context.Background(), "always_fails", false, nil)
	assert.Equal(t, policy.Reject, res.Decision)
	assert.Contains(t, res.Reason, "circuit breaker")
}

// cancelRunner mimics the executor's shutdown path: the process was torn
// down before it could finish, so the record carries no verdict on the
// command itself.
type cancelRunner struct{ calls int }

func (r *cancelRunner) DryRun(command, _ string) executor.Record {
	return executor.Record{Command: command, Success: true, Mode: executor.ModeDryRun}
}

func (r *cancelRunner) Execute(_ context.Context, command, _ string, _ executor.Options) executor.Record {
	r.calls++
	return executor.Record{
		Command:   command,
		Mode:      executor.ModeExecute,
		Success:   false,
		Cancelled: true,
		Stderr:    "cancelled",
	}
}

func TestExecuteActionCancelledDoesNotFeedBreaker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.yaml"), []byte(`
name: net_check
tier: 1
category: network
command: "ping -c 1 1.1.1.1"
auto_execute: true
risk_level: low
`), 0600))

	cat, err := catalog.Load(dir, validator.MustNew())
	require.NoError(t, err)
	engine := policy.NewEngine(cat, healthyProbes{}, policy.DefaultConfig())
	runner := &cancelRunner{}
	a := New(cat, engine, runner, &memStore{})

	// Well past the breaker threshold; cancellations must never count.
	for i := 0; i < 5; i++ {
		res := a.ExecuteAction(context.Background(), "net_check", false, nil)
		require.Equal(t, policy.Approve, res.Decision)
		require.False(t, res.Success)
		require.True(t, res.Execution.Cancelled)
	}

	assert.Equal(t, 5, runner.calls)
	stats := engine.GetStats()
	assert.Zero(t, stats.FailureCounts["net_check"])
	assert.Empty(t, stats.OpenBreakers)
}

func TestExecuteTierActions(t *testing.T) {
	a, _, _ := testAgent(t, map[string]string{
		"a.yaml": diagAction,
		"b.yaml": `
name: disk_report
tier: 1
category: storage
command: "df -h"
auto_execute: true
risk_level: low
`,
		"c.yaml": `
name: docker_prune
tier: 3
command: "docker system prune -f"
requires_approval: true
`,
	})

	results := a.RunDiagnostics(context.Background(), false)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, policy.Approve, res.Decision)
	}

	proactive := a.RunProactive(context.Background(), true)
	require.Len(t, proactive, 1)
	assert.Equal(t, policy.RequireApproval, proactive[0].Decision)
}

func TestGetMetrics(t *testing.T) {
	a, _, _ := testAgent(t, map[string]string{"uptime.yaml": diagAction})

	a.ExecuteAction(context.Background(), "system_uptime", false, nil)
	a.ExecuteAction(context.Background(), "missing", false, nil)

	m := a.GetMetrics()
	assert.Equal(t, int64(2), m.Total)
	assert.Equal(t, int64(1), m.Successful)
	assert.Equal(t, int64(1), m.PolicyRejections)
	assert.Equal(t, int64(1), m.PerTier["diagnose"])
	assert.Contains(t, m.PolicyStats.KnownActions, "system_uptime")
}
