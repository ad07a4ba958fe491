package monitor

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/dockerops"
	"github.com/rvachov/helmsman/internal/incident"
)

type fakeContainers struct {
	states     []dockerops.ContainerState
	restarted  []string
	restartErr error
	pingErr    error
}

func (f *fakeContainers) Ping(context.Context) error { return f.pingErr }
func (f *fakeContainers) ListContainers(context.Context) ([]dockerops.ContainerState, error) {
	return f.states, nil
}
func (f *fakeContainers) RestartContainer(_ context.Context, name string, _ time.Duration) error {
	f.restarted = append(f.restarted, name)
	return f.restartErr
}

type fakeSink struct {
	incidents []*incident.Incident
}

func (f *fakeSink) InsertIncident(_ context.Context, inc *incident.Incident) error {
	f.incidents = append(f.incidents, inc)
	return nil
}

type fakeActions struct {
	records []incident.ActionRecord
}

func (f *fakeActions) InsertAction(_ context.Context, rec incident.ActionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func TestCleanExitAutoRestarts(t *testing.T) {
	containers := &fakeContainers{states: []dockerops.ContainerState{
		{Name: "web-1", State: "exited", ExitCode: 0},
	}}
	sink := &fakeSink{}
	actions := &fakeActions{}
	m := New(DefaultConfig(), containers, nil, sink, actions)

	snap := m.CheckOnce(context.Background(), false)

	assert.Equal(t, []string{"web-1"}, containers.restarted)
	// Successful restart: execution record, no incident.
	assert.Empty(t, sink.incidents)
	require.Len(t, actions.records, 1)
	rec := actions.records[0]
	assert.True(t, rec.Success)
	assert.Equal(t, "execute", rec.Metadata["mode"])
	assert.Equal(t, "docker restart web-1", rec.Command)
	assert.Equal(t, 1, snap.IssueCount)
}

func TestCleanExitRestartFailureRaisesIncident(t *testing.T) {
	containers := &fakeContainers{
		states:     []dockerops.ContainerState{{Name: "web-1", State: "exited", ExitCode: 0}},
		restartErr: fmt.Errorf("daemon busy"),
	}
	sink := &fakeSink{}
	m := New(DefaultConfig(), containers, nil, sink, nil)

	m.CheckOnce(context.Background(), false)

	require.Len(t, sink.incidents, 1)
	inc := sink.incidents[0]
	assert.Equal(t, incident.TypeContainerDown, inc.Type)
	assert.False(t, inc.AutoRemediated)
	assert.Equal(t, "daemon busy", inc.TriggerDetails["restart_error"])
}

func TestCrashExitEscalates(t *testing.T) {
	containers := &fakeContainers{states: []dockerops.ContainerState{
		{Name: "web-1", State: "exited", ExitCode: 137},
	}}
	sink := &fakeSink{}
	m := New(DefaultConfig(), containers, nil, sink, nil)

	m.CheckOnce(context.Background(), false)

	// No auto-restart for a non-zero exit.
	assert.Empty(t, containers.restarted)
	require.Len(t, sink.incidents, 1)
	inc := sink.incidents[0]
	assert.Equal(t, incident.TypeContainerDown, inc.Type)
	assert.Equal(t, incident.SeverityMedium, inc.Severity)
	assert.Equal(t, 137, inc.TriggerDetails["exit_code"])
	assert.Equal(t, true, inc.TriggerDetails["requires_approval"])
	assert.False(t, inc.AutoRemediated)
}

func TestUnhealthyAndPressureIncidents(t *testing.T) {
	containers := &fakeContainers{states: []dockerops.ContainerState{
		{Name: "a", State: "running", Health: "unhealthy"},
		{Name: "b", State: "running", CPUPercent: 95},
		{Name: "c", State: "running", MemoryPercent: 97},
		{Name: "d", State: "running", CPUPercent: 20, MemoryPercent: 30},
	}}
	sink := &fakeSink{}
	m := New(DefaultConfig(), containers, nil, sink, nil)

	snap := m.CheckOnce(context.Background(), false)

	require.Len(t, sink.incidents, 3)
	assert.Equal(t, incident.TypeContainerUnhealthy, sink.incidents[0].Type)
	assert.Equal(t, incident.TypeHighCPU, sink.incidents[1].Type)
	assert.Equal(t, incident.TypeHighMemory, sink.incidents[2].Type)
	assert.Equal(t, 3, snap.IssueCount)
}

func TestDiskCritical(t *testing.T) {
	containers := &fakeContainers{}
	sink := &fakeSink{}
	m := New(DefaultConfig(), containers, nil, sink, nil)
	m.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: "/", UsedPercent: 96.5}, nil
	}
	m.dialTimeout = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		a, b := net.Pipe()
		go b.Close()
		return a, nil
	}

	snap := m.CheckOnce(context.Background(), true)

	assert.InDelta(t, 96.5, snap.DiskUsedPercent, 0.01)
	var diskIncidents []*incident.Incident
	for _, inc := range sink.incidents {
		if inc.Type == incident.TypeDiskFull {
			diskIncidents = append(diskIncidents, inc)
		}
	}
	require.Len(t, diskIncidents, 1)
	assert.Equal(t, incident.SeverityCritical, diskIncidents[0].Severity)
	assert.Equal(t, true, diskIncidents[0].TriggerDetails["requires_approval"])
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	m := New(cfg, &fakeContainers{}, nil, nil, nil)

	for i := 0; i < 5; i++ {
		m.record(Snapshot{IssueCount: i})
	}

	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 2, hist[0].IssueCount)
	assert.Equal(t, 4, hist[2].IssueCount)
}
