// Package monitor is the health loop: it snapshots containers, database,
// network, and disk on a schedule, derives issues, and feeds them into the
// incident pipeline.
package monitor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/rvachov/helmsman/internal/dockerops"
	"github.com/rvachov/helmsman/internal/incident"
)

// ContainerSource provides container state and restart capability.
type ContainerSource interface {
	Ping(ctx context.Context) error
	ListContainers(ctx context.Context) ([]dockerops.ContainerState, error)
	RestartContainer(ctx context.Context, name string, stopTimeout time.Duration) error
}

// DatabaseProber checks database liveness. Optional.
type DatabaseProber interface {
	Ping(ctx context.Context) error
	LongRunningQueries(ctx context.Context) (int, error)
}

// IncidentSink receives derived incidents.
type IncidentSink interface {
	InsertIncident(ctx context.Context, inc *incident.Incident) error
}

// ActionStore persists auto-restart execution records.
type ActionStore interface {
	InsertAction(ctx context.Context, rec incident.ActionRecord) error
}

// Config tunes the monitor loop.
type Config struct {
	QuickInterval   time.Duration // container checks; default 2m
	DeepInterval    time.Duration // db, network, disk; default 5m
	DiskPath        string        // default "/"
	DiskWarnPercent float64       // default 85
	DiskCritPercent float64       // default 95
	PingAddr        string        // default "1.1.1.1:53"
	ResolveHost     string        // default "github.com"
	CPUThreshold    float64       // default 90
	MemThreshold    float64       // default 90
	HistorySize     int           // default 100
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QuickInterval:   2 * time.Minute,
		DeepInterval:    5 * time.Minute,
		DiskPath:        "/",
		DiskWarnPercent: 85,
		DiskCritPercent: 95,
		PingAddr:        "1.1.1.1:53",
		ResolveHost:     "github.com",
		CPUThreshold:    90,
		MemThreshold:    90,
		HistorySize:     100,
	}
}

// Snapshot is one observation of overall health.
type Snapshot struct {
	Timestamp       time.Time                  `json:"timestamp"`
	Containers      []dockerops.ContainerState `json:"containers"`
	DaemonHealthy   bool                       `json:"daemon_healthy"`
	DatabaseHealthy bool                       `json:"database_healthy"`
	NetworkHealthy  bool                       `json:"network_healthy"`
	DiskUsedPercent float64                    `json:"disk_used_percent"`
	IssueCount      int                        `json:"issue_count"`
}

// Monitor runs the health loop.
type Monitor struct {
	cfg        Config
	containers ContainerSource
	db         DatabaseProber
	sink       IncidentSink
	actions    ActionStore
	resolver   *dnscache.Resolver

	mu      sync.Mutex
	history []Snapshot
	running bool

	dialTimeout func(network, addr string, timeout time.Duration) (net.Conn, error)
	diskUsage   func(path string) (*disk.UsageStat, error)
}

// New creates a monitor. db and actions may be nil.
func New(cfg Config, containers ContainerSource, db DatabaseProber, sink IncidentSink, actions ActionStore) *Monitor {
	def := DefaultConfig()
	if cfg.QuickInterval <= 0 {
		cfg.QuickInterval = def.QuickInterval
	}
	if cfg.DeepInterval <= 0 {
		cfg.DeepInterval = def.DeepInterval
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = def.DiskPath
	}
	if cfg.DiskWarnPercent <= 0 {
		cfg.DiskWarnPercent = def.DiskWarnPercent
	}
	if cfg.DiskCritPercent <= 0 {
		cfg.DiskCritPercent = def.DiskCritPercent
	}
	if cfg.PingAddr == "" {
		cfg.PingAddr = def.PingAddr
	}
	if cfg.ResolveHost == "" {
		cfg.ResolveHost = def.ResolveHost
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = def.MemThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	return &Monitor{
		cfg:         cfg,
		containers:  containers,
		db:          db,
		sink:        sink,
		actions:     actions,
		resolver:    &dnscache.Resolver{},
		dialTimeout: net.DialTimeout,
		diskUsage:   disk.Usage,
	}
}

// Run drives the quick and deep ticks until the context is cancelled. Ticks
// of the same loop never overlap; a long tick makes the next one skip.
func (m *Monitor) Run(ctx context.Context) error {
	quick := time.NewTicker(m.cfg.QuickInterval)
	deep := time.NewTicker(m.cfg.DeepInterval)
	defer quick.Stop()
	defer deep.Stop()

	// Refresh the DNS cache in the background like its documentation suggests.
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.resolver.Refresh(true)
			}
		}
	}()

	log.Info().
		Dur("quickInterval", m.cfg.QuickInterval).
		Dur("deepInterval", m.cfg.DeepInterval).
		Msg("Health monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Health monitor stopped")
			return ctx.Err()
		case <-quick.C:
			m.tick(ctx, false)
		case <-deep.C:
			m.tick(ctx, true)
		}
	}
}

// tick runs one pass. Overlapping ticks are skipped.
func (m *Monitor) tick(ctx context.Context, deep bool) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Warn().Bool("deep", deep).Msg("Previous health tick still running, skipping")
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	snapshot := m.CheckOnce(ctx, deep)
	m.record(snapshot)
}

// CheckOnce performs one health pass and returns the snapshot. Exposed for
// the CLI's one-shot mode.
func (m *Monitor) CheckOnce(ctx context.Context, deep bool) Snapshot {
	snap := Snapshot{Timestamp: time.Now().UTC(), DatabaseHealthy: true, NetworkHealthy: true}

	if err := m.containers.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Container daemon unreachable")
	} else {
		snap.DaemonHealthy = true
		states, err := m.containers.ListContainers(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list containers")
		} else {
			snap.Containers = states
			snap.IssueCount += m.deriveContainerIssues(ctx, states)
		}
	}

	if deep {
		snap.DatabaseHealthy = m.checkDatabase(ctx, &snap)
		snap.NetworkHealthy = m.checkNetwork(ctx, &snap)
		snap.DiskUsedPercent = m.checkDisk(ctx, &snap)
	}

	return snap
}

// deriveContainerIssues applies the derivation rules to container states and
// returns the number of issues raised.
func (m *Monitor) deriveContainerIssues(ctx context.Context, states []dockerops.ContainerState) int {
	issues := 0
	for _, c := range states {
		switch {
		case (c.State == "exited" || c.State == "dead") && c.ExitCode == 0:
			// Clean exit: restart without ceremony, escalate only on failure.
			issues++
			started := time.Now()
			err := m.containers.RestartContainer(ctx, c.Name, 10*time.Second)
			m.recordRestart(ctx, c.Name, started, err)
			if err != nil {
				log.Error().Err(err).Str("container", c.Name).Msg("Auto-restart failed")
				m.raise(ctx, &incident.Incident{
					Type:           incident.TypeContainerDown,
					Severity:       incident.SeverityMedium,
					ServiceName:    c.Name,
					ContainerName:  c.Name,
					Title:          fmt.Sprintf("Container %s exited cleanly but restart failed", c.Name),
					AutoRemediated: false,
					TriggerSource:  "health_monitor",
					TriggerDetails: map[string]interface{}{
						"exit_code":     c.ExitCode,
						"restart_error": err.Error(),
					},
				})
			} else {
				log.Info().Str("container", c.Name).Msg("Auto-restarted cleanly exited container")
			}
		case (c.State == "exited" || c.State == "dead") && c.ExitCode != 0:
			issues++
			m.raise(ctx, &incident.Incident{
				Type:          incident.TypeContainerDown,
				Severity:      incident.SeverityMedium,
				ServiceName:   c.Name,
				ContainerName: c.Name,
				Title:         fmt.Sprintf("Container %s exited with code %d", c.Name, c.ExitCode),
				TriggerSource: "health_monitor",
				TriggerDetails: map[string]interface{}{
					"exit_code":         c.ExitCode,
					"requires_approval": true,
				},
			})
		case c.Health == "unhealthy":
			issues++
			m.raise(ctx, &incident.Incident{
				Type:          incident.TypeContainerUnhealthy,
				Severity:      incident.SeverityMedium,
				ServiceName:   c.Name,
				ContainerName: c.Name,
				Title:         fmt.Sprintf("Container %s reports unhealthy", c.Name),
				TriggerSource: "health_monitor",
				TriggerDetails: map[string]interface{}{
					"requires_approval": true,
				},
			})
		case c.CPUPercent > m.cfg.CPUThreshold:
			issues++
			m.raise(ctx, &incident.Incident{
				Type:          incident.TypeHighCPU,
				Severity:      incident.SeverityMedium,
				ServiceName:   c.Name,
				ContainerName: c.Name,
				Title:         fmt.Sprintf("Container %s at %.0f%% CPU", c.Name, c.CPUPercent),
				TriggerSource: "health_monitor",
				TriggerDetails: map[string]interface{}{
					"cpu_percent":       c.CPUPercent,
					"requires_approval": true,
				},
			})
		case c.MemoryPercent > m.cfg.MemThreshold:
			issues++
			m.raise(ctx, &incident.Incident{
				Type:          incident.TypeHighMemory,
				Severity:      incident.SeverityMedium,
				ServiceName:   c.Name,
				ContainerName: c.Name,
				Title:         fmt.Sprintf("Container %s at %.0f%% memory", c.Name, c.MemoryPercent),
				TriggerSource: "health_monitor",
				TriggerDetails: map[string]interface{}{
					"memory_percent":    c.MemoryPercent,
					"requires_approval": true,
				},
			})
		}
	}
	return issues
}

func (m *Monitor) checkDatabase(ctx context.Context, snap *Snapshot) bool {
	if m.db == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.db.Ping(probeCtx); err != nil {
		snap.IssueCount++
		m.raise(ctx, &incident.Incident{
			Type:          incident.TypeServiceDegraded,
			Severity:      incident.SeverityCritical,
			ServiceName:   "database",
			Title:         "Database probe failed",
			TriggerSource: "health_monitor",
			TriggerDetails: map[string]interface{}{
				"error": err.Error(),
			},
		})
		return false
	}
	if n, err := m.db.LongRunningQueries(probeCtx); err == nil && n > 0 {
		log.Warn().Int("count", n).Msg("Long-running database queries detected")
	}
	return true
}

func (m *Monitor) checkNetwork(ctx context.Context, snap *Snapshot) bool {
	healthy := true

	conn, err := m.dialTimeout("tcp", m.cfg.PingAddr, 5*time.Second)
	if err != nil {
		healthy = false
	} else {
		conn.Close()
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.resolver.LookupHost(resolveCtx, m.cfg.ResolveHost); err != nil {
		healthy = false
	}

	if !healthy {
		snap.IssueCount++
		m.raise(ctx, &incident.Incident{
			Type:          incident.TypeNetworkIssue,
			Severity:      incident.SeverityCritical,
			ServiceName:   "network",
			Title:         "External connectivity degraded",
			TriggerSource: "health_monitor",
			TriggerDetails: map[string]interface{}{
				"ping_addr":    m.cfg.PingAddr,
				"resolve_host": m.cfg.ResolveHost,
			},
		})
	}
	return healthy
}

func (m *Monitor) checkDisk(ctx context.Context, snap *Snapshot) float64 {
	usage, err := m.diskUsage(m.cfg.DiskPath)
	if err != nil {
		log.Error().Err(err).Str("path", m.cfg.DiskPath).Msg("Disk probe failed")
		return 0
	}
	if usage.UsedPercent >= m.cfg.DiskCritPercent {
		snap.IssueCount++
		m.raise(ctx, &incident.Incident{
			Type:          incident.TypeDiskFull,
			Severity:      incident.SeverityCritical,
			ServiceName:   "storage",
			Title:         fmt.Sprintf("Disk %s at %.1f%%", m.cfg.DiskPath, usage.UsedPercent),
			TriggerSource: "health_monitor",
			TriggerDetails: map[string]interface{}{
				"used_percent":      usage.UsedPercent,
				"path":              m.cfg.DiskPath,
				"requires_approval": true,
			},
		})
	} else if usage.UsedPercent >= m.cfg.DiskWarnPercent {
		log.Warn().
			Float64("usedPercent", usage.UsedPercent).
			Str("path", m.cfg.DiskPath).
			Msg("Disk usage high")
	}
	return usage.UsedPercent
}

// recordRestart persists the auto-restart as an execution record.
func (m *Monitor) recordRestart(ctx context.Context, name string, started time.Time, restartErr error) {
	if m.actions == nil {
		return
	}
	rec := incident.ActionRecord{
		ActionName:     "container_restart",
		Command:        fmt.Sprintf("docker restart %s", name),
		RiskLevel:      "medium",
		ApprovalSource: "health_monitor",
		Success:        restartErr == nil,
		DurationMS:     time.Since(started).Milliseconds(),
		ExecutedAt:     started.UTC(),
		Metadata: map[string]interface{}{
			"mode":      "execute",
			"container": name,
		},
	}
	if err := m.actions.InsertAction(ctx, rec); err != nil {
		log.Error().Err(err).Str("container", name).Msg("Failed to persist restart record")
	}
}

func (m *Monitor) raise(ctx context.Context, inc *incident.Incident) {
	if m.sink == nil {
		return
	}
	if err := m.sink.InsertIncident(ctx, inc); err != nil {
		log.Error().Err(err).Str("title", inc.Title).Msg("Failed to persist incident")
	}
}

func (m *Monitor) record(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns a copy of the recent snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}
