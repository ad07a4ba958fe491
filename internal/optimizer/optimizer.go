// Package optimizer periodically reviews container sizing, image cruft, and
// database behavior, and emits prioritized recommendations.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/dockerops"
)

// ContainerSource provides container and image state.
type ContainerSource interface {
	ListContainers(ctx context.Context) ([]dockerops.ContainerState, error)
	ListImages(ctx context.Context) ([]dockerops.ImageInfo, error)
}

// DatabaseInspector exposes optional query-level introspection.
type DatabaseInspector interface {
	SlowQueries(ctx context.Context, minMean time.Duration) ([]string, error)
	UnindexedLargeTables(ctx context.Context) ([]string, error)
}

// Track classifies a recommendation.
type Track string

const (
	TrackOverProvisioned  Track = "over_provisioned"
	TrackUnderProvisioned Track = "under_provisioned"
	TrackReclaimStorage   Track = "reclaim_storage"
	TrackSlowQueries      Track = "slow_queries"
	TrackMissingIndexes   Track = "missing_indexes"
)

// Recommendation is one actionable finding. Priority ranges 3 (nice to
// have) to 7 (should act soon).
type Recommendation struct {
	Track            Track     `json:"track"`
	Target           string    `json:"target"`
	Priority         int       `json:"priority"`
	Detail           string    `json:"detail"`
	RequiresApproval bool      `json:"requires_approval"`
	CreatedAt        time.Time `json:"created_at"`
}

// Report is the result of one optimizer pass.
type Report struct {
	Timestamp        time.Time        `json:"timestamp"`
	Recommendations  []Recommendation `json:"recommendations"`
	ReclaimableBytes int64            `json:"reclaimable_bytes"`
	DanglingImages   int              `json:"dangling_images"`
}

const (
	idleAveragePercent     = 10
	minLimitBytes          = 512 << 20 // 512 MiB
	underProvisionedMemPct = 85
	reclaimApprovalBytes   = 5 << 30 // 5 GiB
)

// Config tunes the optimizer loop.
type Config struct {
	Interval      time.Duration // default 30m
	SummaryEvery  time.Duration // default 24h
	HistorySize   int           // default 50
	SlowQueryMean time.Duration // default 1s
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Minute,
		SummaryEvery:  24 * time.Hour,
		HistorySize:   50,
		SlowQueryMean: time.Second,
	}
}

// Optimizer runs the resource review loop.
type Optimizer struct {
	cfg        Config
	containers ContainerSource
	db         DatabaseInspector

	mu      sync.Mutex
	history []Report
	running bool
}

// New creates an optimizer. db may be nil.
func New(cfg Config, containers ContainerSource, db DatabaseInspector) *Optimizer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = def.SummaryEvery
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SlowQueryMean <= 0 {
		cfg.SlowQueryMean = def.SlowQueryMean
	}
	return &Optimizer{cfg: cfg, containers: containers, db: db}
}

// Run drives the review loop until the context is cancelled.
func (o *Optimizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	summary := time.NewTicker(o.cfg.SummaryEvery)
	defer ticker.Stop()
	defer summary.Stop()

	log.Info().Dur("interval", o.cfg.Interval).Msg("Optimizer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Optimizer stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		case <-summary.C:
			o.logSummary()
		}
	}
}

func (o *Optimizer) tick(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		log.Warn().Msg("Previous optimizer tick still running, skipping")
		return
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	report := o.ReviewOnce(ctx)
	o.mu.Lock()
	o.history = append(o.history, report)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
	o.mu.Unlock()
}

// ReviewOnce performs one optimization pass.
func (o *Optimizer) ReviewOnce(ctx context.Context) Report {
	report := Report{Timestamp: time.Now().UTC()}

	states, err := o.containers.ListContainers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Optimizer failed to list containers")
	} else {
		report.Recommendations = append(report.Recommendations, reviewSizing(states)...)
	}

	images, err := o.containers.ListImages(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Optimizer failed to list images")
	} else {
		recs, reclaimable, dangling := reviewImages(images)
		report.Recommendations = append(report.Recommendations, recs...)
		report.ReclaimableBytes = reclaimable
		report.DanglingImages = dangling
	}

	if o.db != nil {
		report.Recommendations = append(report.Recommendations, o.reviewDatabase(ctx)...)
	}

	sort.SliceStable(report.Recommendations, func(i, j int) bool {
		return report.Recommendations[i].Priority > report.Recommendations[j].Priority
	})

	log.Info().
		Int("recommendations", len(report.Recommendations)).
		Int64("reclaimableBytes", report.ReclaimableBytes).
		Msg("Optimizer pass complete")
	return report
}

// reviewSizing classifies running containers as over- or under-provisioned.
func reviewSizing(states []dockerops.ContainerState) []Recommendation {
	now := time.Now().UTC()
	var out []Recommendation
	for _, c := range states {
		if c.State != "running" {
			continue
		}
		avg := (c.CPUPercent + c.MemoryPercent) / 2
		switch {
		case avg < idleAveragePercent && c.MemoryLimit > minLimitBytes:
			out = append(out, Recommendation{
				Track:    TrackOverProvisioned,
				Target:   c.Name,
				Priority: 3,
				Detail: fmt.Sprintf("averaging %.1f%% utilisation with a %d MiB limit; consider lowering the limit",
					avg, c.MemoryLimit>>20),
				CreatedAt: now,
			})
		case c.MemoryPercent > underProvisionedMemPct:
			out = append(out, Recommendation{
				Track:    TrackUnderProvisioned,
				Target:   c.Name,
				Priority: 6,
				Detail: fmt.Sprintf("memory at %.1f%% of limit; raise the limit before the OOM killer does it for you",
					c.MemoryPercent),
				RequiresApproval: true,
				CreatedAt:        now,
			})
		}
	}
	return out
}

// reviewImages estimates reclaimable storage from unused images.
func reviewImages(images []dockerops.ImageInfo) ([]Recommendation, int64, int) {
	reclaimable := dockerops.ReclaimableBytes(images)
	dangling := 0
	for _, img := range images {
		if img.Dangling {
			dangling++
		}
	}

	var out []Recommendation
	if reclaimable > 0 {
		rec := Recommendation{
			Track:    TrackReclaimStorage,
			Target:   "docker",
			Priority: 4,
			Detail: fmt.Sprintf("%d unused images (%d dangling) holding %.1f GiB; prune to reclaim",
				countUnused(images), dangling, float64(reclaimable)/(1<<30)),
			CreatedAt: time.Now().UTC(),
		}
		if reclaimable > reclaimApprovalBytes {
			rec.Priority = 7
			rec.RequiresApproval = true
		}
		out = append(out, rec)
	}
	return out, reclaimable, dangling
}

func countUnused(images []dockerops.ImageInfo) int {
	n := 0
	for _, img := range images {
		if !img.InUse {
			n++
		}
	}
	return n
}

func (o *Optimizer) reviewDatabase(ctx context.Context) []Recommendation {
	now := time.Now().UTC()
	var out []Recommendation

	if slow, err := o.db.SlowQueries(ctx, o.cfg.SlowQueryMean); err == nil {
		for _, q := range slow {
			out = append(out, Recommendation{
				Track:     TrackSlowQueries,
				Target:    q,
				Priority:  5,
				Detail:    "mean execution time exceeds one second",
				CreatedAt: now,
			})
		}
	}
	if tables, err := o.db.UnindexedLargeTables(ctx); err == nil {
		for _, tbl := range tables {
			out = append(out, Recommendation{
				Track:     TrackMissingIndexes,
				Target:    tbl,
				Priority:  5,
				Detail:    "large table scanned without an index",
				CreatedAt: now,
			})
		}
	}
	return out
}

func (o *Optimizer) logSummary() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return
	}
	last := o.history[len(o.history)-1]
	log.Info().
		Int("passes", len(o.history)).
		Int("currentRecommendations", len(last.Recommendations)).
		Int64("reclaimableBytes", last.ReclaimableBytes).
		Msg("Optimizer daily summary")
}

// History returns a copy of recent reports, oldest first.
func (o *Optimizer) History() []Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Report, len(o.history))
	copy(out, o.history)
	return out
}
