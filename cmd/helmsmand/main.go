package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rvachov/helmsman/internal/agent"
	"github.com/rvachov/helmsman/internal/api"
	"github.com/rvachov/helmsman/internal/approval"
	"github.com/rvachov/helmsman/internal/audit"
	"github.com/rvachov/helmsman/internal/catalog"
	"github.com/rvachov/helmsman/internal/config"
	"github.com/rvachov/helmsman/internal/dockerops"
	"github.com/rvachov/helmsman/internal/executor"
	"github.com/rvachov/helmsman/internal/fleet"
	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/logging"
	"github.com/rvachov/helmsman/internal/monitor"
	"github.com/rvachov/helmsman/internal/optimizer"
	"github.com/rvachov/helmsman/internal/policy"
	"github.com/rvachov/helmsman/internal/remediation"
	"github.com/rvachov/helmsman/internal/report"
	"github.com/rvachov/helmsman/internal/secscan"
	"github.com/rvachov/helmsman/internal/validator"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "helmsmand",
	Short:   "Helmsman - autonomous operations engine for container homelabs",
	Long:    `Helmsman watches a Docker-based deployment, detects incidents, and remediates them through a validated, policy-gated action catalog`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Helmsman %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages; re-initialized once the
	// configuration is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "helmsmand",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "helmsmand",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting Helmsman operations engine")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}
	if err := os.MkdirAll(cfg.ActionsDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ActionsDir).Msg("Failed to create actions directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores.
	auditSink, err := audit.NewFileSink(cfg.AuditLog)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.AuditLog).Msg("Failed to open audit log")
	}
	defer auditSink.Close()

	incidents, err := incident.NewStore(incident.StoreConfig{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open incident store")
	}
	defer incidents.Close()

	approvals, err := approval.NewStore(approval.StoreConfig{
		DataDir:        cfg.DataDir,
		DefaultTimeout: cfg.ApprovalTimeout,
		MaxPending:     cfg.MaxPending,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open approval store")
	}
	approvals.StartCleanup(ctx)
	defer approvals.Flush()

	// Validation and execution pipeline.
	cmdValidator, err := validator.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile command validator")
	}

	cat, err := catalog.Load(cfg.ActionsDir, cmdValidator)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ActionsDir).Msg("Failed to load action catalog")
	}
	log.Info().Int("actions", cat.Len()).Str("dir", cfg.ActionsDir).Msg("Action catalog loaded")

	exec := executor.New(cmdValidator, auditSink, executor.Config{
		RatePerMinute:  cfg.RatePerMinute,
		DefaultTimeout: cfg.DefaultTimeout,
		KillGrace:      cfg.KillGrace,
	})
	exec.SetApprovalGate(approvals)

	// Container collaborator. Construction only validates client options; an
	// unreachable daemon surfaces later through the monitor's Ping.
	docker, err := dockerops.NewClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Docker client")
	}

	probes := policy.NewSystemProbes(docker.ServiceHealthy)
	engine := policy.NewEngine(cat, probes, policy.Config{
		MaxExecutionsPerHour: cfg.MaxExecutionsPerHour,
		BreakerThreshold:     cfg.BreakerThreshold,
		BreakerWindow:        cfg.BreakerWindow,
	})

	auto := agent.New(cat, engine, exec, incidents)

	// Fleet server for remote hosts. Registration is open when no agent
	// token is configured, mirroring the API's auth behavior.
	fleetServer := fleet.NewServer(func(token, agentID string) bool {
		if cfg.AgentToken == "" {
			return true
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AgentToken)) == 1
	})

	orchestrator := remediation.New(remediation.RulesAnalyzer{}, incidents, exec, fleetServer, approvals, engine)

	// Background loops.
	mon := monitor.New(monitor.Config{
		QuickInterval:   cfg.QuickCheckInterval,
		DeepInterval:    cfg.DeepCheckInterval,
		DiskWarnPercent: cfg.DiskWarnPercent,
		DiskCritPercent: cfg.DiskCritPercent,
		CPUThreshold:    cfg.CPUHighPercent,
		MemThreshold:    cfg.MemHighPercent,
	}, docker, nil, incidents, incidents)

	opt := optimizer.New(optimizer.Config{Interval: cfg.OptimizerInterval}, docker, nil)
	scanner := secscan.New(secscan.Config{Interval: cfg.SecurityInterval}, docker, nil, nil, nil, incidents)

	router := api.NewRouter(api.Deps{
		Catalog:      cat,
		Validator:    cmdValidator,
		Agent:        auto,
		Approvals:    approvals,
		Incidents:    incidents,
		Orchestrator: orchestrator,
		Monitor:      mon,
		AgentServer:  fleetServer,
		ReportData:   reportDataFunc(incidents, opt, scanner),
	}, cfg.APIToken)

	// NOTE: ReadHeaderTimeout instead of ReadTimeout. ReadTimeout sets a
	// deadline on the underlying connection that survives the WebSocket
	// upgrade on /ws/agent and would kill long-lived agent connections.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return opt.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return diagnosticsLoop(gctx, auto) })
	g.Go(func() error { return retentionLoop(gctx, incidents) })
	g.Go(func() error { return catalog.Watch(gctx, cfg.ActionsDir) })

	// Config watcher picks up .env edits without a restart. Only logging
	// settings apply live; everything else logs a restart-required notice.
	watcher, err := config.NewWatcher(cfg, func(next *config.Config) {
		logging.Init(logging.Config{
			Format:     next.LogFormat,
			Level:      next.LogLevel,
			Component:  "helmsmand",
			FilePath:   next.LogFile,
			MaxSizeMB:  next.LogMaxSize,
			MaxAgeDays: next.LogMaxAge,
			Compress:   next.LogCompress,
		})
		log.Info().Msg("Logging settings reloaded; other changes apply on restart")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			next, err := config.Load()
			if err != nil {
				log.Error().Err(err).Msg("Reload failed, keeping current configuration")
				continue
			}
			logging.Init(logging.Config{
				Format:     next.LogFormat,
				Level:      next.LogLevel,
				Component:  "helmsmand",
				FilePath:   next.LogFile,
				MaxSizeMB:  next.LogMaxSize,
				MaxAgeDays: next.LogMaxAge,
				Compress:   next.LogCompress,
			})
			log.Info().Msg("Runtime configuration reloaded")
		case <-sigChan:
			log.Info().Msg("Shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown error")
			}
			shutdownCancel()

			cancel()
			if err := g.Wait(); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("Background loop error during shutdown")
			}
			log.Info().Msg("Server stopped")
			return
		}
	}
}

// diagnosticsLoop runs the read-only diagnostic tier on a fixed cadence so
// the action history always has a recent baseline to compare against.
func diagnosticsLoop(ctx context.Context, auto *agent.Agent) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			results := auto.RunDiagnostics(ctx, false)
			executed := 0
			for _, res := range results {
				if res.Execution != nil {
					executed++
				}
			}
			log.Debug().Int("actions", len(results)).Int("executed", executed).Msg("Diagnostic sweep complete")
		}
	}
}

// retentionLoop prunes resolved incidents past the retention window once a
// day.
func retentionLoop(ctx context.Context, store *incident.Store) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := store.PruneResolved(ctx, 90*24*time.Hour); err != nil {
				log.Error().Err(err).Msg("Incident retention prune failed")
			}
		}
	}
}

// reportDataFunc assembles the last 24 hours of incidents, executions, and
// loop findings for the report endpoint.
func reportDataFunc(store *incident.Store, opt *optimizer.Optimizer, scanner *secscan.Scanner) func() *report.Data {
	return func() *report.Data {
		now := time.Now()
		start, end := report.DefaultPeriod(now)
		data := &report.Data{
			Title:       "Daily Operations Report",
			GeneratedAt: now,
			Start:       start,
			End:         end,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		incs, err := store.QueryIncidents(ctx, incident.IncidentFilter{Since: start}, 500)
		if err != nil {
			log.Error().Err(err).Msg("Report incident query failed")
		}
		data.Incidents = incs

		recs, err := store.RecentActions(ctx, start, 0)
		if err != nil {
			log.Error().Err(err).Msg("Report action query failed")
		}
		data.Executions = recs

		if history := opt.History(); len(history) > 0 {
			data.Recommendations = history[len(history)-1].Recommendations
		}
		if history := scanner.History(); len(history) > 0 {
			data.SecurityFindings = history[len(history)-1].Findings
		}
		return data
	}
}
