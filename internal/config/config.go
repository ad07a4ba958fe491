// Package config loads engine configuration from the environment.
//
// Configuration sources, in order of precedence:
//   - HELMSMAN_* environment variables
//   - a .env file in the data directory (deployment overrides)
//   - built-in defaults
//
// All values are read once at startup; a restart (or the watcher's reload
// callback) picks up changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all engine configuration.
type Config struct {
	// Paths
	DataDir    string // state, stores, approval journal
	ActionsDir string // YAML action catalog
	AuditLog   string // append-only audit trail (JSONL)

	// Server settings
	ListenAddr  string // HTTP listener for approvals, metrics, agents
	MetricsPath string

	// Executor settings
	RatePerMinute  int           // subprocess starts per sliding minute
	DefaultTimeout time.Duration // applied when a caller passes none
	KillGrace      time.Duration // SIGTERM to SIGKILL gap

	// Policy settings
	MaxExecutionsPerHour int
	BreakerThreshold     int
	BreakerWindow        time.Duration

	// Approval settings
	ApprovalTimeout time.Duration
	MaxPending      int

	// Loop intervals
	QuickCheckInterval time.Duration
	DeepCheckInterval  time.Duration
	OptimizerInterval  time.Duration
	SecurityInterval   time.Duration

	// Health thresholds
	DiskWarnPercent float64
	DiskCritPercent float64
	CPUHighPercent  float64
	MemHighPercent  float64

	// Logging settings
	LogLevel    string
	LogFormat   string // "json", "console", or "auto"
	LogFile     string
	LogMaxSize  int // MB
	LogMaxAge   int // days
	LogCompress bool

	// Security settings
	APIToken   string // bearer token for the HTTP API; empty disables auth
	AgentToken string // shared token agents present on registration

	// Track which settings came from environment variables
	EnvOverrides map[string]bool `json:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	dataDir := "/var/lib/helmsman"
	return &Config{
		DataDir:              dataDir,
		ActionsDir:           filepath.Join(dataDir, "actions"),
		AuditLog:             filepath.Join(dataDir, "audit.jsonl"),
		ListenAddr:           "0.0.0.0:7810",
		MetricsPath:          "/metrics",
		RatePerMinute:        10,
		DefaultTimeout:       60 * time.Second,
		KillGrace:            3 * time.Second,
		MaxExecutionsPerHour: 10,
		BreakerThreshold:     3,
		BreakerWindow:        10 * time.Minute,
		ApprovalTimeout:      5 * time.Minute,
		MaxPending:           100,
		QuickCheckInterval:   2 * time.Minute,
		DeepCheckInterval:    5 * time.Minute,
		OptimizerInterval:    30 * time.Minute,
		SecurityInterval:     time.Hour,
		DiskWarnPercent:      85,
		DiskCritPercent:      95,
		CPUHighPercent:       90,
		MemHighPercent:       90,
		LogLevel:             "info",
		LogFormat:            "auto",
		LogMaxSize:           100,
		LogMaxAge:            30,
		LogCompress:          true,
		EnvOverrides:         make(map[string]bool),
	}
}

// Load builds the configuration from defaults, the data directory's .env
// file, and HELMSMAN_* environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if dir := os.Getenv("HELMSMAN_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
		cfg.ActionsDir = filepath.Join(dir, "actions")
		cfg.AuditLog = filepath.Join(dir, "audit.jsonl")
		cfg.EnvOverrides["HELMSMAN_DATA_DIR"] = true
	}

	envFile := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	// Development convenience: .env in the current directory.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from current directory")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads HELMSMAN_* variables into the config, tracking
// which keys were overridden.
func (c *Config) applyEnvOverrides() {
	c.stringVar(&c.ActionsDir, "HELMSMAN_ACTIONS_DIR")
	c.stringVar(&c.AuditLog, "HELMSMAN_AUDIT_LOG")
	c.stringVar(&c.ListenAddr, "HELMSMAN_LISTEN_ADDR")
	c.stringVar(&c.MetricsPath, "HELMSMAN_METRICS_PATH")
	c.stringVar(&c.LogLevel, "HELMSMAN_LOG_LEVEL")
	c.stringVar(&c.LogFormat, "HELMSMAN_LOG_FORMAT")
	c.stringVar(&c.LogFile, "HELMSMAN_LOG_FILE")
	c.stringVar(&c.APIToken, "HELMSMAN_API_TOKEN")
	c.stringVar(&c.AgentToken, "HELMSMAN_AGENT_TOKEN")

	c.intVar(&c.RatePerMinute, "HELMSMAN_RATE_PER_MINUTE")
	c.intVar(&c.MaxExecutionsPerHour, "HELMSMAN_MAX_EXECUTIONS_PER_HOUR")
	c.intVar(&c.BreakerThreshold, "HELMSMAN_BREAKER_THRESHOLD")
	c.intVar(&c.MaxPending, "HELMSMAN_MAX_PENDING_APPROVALS")
	c.intVar(&c.LogMaxSize, "HELMSMAN_LOG_MAX_SIZE")
	c.intVar(&c.LogMaxAge, "HELMSMAN_LOG_MAX_AGE")

	c.durationVar(&c.DefaultTimeout, "HELMSMAN_DEFAULT_TIMEOUT")
	c.durationVar(&c.KillGrace, "HELMSMAN_KILL_GRACE")
	c.durationVar(&c.BreakerWindow, "HELMSMAN_BREAKER_WINDOW")
	c.durationVar(&c.ApprovalTimeout, "HELMSMAN_APPROVAL_TIMEOUT")
	c.durationVar(&c.QuickCheckInterval, "HELMSMAN_QUICK_CHECK_INTERVAL")
	c.durationVar(&c.DeepCheckInterval, "HELMSMAN_DEEP_CHECK_INTERVAL")
	c.durationVar(&c.OptimizerInterval, "HELMSMAN_OPTIMIZER_INTERVAL")
	c.durationVar(&c.SecurityInterval, "HELMSMAN_SECURITY_INTERVAL")

	c.floatVar(&c.DiskWarnPercent, "HELMSMAN_DISK_WARN_PERCENT")
	c.floatVar(&c.DiskCritPercent, "HELMSMAN_DISK_CRIT_PERCENT")
	c.floatVar(&c.CPUHighPercent, "HELMSMAN_CPU_HIGH_PERCENT")
	c.floatVar(&c.MemHighPercent, "HELMSMAN_MEM_HIGH_PERCENT")

	c.boolVar(&c.LogCompress, "HELMSMAN_LOG_COMPRESS")
}

func (c *Config) stringVar(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
		c.EnvOverrides[key] = true
	}
}

func (c *Config) intVar(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, ignoring")
		return
	}
	*dst = n
	c.EnvOverrides[key] = true
}

func (c *Config) floatVar(dst *float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, ignoring")
		return
	}
	*dst = f
	c.EnvOverrides[key] = true
}

func (c *Config) durationVar(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare seconds for convenience.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			d = time.Duration(n) * time.Second
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, ignoring")
			return
		}
	}
	*dst = d
	c.EnvOverrides[key] = true
}

func (c *Config) boolVar(dst *bool, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, ignoring")
		return
	}
	*dst = b
	c.EnvOverrides[key] = true
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("rate per minute must be positive, got %d", c.RatePerMinute)
	}
	if c.MaxExecutionsPerHour <= 0 {
		return fmt.Errorf("max executions per hour must be positive, got %d", c.MaxExecutionsPerHour)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", c.BreakerThreshold)
	}
	if c.BreakerWindow <= 0 {
		return fmt.Errorf("breaker window must be positive, got %s", c.BreakerWindow)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.DiskWarnPercent <= 0 || c.DiskWarnPercent > 100 {
		return fmt.Errorf("disk warn percent must be in (0, 100], got %.1f", c.DiskWarnPercent)
	}
	if c.DiskCritPercent <= c.DiskWarnPercent || c.DiskCritPercent > 100 {
		return fmt.Errorf("disk crit percent must be in (warn, 100], got %.1f", c.DiskCritPercent)
	}
	return nil
}
