// Package executor runs validated commands as local subprocesses with a
// bounded lifetime, a per-minute rate limit, and a mandatory audit trail.
// Every call emits exactly one audit record, whether or not a process was
// started.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/rvachov/helmsman/internal/audit"
	"github.com/rvachov/helmsman/internal/telemetry"
	"github.com/rvachov/helmsman/internal/validator"
)

// Mode describes how a record came to be.
type Mode string

const (
	ModeDryRun           Mode = "dry-run"
	ModeExecute          Mode = "execute"
	ModeApprovalRequired Mode = "approval-required"
)

// Record is the structured result of one executor call.
type Record struct {
	ID               string              `json:"id"`
	Command          string              `json:"command"`
	Initiator        string              `json:"initiator"`
	Mode             Mode                `json:"mode"`
	Success          bool                `json:"success"`
	ExitCode         *int                `json:"exit_code"`
	Stdout           string              `json:"stdout"`
	Stderr           string              `json:"stderr"`
	StartedAt        time.Time           `json:"started_at"`
	DurationMS       int64               `json:"duration_ms"`
	RiskLevel        validator.RiskLevel `json:"risk_level"`
	ValidatorMessage string              `json:"validator_message"`
	// Cancelled marks a run torn down by context cancellation. Cancellation
	// says nothing about the command itself, so callers feeding circuit
	// breakers must not count it as a failure.
	Cancelled bool `json:"cancelled,omitempty"`
}

// ApprovalGate validates and consumes a single-use approval token for a
// command. Implemented by the approval store; nil means no approvals can be
// redeemed through this executor.
type ApprovalGate interface {
	Consume(token, command string) error
}

// Config configures the executor.
type Config struct {
	RatePerMinute  int           // subprocess starts allowed per sliding 60s window
	DefaultTimeout time.Duration // applied when the caller passes none
	KillGrace      time.Duration // SIGTERM to SIGKILL gap on cancellation
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RatePerMinute:  10,
		DefaultTimeout: 60 * time.Second,
		KillGrace:      3 * time.Second,
	}
}

// Executor is the safe subprocess runner. It is thread-safe: the sliding
// window and the audit append are guarded; execution itself runs on the
// caller's goroutine.
type Executor struct {
	validator *validator.Validator
	sink      audit.Sink
	gate      ApprovalGate
	config    Config

	mu     sync.Mutex
	window []time.Time
	ulidMu sync.Mutex
	rng    *rand.Rand
}

// New creates an executor around a validator and an audit sink.
func New(v *validator.Validator, sink audit.Sink, cfg Config) *Executor {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Executor{
		validator: v,
		sink:      sink,
		config:    cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetApprovalGate wires the approval store in after construction.
func (e *Executor) SetApprovalGate(gate ApprovalGate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = gate
}

// Validate delegates to the command validator without side effects.
func (e *Executor) Validate(command string) validator.Verdict {
	return e.validator.Validate(command)
}

// Options carries per-call execution parameters.
type Options struct {
	Timeout       time.Duration
	WorkingDir    string
	Env           []string
	ApprovalToken string
}

// DryRun validates only; no process is started. Success mirrors the verdict.
func (e *Executor) DryRun(command, initiator string) Record {
	verdict := e.validator.Validate(command)
	rec := Record{
		ID:               e.newID(),
		Command:          command,
		Initiator:        initiator,
		Mode:             ModeDryRun,
		Success:          verdict.Allowed,
		StartedAt:        time.Now().UTC(),
		RiskLevel:        verdict.RiskLevel,
		ValidatorMessage: verdict.Message,
	}
	e.emit(rec, verdict.RequiresApproval)
	return rec
}

// Execute runs the command if the verdict, the rate limit, and the approval
// gate all allow it. The returned record is also appended to the audit sink.
func (e *Executor) Execute(ctx context.Context, command, initiator string, opts Options) Record {
	verdict := e.validator.Validate(command)
	started := time.Now().UTC()

	rec := Record{
		ID:               e.newID(),
		Command:          command,
		Initiator:        initiator,
		Mode:             ModeExecute,
		StartedAt:        started,
		RiskLevel:        verdict.RiskLevel,
		ValidatorMessage: verdict.Message,
	}

	if !verdict.Allowed {
		telemetry.RecordValidationRejected(string(verdict.RiskLevel))
		rec.Success = false
		rec.Stderr = verdict.Message
		e.emit(rec, verdict.RequiresApproval)
		return rec
	}

	if e.rateLimited(started) {
		rec.Success = false
		rec.Stderr = fmt.Sprintf("rate limit exceeded: %d executions per minute", e.config.RatePerMinute)
		e.emit(rec, verdict.RequiresApproval)
		return rec
	}

	if verdict.RequiresApproval {
		if err := e.redeemApproval(opts.ApprovalToken, command); err != nil {
			rec.Mode = ModeApprovalRequired
			rec.Success = false
			rec.Stderr = err.Error()
			e.emit(rec, true)
			return rec
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	e.recordStart(started)
	e.run(ctx, &rec, opts, timeout)
	e.emit(rec, verdict.RequiresApproval)
	return rec
}

func (e *Executor) redeemApproval(token, command string) error {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()

	if token == "" {
		return fmt.Errorf("approval required and no approval token provided")
	}
	if gate == nil {
		return fmt.Errorf("approval required but no approval gate is configured")
	}
	return gate.Consume(token, command)
}

// run starts the subprocess in its own process group and enforces timeout
// and cancellation by signalling the group.
func (e *Executor) run(ctx context.Context, rec *Record, opts Options, timeout time.Duration) {
	var stdout, stderr bytes.Buffer

	cmd := exec.Command("sh", "-c", rec.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = opts.WorkingDir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		rec.Success = false
		rec.Stderr = fmt.Sprintf("failed to start process: %v", err)
		rec.DurationMS = time.Since(start).Milliseconds()
		return
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		rec.DurationMS = time.Since(start).Milliseconds()
		rec.Stdout = stdout.String()
		rec.Stderr = stderr.String()
		code := exitCode(err)
		rec.ExitCode = &code
		rec.Success = err == nil

	case <-timer.C:
		killGroup(pgid, unix.SIGKILL)
		<-done
		rec.DurationMS = time.Since(start).Milliseconds()
		rec.Stdout = stdout.String()
		code := 124
		rec.ExitCode = &code
		rec.Success = false
		rec.Stderr = fmt.Sprintf("Timed out after %d seconds", int(timeout.Seconds()))

	case <-ctx.Done():
		killGroup(pgid, unix.SIGTERM)
		select {
		case <-done:
		case <-time.After(e.config.KillGrace):
			killGroup(pgid, unix.SIGKILL)
			<-done
		}
		rec.DurationMS = time.Since(start).Milliseconds()
		rec.Stdout = stdout.String()
		rec.Success = false
		rec.Cancelled = true
		rec.Stderr = "cancelled"
	}
}

func killGroup(pgid int, sig unix.Signal) {
	if err := unix.Kill(-pgid, sig); err != nil {
		log.Debug().Err(err).Int("pgid", pgid).Msg("Failed to signal process group")
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// rateLimited prunes the sliding window and reports whether it is full.
func (e *Executor) rateLimited(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := e.window[:0]
	for _, t := range e.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.window = kept
	return len(e.window) >= e.config.RatePerMinute
}

// recordStart appends a subprocess start timestamp to the window.
func (e *Executor) recordStart(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = append(e.window, ts)
}

// WindowCount returns the number of starts in the current sliding window.
func (e *Executor) WindowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	n := 0
	for _, t := range e.window {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (e *Executor) emit(rec Record, requiresApproval bool) {
	telemetry.RecordExecution(string(rec.Mode), rec.Success, time.Duration(rec.DurationMS)*time.Millisecond)
	if e.sink == nil {
		return
	}
	err := e.sink.Append(audit.Record{
		Timestamp:        rec.StartedAt,
		Initiator:        rec.Initiator,
		Command:          rec.Command,
		RiskLevel:        string(rec.RiskLevel),
		Mode:             string(rec.Mode),
		Success:          rec.Success,
		ExitCode:         rec.ExitCode,
		DurationMS:       rec.DurationMS,
		RequiresApproval: requiresApproval,
	})
	if err != nil {
		log.Error().Err(err).Str("command", rec.Command).Msg("Failed to append audit record")
	}
}

func (e *Executor) newID() string {
	e.ulidMu.Lock()
	defer e.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.rng).String()
}
