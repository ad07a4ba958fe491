// Package approval tracks operator approvals for commands and playbooks.
// A granted approval is a single-use token bound to the exact command it was
// requested for; redeeming it for any other command fails.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/telemetry"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is one command awaiting operator approval.
type Request struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	ActionName  string     `json:"action_name,omitempty"`
	IncidentID  string     `json:"incident_id,omitempty"`
	Initiator   string     `json:"initiator"`
	Reason      string     `json:"reason,omitempty"`
	RiskLevel   string     `json:"risk_level,omitempty"`
	Status      Status     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DenyReason  string     `json:"deny_reason,omitempty"`
	// CommandHash binds the approval to the exact command text.
	CommandHash string `json:"command_hash"`
	// Consumed marks the token as spent.
	Consumed bool `json:"consumed,omitempty"`
}

// StoreConfig configures the approval store.
type StoreConfig struct {
	DataDir        string
	DefaultTimeout time.Duration // Default 5 minutes
	MaxPending     int           // Default 100
	// DisablePersistence skips load/save for in-memory use (tests).
	DisablePersistence bool
}

// Store manages approval requests. Safe for concurrent use.
type Store struct {
	mu             sync.RWMutex
	requests       map[string]*Request
	dataDir        string
	defaultTimeout time.Duration
	maxPending     int
	persist        bool
	saveTimer      *time.Timer
	savePending    bool
}

// NewStore creates an approval store, loading any persisted requests.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" && !cfg.DisablePersistence {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 100
	}

	s := &Store{
		requests:       make(map[string]*Request),
		dataDir:        cfg.DataDir,
		defaultTimeout: cfg.DefaultTimeout,
		maxPending:     cfg.MaxPending,
		persist:        !cfg.DisablePersistence,
	}

	if s.persist {
		if err := s.load(); err != nil {
			log.Warn().Err(err).Msg("Failed to load approval data, starting fresh")
		}
	}

	return s, nil
}

// Create registers a new pending request and returns its token.
func (s *Store) Create(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, r := range s.requests {
		if r.Status == StatusPending {
			pending++
		}
	}
	if pending >= s.maxPending {
		return fmt.Errorf("maximum pending approvals (%d) reached", s.maxPending)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = StatusPending
	req.RequestedAt = time.Now()
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.RequestedAt.Add(s.defaultTimeout)
	}
	req.CommandHash = CommandHash(req.Command)

	s.requests[req.ID] = req
	s.scheduleSave()
	s.updatePendingGauge()

	log.Info().
		Str("id", req.ID).
		Str("command", truncate(req.Command, 50)).
		Str("initiator", req.Initiator).
		Msg("Approval request created")
	return nil
}

// Get returns a request by token.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	if req.Status == StatusPending && time.Now().After(req.ExpiresAt) {
		// Cleanup will persist the expiry; report it immediately.
		cp := *req
		cp.Status = StatusExpired
		return &cp, true
	}
	return req, true
}

// Pending lists all currently pending, unexpired requests.
func (s *Store) Pending() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending && now.Before(req.ExpiresAt) {
			out = append(out, req)
		}
	}
	return out
}

// Approve grants a pending request. Idempotent for already-approved requests.
func (s *Store) Approve(id, operator string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status == StatusApproved {
		return req, nil
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval request is not pending (status: %s)", req.Status)
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		s.scheduleSave()
		return nil, fmt.Errorf("approval request %s has expired", id)
	}

	now := time.Now()
	req.Status = StatusApproved
	req.DecidedAt = &now
	req.DecidedBy = operator
	s.scheduleSave()
	s.updatePendingGauge()
	telemetry.RecordApprovalDecided(string(StatusApproved))

	log.Info().Str("id", id).Str("by", operator).Msg("Approval granted")
	return req, nil
}

// Deny refuses a pending request.
func (s *Store) Deny(id, operator, reason string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval request is not pending (status: %s)", req.Status)
	}

	now := time.Now()
	req.Status = StatusDenied
	req.DecidedAt = &now
	req.DecidedBy = operator
	req.DenyReason = reason
	s.scheduleSave()
	s.updatePendingGauge()
	telemetry.RecordApprovalDecided(string(StatusDenied))

	log.Info().Str("id", id).Str("by", operator).Str("reason", reason).Msg("Approval denied")
	return req, nil
}

// Consume redeems an approved token for the given command. The token must be
// approved, unexpired, unspent, and hashed to the same command text. This
// satisfies the executor's approval gate contract.
func (s *Store) Consume(id, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status != StatusApproved {
		return fmt.Errorf("approval request is not approved (status: %s)", req.Status)
	}
	if req.Consumed {
		return fmt.Errorf("approval request %s has already been consumed", id)
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		s.scheduleSave()
		return fmt.Errorf("approval request %s has expired", id)
	}
	if req.CommandHash != CommandHash(command) {
		log.Warn().
			Str("id", id).
			Str("command", truncate(command, 50)).
			Msg("Approval command hash mismatch, possible replay")
		return fmt.Errorf("approval was granted for a different command")
	}

	req.Consumed = true
	s.scheduleSave()

	log.Info().Str("id", id).Str("command", truncate(command, 50)).Msg("Approval consumed")
	return nil
}

// CleanupExpired expires stale pending requests and drops decided requests
// older than 24 hours. Returns the number touched.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for _, req := range s.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			telemetry.RecordApprovalDecided(string(StatusExpired))
			cleaned++
		}
	}
	cutoff := now.Add(-24 * time.Hour)
	for id, req := range s.requests {
		if req.Status != StatusPending && req.DecidedAt != nil && req.DecidedAt.Before(cutoff) {
			delete(s.requests, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.scheduleSave()
		s.updatePendingGauge()
	}
	return cleaned
}

// updatePendingGauge recounts pending requests. Caller holds s.mu.
func (s *Store) updatePendingGauge() {
	pending := 0
	for _, req := range s.requests {
		if req.Status == StatusPending {
			pending++
		}
	}
	telemetry.ApprovalsPending.Set(float64(pending))
}

// StartCleanup runs periodic expiry until the context is cancelled.
func (s *Store) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.CleanupExpired(); n > 0 {
					log.Debug().Int("count", n).Msg("Expired approval requests cleaned up")
				}
			}
		}
	}()
}

// Stats returns per-status counts.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{"pending": 0, "approved": 0, "denied": 0, "expired": 0}
	for _, req := range s.requests {
		switch req.Status {
		case StatusPending:
			stats["pending"]++
		case StatusApproved:
			stats["approved"]++
		case StatusDenied:
			stats["denied"]++
		case StatusExpired:
			stats["expired"]++
		}
	}
	return stats
}

// Persistence

func (s *Store) file() string {
	return filepath.Join(s.dataDir, "approvals.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.file())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var requests []*Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return err
	}
	for _, r := range requests {
		s.requests[r.ID] = r
	}
	return nil
}

// scheduleSave debounces writes: at most one per 5 seconds.
// Must be called while s.mu is held.
func (s *Store) scheduleSave() {
	if !s.persist || s.savePending {
		return
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(5*time.Second, func() {
		s.mu.Lock()
		s.savePending = false
		requests := make([]*Request, 0, len(s.requests))
		for _, r := range s.requests {
			requests = append(requests, r)
		}
		s.mu.Unlock()

		data, err := json.MarshalIndent(requests, "", "  ")
		if err != nil {
			return
		}
		if err := os.WriteFile(s.file(), data, 0600); err != nil {
			log.Error().Err(err).Msg("Failed to save approval requests")
		}
	})
}

// Flush writes immediately, cancelling any pending debounced save. For
// shutdown paths.
func (s *Store) Flush() {
	if !s.persist {
		return
	}
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = false
	requests := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		requests = append(requests, r)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(requests, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.file(), data, 0600); err != nil {
		log.Error().Err(err).Msg("Failed to save approval requests")
	}
}

// CommandHash binds an approval to the exact command text.
func CommandHash(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
