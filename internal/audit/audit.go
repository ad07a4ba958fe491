// Package audit provides the append-only execution audit trail. The executor
// emits exactly one record per call; sinks decide durability. The file sink
// writes line-delimited JSON so the trail can be tailed and shipped without
// tooling.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is one audit log entry, one JSON object per line.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	Initiator        string    `json:"initiator"`
	Command          string    `json:"command"`
	RiskLevel        string    `json:"risk_level"`
	Mode             string    `json:"mode"`
	Success          bool      `json:"success"`
	ExitCode         *int      `json:"exit_code"`
	DurationMS       int64     `json:"duration_ms"`
	RequiresApproval bool      `json:"requires_approval"`
}

// Sink receives audit records. Append may buffer but must not lose records
// on graceful shutdown; call Close before exiting.
type Sink interface {
	Append(rec Record) error
	Close() error
}

// FileSink appends records to a single JSONL file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	log.Info().Str("path", path).Msg("Audit log opened")
	return &FileSink{file: f, path: path}, nil
}

// Append writes one record as a single JSON line. Records are written in
// completion order under the sink lock.
func (s *FileSink) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to sync audit log")
	}
	return s.file.Close()
}

// MemorySink keeps records in memory. Used by tests and dry wiring.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the record.
func (s *MemorySink) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op for the memory sink.
func (s *MemorySink) Close() error { return nil }
