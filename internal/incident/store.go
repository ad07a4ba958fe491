package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rvachov/helmsman/internal/telemetry"
)

// StoreConfig configures the SQLite incident store.
type StoreConfig struct {
	DataDir       string // Directory for incidents.db
	RetentionDays int    // Days to keep resolved incidents (default: 90, 0 = forever)
}

// Store is the SQLite-backed incident and learning store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the incident database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "incidents.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Incident store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		host_id TEXT,
		service_name TEXT NOT NULL,
		container_name TEXT,
		title TEXT NOT NULL,
		description TEXT,
		detected_at INTEGER NOT NULL,
		acknowledged_at INTEGER,
		resolved_at INTEGER,
		playbook_id TEXT,
		playbook_params TEXT,
		playbook_result TEXT,
		auto_remediated INTEGER NOT NULL DEFAULT 0,
		remediation_attempts INTEGER NOT NULL DEFAULT 0,
		trigger_source TEXT NOT NULL,
		trigger_details TEXT,
		analysis TEXT,
		recommendations TEXT,
		retry_of TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	CREATE INDEX IF NOT EXISTS idx_incidents_service ON incidents(service_name);
	CREATE INDEX IF NOT EXISTS idx_incidents_detected ON incidents(detected_at);

	CREATE TABLE IF NOT EXISTS learning_records (
		pattern_hash TEXT PRIMARY KEY,
		incident_type TEXT NOT NULL,
		service_name TEXT NOT NULL,
		symptoms TEXT,
		successful_playbook TEXT,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		avg_resolution_seconds REAL,
		first_occurrence INTEGER NOT NULL,
		last_occurrence INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS autoremediation_settings (
		playbook_id TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 0,
		max_auto_attempts INTEGER NOT NULL DEFAULT 3,
		cooldown_minutes INTEGER NOT NULL DEFAULT 15,
		approval_above_severity TEXT NOT NULL DEFAULT 'high',
		notify_channels TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (playbook_id, service_name)
	);

	CREATE TABLE IF NOT EXISTS action_records (
		id TEXT PRIMARY KEY,
		action_name TEXT NOT NULL,
		command TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		approval_source TEXT NOT NULL,
		success INTEGER NOT NULL,
		exit_code INTEGER,
		duration_ms INTEGER NOT NULL,
		executed_at INTEGER NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_actions_name ON action_records(action_name);
	CREATE INDEX IF NOT EXISTS idx_actions_executed ON action_records(executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertIncident persists a new incident. An empty ID or status is filled in.
func (s *Store) InsertIncident(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = NewIncidentID(time.Now())
	}
	if inc.Status == "" {
		inc.Status = StatusDetected
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}

	params, err := marshalOrNil(inc.PlaybookParams)
	if err != nil {
		return err
	}
	details, err := marshalOrNil(inc.TriggerDetails)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (
			id, type, severity, status, host_id, service_name, container_name,
			title, description, detected_at, playbook_id, playbook_params,
			auto_remediated, remediation_attempts, trigger_source,
			trigger_details, retry_of
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, string(inc.Type), string(inc.Severity), string(inc.Status),
		inc.HostID, inc.ServiceName, inc.ContainerName, inc.Title,
		inc.Description, inc.DetectedAt.Unix(), inc.PlaybookID, params,
		boolToInt(inc.AutoRemediated), inc.RemediationAttempts,
		inc.TriggerSource, details, inc.RetryOf)
	if err != nil {
		return fmt.Errorf("failed to insert incident %s: %w", inc.ID, err)
	}

	telemetry.RecordIncidentDetected(string(inc.Type), string(inc.Severity))
	log.Info().
		Str("incidentID", inc.ID).
		Str("type", string(inc.Type)).
		Str("severity", string(inc.Severity)).
		Str("service", inc.ServiceName).
		Msg("Incident created")
	return nil
}

// UpdateIncidentStatus moves an incident forward in its lifecycle. Backward
// transitions are rejected. extras are merged into trigger_details.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id string, status Status, notes string, extras map[string]interface{}) error {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(inc.Status, status) {
		return fmt.Errorf("invalid transition %s -> %s for incident %s", inc.Status, status, id)
	}

	var resolvedAt interface{}
	if status == StatusResolved {
		resolvedAt = time.Now().UTC().Unix()
	}

	details := inc.TriggerDetails
	if len(extras) > 0 {
		if details == nil {
			details = make(map[string]interface{})
		}
		for k, v := range extras {
			details[k] = v
		}
	}
	detailsJSON, err := marshalOrNil(details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = ?, playbook_result = CASE WHEN ? != '' THEN ? ELSE playbook_result END,
		    resolved_at = COALESCE(?, resolved_at), trigger_details = ?
		WHERE id = ?`,
		string(status), notes, notes, resolvedAt, detailsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update incident %s: %w", id, err)
	}

	if status.Terminal() && !inc.Status.Terminal() {
		telemetry.RecordIncidentClosed(string(inc.Type))
	}
	log.Info().
		Str("incidentID", id).
		Str("from", string(inc.Status)).
		Str("to", string(status)).
		Msg("Incident status updated")
	return nil
}

// IncrementRemediationAttempts bumps the attempt counter and records the
// playbook used.
func (s *Store) IncrementRemediationAttempts(ctx context.Context, id, playbookID string, params map[string]string) error {
	paramsJSON, err := marshalOrNil(params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE incidents
		SET remediation_attempts = remediation_attempts + 1,
		    playbook_id = ?, playbook_params = ?
		WHERE id = ?`, playbookID, paramsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to record remediation attempt on %s: %w", id, err)
	}
	return nil
}

// SetAnalysis stores the analyzer's recommendation on the incident.
func (s *Store) SetAnalysis(ctx context.Context, id, analysis, recommendations string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET analysis = ?, recommendations = ? WHERE id = ?`,
		analysis, recommendations, id)
	if err != nil {
		return fmt.Errorf("failed to store analysis on %s: %w", id, err)
	}
	return nil
}

// GetIncident fetches one incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, selectIncident+" WHERE id = ?", id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident not found: %s", id)
	}
	return inc, err
}

// IncidentFilter narrows QueryIncidents.
type IncidentFilter struct {
	Status      Status
	Type        Type
	ServiceName string
	Severity    Severity
	Since       time.Time
}

// QueryIncidents returns incidents matching the filter, newest first.
func (s *Store) QueryIncidents(ctx context.Context, filter IncidentFilter, limit int) ([]*Incident, error) {
	query := selectIncident + " WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.ServiceName != "" {
		query += " AND service_name = ?"
		args = append(args, filter.ServiceName)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		query += " AND detected_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	query += " ORDER BY detected_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

const selectIncident = `
	SELECT id, type, severity, status, host_id, service_name, container_name,
	       title, description, detected_at, acknowledged_at, resolved_at,
	       playbook_id, playbook_params, playbook_result, auto_remediated,
	       remediation_attempts, trigger_source, trigger_details, analysis,
	       recommendations, retry_of
	FROM incidents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		inc                                 Incident
		typ, sev, status                    string
		hostID, containerName, description  sql.NullString
		playbookID, playbookResult, retryOf sql.NullString
		analysis, recommendations           sql.NullString
		paramsJSON, detailsJSON             sql.NullString
		detectedAt                          int64
		acknowledgedAt, resolvedAt          sql.NullInt64
		autoRemediated                      int
	)
	err := row.Scan(&inc.ID, &typ, &sev, &status, &hostID, &inc.ServiceName,
		&containerName, &inc.Title, &description, &detectedAt,
		&acknowledgedAt, &resolvedAt, &playbookID, &paramsJSON,
		&playbookResult, &autoRemediated, &inc.RemediationAttempts,
		&inc.TriggerSource, &detailsJSON, &analysis, &recommendations,
		&retryOf)
	if err != nil {
		return nil, err
	}

	inc.Type = Type(typ)
	inc.Severity = Severity(sev)
	inc.Status = Status(status)
	inc.HostID = hostID.String
	inc.ContainerName = containerName.String
	inc.Description = description.String
	inc.PlaybookID = playbookID.String
	inc.PlaybookResult = playbookResult.String
	inc.Analysis = analysis.String
	inc.Recommendations = recommendations.String
	inc.RetryOf = retryOf.String
	inc.AutoRemediated = autoRemediated != 0
	inc.DetectedAt = time.Unix(detectedAt, 0).UTC()
	if acknowledgedAt.Valid {
		t := time.Unix(acknowledgedAt.Int64, 0).UTC()
		inc.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		inc.ResolvedAt = &t
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &inc.PlaybookParams)
	}
	if detailsJSON.Valid && detailsJSON.String != "" {
		_ = json.Unmarshal([]byte(detailsJSON.String), &inc.TriggerDetails)
	}
	return &inc, nil
}

// RecordLearningSuccess updates the learning record for a resolved incident:
// success_count+1, successful playbook, and the running mean resolution time.
func (s *Store) RecordLearningSuccess(ctx context.Context, inc *Incident, playbookID string, resolution time.Duration) error {
	hash := PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	return s.upsertLearning(ctx, hash, inc, func(rec *LearningRecord) {
		rec.SuccessCount++
		rec.SuccessfulPlaybook = playbookID
		seconds := resolution.Seconds()
		if rec.AvgResolutionSeconds == nil {
			rec.AvgResolutionSeconds = &seconds
		} else {
			// Running mean over successful resolutions.
			mean := *rec.AvgResolutionSeconds + (seconds-*rec.AvgResolutionSeconds)/float64(rec.SuccessCount)
			rec.AvgResolutionSeconds = &mean
		}
	})
}

// RecordLearningFailure increments the failure count for the incident's
// symptom pattern.
func (s *Store) RecordLearningFailure(ctx context.Context, inc *Incident) error {
	hash := PatternHash(inc.Type, inc.ServiceName, inc.TriggerSource)
	return s.upsertLearning(ctx, hash, inc, func(rec *LearningRecord) {
		rec.FailureCount++
	})
}

// GetLearningRecord fetches the learning record for a pattern hash.
func (s *Store) GetLearningRecord(ctx context.Context, hash string) (*LearningRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pattern_hash, incident_type, service_name, symptoms,
		       successful_playbook, success_count, failure_count,
		       avg_resolution_seconds, first_occurrence, last_occurrence
		FROM learning_records WHERE pattern_hash = ?`, hash)

	var (
		rec                    LearningRecord
		typ                    string
		symptomsJSON, playbook sql.NullString
		avg                    sql.NullFloat64
		first, last            int64
	)
	err := row.Scan(&rec.PatternHash, &typ, &rec.ServiceName, &symptomsJSON,
		&playbook, &rec.SuccessCount, &rec.FailureCount, &avg, &first, &last)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("learning record not found: %s", hash)
	}
	if err != nil {
		return nil, err
	}
	rec.IncidentType = Type(typ)
	rec.SuccessfulPlaybook = playbook.String
	if avg.Valid {
		rec.AvgResolutionSeconds = &avg.Float64
	}
	if symptomsJSON.Valid && symptomsJSON.String != "" {
		_ = json.Unmarshal([]byte(symptomsJSON.String), &rec.Symptoms)
	}
	rec.FirstOccurrence = time.Unix(first, 0).UTC()
	rec.LastOccurrence = time.Unix(last, 0).UTC()
	return &rec, nil
}

func (s *Store) upsertLearning(ctx context.Context, hash string, inc *Incident, update func(*LearningRecord)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin learning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec := &LearningRecord{
		PatternHash:     hash,
		IncidentType:    inc.Type,
		ServiceName:     inc.ServiceName,
		Symptoms:        inc.TriggerDetails,
		FirstOccurrence: now,
	}

	row := tx.QueryRowContext(ctx, `
		SELECT successful_playbook, success_count, failure_count,
		       avg_resolution_seconds, first_occurrence
		FROM learning_records WHERE pattern_hash = ?`, hash)
	var (
		playbook sql.NullString
		avg      sql.NullFloat64
		first    int64
	)
	switch err := row.Scan(&playbook, &rec.SuccessCount, &rec.FailureCount, &avg, &first); err {
	case nil:
		rec.SuccessfulPlaybook = playbook.String
		if avg.Valid {
			rec.AvgResolutionSeconds = &avg.Float64
		}
		rec.FirstOccurrence = time.Unix(first, 0).UTC()
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("failed to read learning record: %w", err)
	}

	update(rec)
	rec.LastOccurrence = now

	symptomsJSON, err := marshalOrNil(rec.Symptoms)
	if err != nil {
		return err
	}
	var avgOut interface{}
	if rec.AvgResolutionSeconds != nil {
		avgOut = *rec.AvgResolutionSeconds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO learning_records (
			pattern_hash, incident_type, service_name, symptoms,
			successful_playbook, success_count, failure_count,
			avg_resolution_seconds, first_occurrence, last_occurrence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_hash) DO UPDATE SET
			successful_playbook = excluded.successful_playbook,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			avg_resolution_seconds = excluded.avg_resolution_seconds,
			last_occurrence = excluded.last_occurrence`,
		rec.PatternHash, string(rec.IncidentType), rec.ServiceName,
		symptomsJSON, rec.SuccessfulPlaybook, rec.SuccessCount,
		rec.FailureCount, avgOut, rec.FirstOccurrence.Unix(),
		rec.LastOccurrence.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert learning record: %w", err)
	}

	return tx.Commit()
}

// UpsertAutoRemediationSetting stores the autonomy policy for a
// (playbook, service) pair.
func (s *Store) UpsertAutoRemediationSetting(ctx context.Context, set AutoRemediationSetting) error {
	channels, err := marshalOrNil(set.NotifyChannels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autoremediation_settings (
			playbook_id, service_name, enabled, max_auto_attempts,
			cooldown_minutes, approval_above_severity, notify_channels, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(playbook_id, service_name) DO UPDATE SET
			enabled = excluded.enabled,
			max_auto_attempts = excluded.max_auto_attempts,
			cooldown_minutes = excluded.cooldown_minutes,
			approval_above_severity = excluded.approval_above_severity,
			notify_channels = excluded.notify_channels,
			updated_at = excluded.updated_at`,
		set.PlaybookID, set.ServiceName, boolToInt(set.Enabled),
		set.MaxAutoAttempts, set.CooldownMinutes,
		string(set.ApprovalAboveSeverity), channels,
		time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert auto-remediation setting: %w", err)
	}
	return nil
}

// GetAutoRemediationSetting returns the setting for a pair, or nil when none
// is configured.
func (s *Store) GetAutoRemediationSetting(ctx context.Context, playbookID, service string) (*AutoRemediationSetting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT playbook_id, service_name, enabled, max_auto_attempts,
		       cooldown_minutes, approval_above_severity, notify_channels, updated_at
		FROM autoremediation_settings
		WHERE playbook_id = ? AND service_name = ?`, playbookID, service)

	var (
		set      AutoRemediationSetting
		enabled  int
		sev      string
		channels sql.NullString
		updated  int64
	)
	err := row.Scan(&set.PlaybookID, &set.ServiceName, &enabled,
		&set.MaxAutoAttempts, &set.CooldownMinutes, &sev, &channels, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	set.Enabled = enabled != 0
	set.ApprovalAboveSeverity = Severity(sev)
	set.UpdatedAt = time.Unix(updated, 0).UTC()
	if channels.Valid && channels.String != "" {
		_ = json.Unmarshal([]byte(channels.String), &set.NotifyChannels)
	}
	return &set, nil
}

// InsertAction persists one autonomous execution record.
func (s *Store) InsertAction(ctx context.Context, rec ActionRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	metadata, err := marshalOrNil(rec.Metadata)
	if err != nil {
		return err
	}
	var exitCode interface{}
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_records (
			id, action_name, command, risk_level, approval_source, success,
			exit_code, duration_ms, executed_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ActionName, rec.Command, rec.RiskLevel,
		rec.ApprovalSource, boolToInt(rec.Success), exitCode,
		rec.DurationMS, rec.ExecutedAt.Unix(), metadata)
	if err != nil {
		return fmt.Errorf("failed to insert action record: %w", err)
	}
	return nil
}

// RecentActions returns execution records since the given time, newest
// first. A limit of zero or less defaults to 500.
func (s *Store) RecentActions(ctx context.Context, since time.Time, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_name, command, risk_level, approval_source, success,
		       exit_code, duration_ms, executed_at, metadata
		FROM action_records
		WHERE executed_at >= ?
		ORDER BY executed_at DESC
		LIMIT ?`, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action records: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var (
			rec      ActionRecord
			success  int
			exitCode sql.NullInt64
			executed int64
			metadata sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ActionName, &rec.Command, &rec.RiskLevel,
			&rec.ApprovalSource, &success, &exitCode, &rec.DurationMS,
			&executed, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		rec.Success = success != 0
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.ExecutedAt = time.Unix(executed, 0).UTC()
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneResolved deletes resolved incidents older than the retention window.
func (s *Store) PruneResolved(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM incidents WHERE status = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(StatusResolved), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune incidents: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("pruned", n).Msg("Old resolved incidents pruned")
	}
	return n, nil
}

func marshalOrNil(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
