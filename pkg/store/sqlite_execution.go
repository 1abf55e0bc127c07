package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteExecutionStore is a dependency-free ExecutionStore for local
// development and the CLI's `execute` subcommand, grounded on the
// teacher's SQLiteReceiptStore migrate-on-construct pattern.
type SQLiteExecutionStore struct {
	db *sql.DB
}

func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			script_id TEXT,
			tenant_id TEXT,
			invoker_id TEXT,
			trigger TEXT,
			context JSON,
			status TEXT,
			started_at DATETIME,
			ended_at DATETIME,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			peak_memory_bytes INTEGER NOT NULL DEFAULT 0,
			cpu_time_ms INTEGER NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			callback_count INTEGER NOT NULL DEFAULT 0,
			security_flags JSON NOT NULL DEFAULT '[]',
			created_at DATETIME,
			updated_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS execution_callbacks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			method TEXT NOT NULL,
			params JSON,
			called_at DATETIME
		);
	`)
	return err
}

func (s *SQLiteExecutionStore) Create(ctx context.Context, log *ExecutionLog) error {
	if log.Status == "" {
		log.Status = StatusPending
	}
	now := time.Now().UTC()
	log.CreatedAt = now
	log.UpdatedAt = now
	if log.StartedAt.IsZero() {
		log.StartedAt = now
	}
	ctxJSON, _ := json.Marshal(log.Context)
	flagsJSON, _ := json.Marshal(log.SecurityFlags)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, script_id, tenant_id, invoker_id, trigger, context, status,
			started_at, execution_time_ms, peak_memory_bytes, cpu_time_ms,
			output, error_message, callback_count, security_flags, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, log.ID, log.ScriptID, log.TenantID, log.InvokerID, string(log.Trigger), string(ctxJSON), string(log.Status),
		formatTime(log.StartedAt), log.ResourceUsage.ExecutionTimeMS, log.ResourceUsage.PeakMemoryBytes,
		log.ResourceUsage.CPUTimeMS, log.Output, log.ErrorMessage, log.CallbackCount, string(flagsJSON),
		formatTime(log.CreatedAt), formatTime(log.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert execution log: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, tenant_id, invoker_id, trigger, context, status, started_at, ended_at,
			execution_time_ms, peak_memory_bytes, cpu_time_ms, output, error_message, callback_count,
			security_flags, created_at, updated_at
		FROM execution_logs WHERE id = ?
	`, id)
	return scanSQLiteExecutionLog(row)
}

func scanSQLiteExecutionLog(row *sql.Row) (*ExecutionLog, error) {
	var log ExecutionLog
	var trigger, status, ctxJSON, flagsJSON, startedAt, createdAt, updatedAt string
	var endedAt, errMessage sql.NullString

	err := row.Scan(&log.ID, &log.ScriptID, &log.TenantID, &log.InvokerID, &trigger, &ctxJSON, &status,
		&startedAt, &endedAt, &log.ResourceUsage.ExecutionTimeMS, &log.ResourceUsage.PeakMemoryBytes,
		&log.ResourceUsage.CPUTimeMS, &log.Output, &errMessage, &log.CallbackCount, &flagsJSON,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("store: scan execution log: %w", err)
	}
	log.Trigger = Trigger(trigger)
	log.Status = Status(status)
	log.ErrorMessage = errMessage.String
	log.StartedAt = parseTimeOrZero(startedAt)
	log.CreatedAt = parseTimeOrZero(createdAt)
	log.UpdatedAt = parseTimeOrZero(updatedAt)
	if endedAt.Valid && endedAt.String != "" {
		t := parseTimeOrZero(endedAt.String)
		log.EndedAt = &t
	}
	if ctxJSON != "" {
		_ = json.Unmarshal([]byte(ctxJSON), &log.Context)
	}
	if flagsJSON != "" {
		_ = json.Unmarshal([]byte(flagsJSON), &log.SecurityFlags)
	}
	return &log, nil
}

func (s *SQLiteExecutionStore) TransitionToRunning(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM execution_logs WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: select execution log: %w", err)
	}
	if !validTransition(Status(status), StatusRunning) {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusRunning), formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteExecutionStore) Complete(ctx context.Context, id string, status Status, output, errMessage string, usage ResourceUsage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current, existingOutput string
	if err := tx.QueryRowContext(ctx, `SELECT status, output FROM execution_logs WHERE id = ?`, id).Scan(&current, &existingOutput); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: select execution log: %w", err)
	}
	if Status(current).IsTerminal() {
		return nil
	}
	if !validTransition(Status(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	if output != "" {
		tmp := ExecutionLog{Output: existingOutput}
		tmp.AppendOutput(output)
		existingOutput = tmp.Output
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = ?, ended_at = ?, execution_time_ms = ?, peak_memory_bytes = ?, cpu_time_ms = ?,
			output = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, string(status), formatTime(now), usage.ExecutionTimeMS, usage.PeakMemoryBytes, usage.CPUTimeMS,
		existingOutput, errMessage, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: complete execution log: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteExecutionStore) AppendOutput(ctx context.Context, id, line string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT output FROM execution_logs WHERE id = ?`, id).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: select execution log: %w", err)
	}
	tmp := ExecutionLog{Output: existing}
	tmp.AppendOutput(line)
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET output = ?, updated_at = ? WHERE id = ?`,
		tmp.Output, formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("store: append output: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteExecutionStore) AppendSecurityFlag(ctx context.Context, id string, flag SecurityFlag) error {
	if flag.At.IsZero() {
		flag.At = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT security_flags FROM execution_logs WHERE id = ?`, id).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: select execution log: %w", err)
	}
	var flags []SecurityFlag
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &flags)
	}
	flags = append(flags, flag)
	updated, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("store: marshal security flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET security_flags = ?, updated_at = ? WHERE id = ?`,
		string(updated), formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("store: append security flag: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteExecutionStore) IncrementCallbackCount(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT status, callback_count FROM execution_logs WHERE id = ?`, id).Scan(&status, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrExecutionNotFound
		}
		return 0, fmt.Errorf("store: select execution log: %w", err)
	}
	count++
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET callback_count = ?, updated_at = ? WHERE id = ?`,
		count, formatTime(time.Now().UTC()), id); err != nil {
		return 0, fmt.Errorf("store: increment callback count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if Status(status) != StatusRunning {
		return count, ErrExecutionNotActive
	}
	return count, nil
}

func (s *SQLiteExecutionStore) AppendCallback(ctx context.Context, id, namespace, method string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("store: marshal callback params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_callbacks (execution_id, namespace, method, params, called_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, namespace, method, string(paramsJSON), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: insert callback: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) ListRunning(ctx context.Context) ([]*ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, tenant_id, invoker_id, trigger, context, status, started_at, ended_at,
			execution_time_ms, peak_memory_bytes, cpu_time_ms, output, error_message, callback_count,
			security_flags, created_at, updated_at
		FROM execution_logs WHERE status = 'running'
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list running: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionLog
	for rows.Next() {
		var log ExecutionLog
		var trigger, status, ctxJSON, flagsJSON, startedAt, createdAt, updatedAt string
		var endedAt, errMessage sql.NullString
		if err := rows.Scan(&log.ID, &log.ScriptID, &log.TenantID, &log.InvokerID, &trigger, &ctxJSON, &status,
			&startedAt, &endedAt, &log.ResourceUsage.ExecutionTimeMS, &log.ResourceUsage.PeakMemoryBytes,
			&log.ResourceUsage.CPUTimeMS, &log.Output, &errMessage, &log.CallbackCount, &flagsJSON,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan running row: %w", err)
		}
		log.Trigger = Trigger(trigger)
		log.Status = Status(status)
		log.ErrorMessage = errMessage.String
		log.StartedAt = parseTimeOrZero(startedAt)
		log.CreatedAt = parseTimeOrZero(createdAt)
		log.UpdatedAt = parseTimeOrZero(updatedAt)
		if endedAt.Valid && endedAt.String != "" {
			t := parseTimeOrZero(endedAt.String)
			log.EndedAt = &t
		}
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &log.Context)
		}
		if flagsJSON != "" {
			_ = json.Unmarshal([]byte(flagsJSON), &log.SecurityFlags)
		}
		out = append(out, &log)
	}
	return out, rows.Err()
}

func (s *SQLiteExecutionStore) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, execution_time_ms FROM execution_logs
		WHERE tenant_id = ? AND started_at >= ? AND status IN ('success','failed','killed','timeout')
	`, tenantID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{}
	var durations []int64
	for rows.Next() {
		var status string
		var durationMS int64
		if err := rows.Scan(&status, &durationMS); err != nil {
			return nil, fmt.Errorf("store: scan stats row: %w", err)
		}
		stats.Total++
		switch Status(status) {
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusKilled:
			stats.Killed++
		case StatusTimeout:
			stats.TimedOut++
		}
		durations = append(durations, durationMS)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50Millis = percentile(durations, 0.50)
	stats.P95Millis = percentile(durations, 0.95)
	stats.P99Millis = percentile(durations, 0.99)
	return stats, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimeOrZero mirrors the teacher's dual RFC3339Nano/RFC3339 fallback
// for timestamps written by older SQLite driver versions.
func parseTimeOrZero(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
