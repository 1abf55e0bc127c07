package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PostgresExecutionStore is the production ExecutionStore, using
// SELECT ... FOR UPDATE to serialize status transitions per row, grounded
// in the teacher's postgres_ledger.go lease/claim pattern.
type PostgresExecutionStore struct {
	db *sql.DB
}

func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

const postgresExecutionSchema = `
CREATE TABLE IF NOT EXISTS execution_logs (
	id TEXT PRIMARY KEY,
	script_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	invoker_id TEXT NOT NULL,
	trigger TEXT NOT NULL,
	context JSONB,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	peak_memory_bytes BIGINT NOT NULL DEFAULT 0,
	cpu_time_ms BIGINT NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	callback_count INTEGER NOT NULL DEFAULT 0,
	security_flags JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_tenant_created ON execution_logs (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_execution_logs_script_created ON execution_logs (script_id, created_at);
CREATE INDEX IF NOT EXISTS idx_execution_logs_status ON execution_logs (status) WHERE status = 'running';
CREATE TABLE IF NOT EXISTS execution_callbacks (
	id BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES execution_logs (id),
	namespace TEXT NOT NULL,
	method TEXT NOT NULL,
	params JSONB,
	called_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_callbacks_execution ON execution_callbacks (execution_id, called_at);
`

func (s *PostgresExecutionStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresExecutionSchema)
	return err
}

func (s *PostgresExecutionStore) Create(ctx context.Context, log *ExecutionLog) error {
	if log.Status == "" {
		log.Status = StatusPending
	}
	now := time.Now().UTC()
	log.CreatedAt = now
	log.UpdatedAt = now
	if log.StartedAt.IsZero() {
		log.StartedAt = now
	}
	ctxJSON, err := json.Marshal(log.Context)
	if err != nil {
		return fmt.Errorf("store: marshal context: %w", err)
	}
	flagsJSON, err := json.Marshal(log.SecurityFlags)
	if err != nil {
		return fmt.Errorf("store: marshal security flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, script_id, tenant_id, invoker_id, trigger, context, status,
			started_at, execution_time_ms, peak_memory_bytes, cpu_time_ms,
			output, error_message, callback_count, security_flags, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, log.ID, log.ScriptID, log.TenantID, log.InvokerID, string(log.Trigger), ctxJSON, string(log.Status),
		log.StartedAt, log.ResourceUsage.ExecutionTimeMS, log.ResourceUsage.PeakMemoryBytes, log.ResourceUsage.CPUTimeMS,
		log.Output, log.ErrorMessage, log.CallbackCount, flagsJSON, log.CreatedAt, log.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert execution log: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, id string) (*ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, tenant_id, invoker_id, trigger, context, status, started_at, ended_at,
			execution_time_ms, peak_memory_bytes, cpu_time_ms, output, error_message, callback_count,
			security_flags, created_at, updated_at
		FROM execution_logs WHERE id = $1
	`, id)
	return scanExecutionLog(row)
}

func scanExecutionLog(row *sql.Row) (*ExecutionLog, error) {
	var log ExecutionLog
	var trigger, status string
	var ctxJSON, flagsJSON []byte
	var endedAt sql.NullTime
	var errMessage sql.NullString

	err := row.Scan(&log.ID, &log.ScriptID, &log.TenantID, &log.InvokerID, &trigger, &ctxJSON, &status,
		&log.StartedAt, &endedAt, &log.ResourceUsage.ExecutionTimeMS, &log.ResourceUsage.PeakMemoryBytes,
		&log.ResourceUsage.CPUTimeMS, &log.Output, &errMessage, &log.CallbackCount, &flagsJSON,
		&log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("store: scan execution log: %w", err)
	}
	log.Trigger = Trigger(trigger)
	log.Status = Status(status)
	log.ErrorMessage = errMessage.String
	if endedAt.Valid {
		t := endedAt.Time
		log.EndedAt = &t
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &log.Context)
	}
	if len(flagsJSON) > 0 {
		_ = json.Unmarshal(flagsJSON, &log.SecurityFlags)
	}
	return &log, nil
}

// TransitionToRunning performs the pending->running CAS inside a
// row-locking transaction, grounded on the teacher's AcquireLease pattern.
func (s *PostgresExecutionStore) TransitionToRunning(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM execution_logs WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: lock execution log: %w", err)
	}
	if !validTransition(Status(status), StatusRunning) {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(StatusRunning), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresExecutionStore) Complete(ctx context.Context, id string, status Status, output, errMessage string, usage ResourceUsage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current, existingOutput string
	if err := tx.QueryRowContext(ctx, `SELECT status, output FROM execution_logs WHERE id = $1 FOR UPDATE`, id).Scan(&current, &existingOutput); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: lock execution log: %w", err)
	}
	if Status(current).IsTerminal() {
		return nil // idempotent terminal write
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
		SET status = $1, ended_at = $2, execution_time_ms = $3, peak_memory_bytes = $4, cpu_time_ms = $5,
			output = $6, error_message = $7, updated_at = $8
		WHERE id = $9
	`, string(status), now, usage.ExecutionTimeMS, usage.PeakMemoryBytes, usage.CPUTimeMS, existingOutput, errMessage, now, id)
	if err != nil {
		return fmt.Errorf("store: complete execution log: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresExecutionStore) AppendOutput(ctx context.Context, id, line string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT output FROM execution_logs WHERE id = $1 FOR UPDATE`, id).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: lock execution log: %w", err)
	}
	tmp := ExecutionLog{Output: existing}
	tmp.AppendOutput(line)
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET output = $1, updated_at = $2 WHERE id = $3`,
		tmp.Output, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("store: append output: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresExecutionStore) AppendSecurityFlag(ctx context.Context, id string, flag SecurityFlag) error {
	if flag.At.IsZero() {
		flag.At = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing []byte
	if err := tx.QueryRowContext(ctx, `SELECT security_flags FROM execution_logs WHERE id = $1 FOR UPDATE`, id).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("store: lock execution log: %w", err)
	}
	var flags []SecurityFlag
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &flags)
	}
	flags = append(flags, flag)
	updated, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("store: marshal security flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE execution_logs SET security_flags = $1, updated_at = $2 WHERE id = $3`,
		updated, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("store: append security flag: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresExecutionStore) IncrementCallbackCount(ctx context.Context, id string) (int, error) {
	var status string
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE execution_logs SET callback_count = callback_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING status, callback_count
	`, time.Now().UTC(), id).Scan(&status, &count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrExecutionNotFound
		}
		return 0, fmt.Errorf("store: increment callback count: %w", err)
	}
	if Status(status) != StatusRunning {
		return count, ErrExecutionNotActive
	}
	return count, nil
}

func (s *PostgresExecutionStore) AppendCallback(ctx context.Context, id, namespace, method string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("store: marshal callback params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_callbacks (execution_id, namespace, method, params, called_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, namespace, method, paramsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert callback: %w", err)
	}
	return nil
}

// ListRunning uses SKIP LOCKED so the Watchdog's poll never blocks on a
// row another goroutine is mid-transition on, grounded on the teacher's
// AcquireNextPending query shape.
func (s *PostgresExecutionStore) ListRunning(ctx context.Context) ([]*ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, tenant_id, invoker_id, trigger, context, status, started_at, ended_at,
			execution_time_ms, peak_memory_bytes, cpu_time_ms, output, error_message, callback_count,
			security_flags, created_at, updated_at
		FROM execution_logs WHERE status = 'running' FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list running: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionLog
	for rows.Next() {
		var log ExecutionLog
		var trigger, status string
		var ctxJSON, flagsJSON []byte
		var endedAt sql.NullTime
		var errMessage sql.NullString
		if err := rows.Scan(&log.ID, &log.ScriptID, &log.TenantID, &log.InvokerID, &trigger, &ctxJSON, &status,
			&log.StartedAt, &endedAt, &log.ResourceUsage.ExecutionTimeMS, &log.ResourceUsage.PeakMemoryBytes,
			&log.ResourceUsage.CPUTimeMS, &log.Output, &errMessage, &log.CallbackCount, &flagsJSON,
			&log.CreatedAt, &log.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan running row: %w", err)
		}
		log.Trigger = Trigger(trigger)
		log.Status = Status(status)
		log.ErrorMessage = errMessage.String
		if endedAt.Valid {
			t := endedAt.Time
			log.EndedAt = &t
		}
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &log.Context)
		}
		if len(flagsJSON) > 0 {
			_ = json.Unmarshal(flagsJSON, &log.SecurityFlags)
		}
		out = append(out, &log)
	}
	return out, rows.Err()
}

func (s *PostgresExecutionStore) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, execution_time_ms FROM execution_logs
		WHERE tenant_id = $1 AND started_at >= $2 AND status IN ('success','failed','killed','timeout')
	`, tenantID, since)
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
