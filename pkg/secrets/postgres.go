package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend persists secrets to a `secrets` table, grounded on the
// credentials store's encrypted-upsert pattern.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an existing *sql.DB. Schema is expected to be
// migrated out of band (see migrations/).
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Upsert(ctx context.Context, tenantID, key, ciphertext string, meta Metadata) error {
	historyJSON, err := json.Marshal(meta.AccessHistory)
	if err != nil {
		return fmt.Errorf("secrets: marshal access history: %w", err)
	}

	const query = `
		INSERT INTO secrets (tenant_id, key, ciphertext, type, active, rotation_count, expires_at, last_used_at, access_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			type = EXCLUDED.type,
			active = EXCLUDED.active,
			rotation_count = EXCLUDED.rotation_count,
			expires_at = EXCLUDED.expires_at,
			last_used_at = EXCLUDED.last_used_at,
			access_history = EXCLUDED.access_history,
			updated_at = EXCLUDED.updated_at
	`
	_, err = b.db.ExecContext(ctx, query,
		tenantID, key, ciphertext, meta.Type, meta.Active, meta.RotationCount,
		meta.ExpiresAt, meta.LastUsedAt, string(historyJSON), meta.UpdatedAt,
	)
	return err
}

func (b *PostgresBackend) GetCiphertext(ctx context.Context, tenantID, key string) (string, Metadata, bool, error) {
	const query = `
		SELECT ciphertext, type, active, rotation_count, expires_at, last_used_at, access_history, created_at, updated_at
		FROM secrets WHERE tenant_id = $1 AND key = $2
	`
	var ciphertext string
	var meta Metadata
	var historyJSON sql.NullString

	err := b.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&ciphertext, &meta.Type, &meta.Active, &meta.RotationCount,
		&meta.ExpiresAt, &meta.LastUsedAt, &historyJSON, &meta.CreatedAt, &meta.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", Metadata{}, false, nil
	}
	if err != nil {
		return "", Metadata{}, false, err
	}

	if historyJSON.Valid {
		_ = json.Unmarshal([]byte(historyJSON.String), &meta.AccessHistory)
	}
	meta.TenantID = tenantID
	meta.Key = key
	return ciphertext, meta, true, nil
}

func (b *PostgresBackend) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	const query = `
		SELECT key, type, active, rotation_count, expires_at, last_used_at, access_history, created_at, updated_at
		FROM secrets WHERE tenant_id = $1 ORDER BY key
	`
	rows, err := b.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var meta Metadata
		var historyJSON sql.NullString
		if err := rows.Scan(&meta.Key, &meta.Type, &meta.Active, &meta.RotationCount,
			&meta.ExpiresAt, &meta.LastUsedAt, &historyJSON, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, err
		}
		if historyJSON.Valid {
			_ = json.Unmarshal([]byte(historyJSON.String), &meta.AccessHistory)
		}
		meta.TenantID = tenantID
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) UpdateMetadata(ctx context.Context, tenantID, key string, meta Metadata) error {
	historyJSON, err := json.Marshal(meta.AccessHistory)
	if err != nil {
		return fmt.Errorf("secrets: marshal access history: %w", err)
	}
	const query = `
		UPDATE secrets SET last_used_at = $3, access_history = $4, updated_at = $5
		WHERE tenant_id = $1 AND key = $2
	`
	_, err = b.db.ExecContext(ctx, query, tenantID, key, meta.LastUsedAt, string(historyJSON), meta.UpdatedAt)
	return err
}

func (b *PostgresBackend) Deactivate(ctx context.Context, tenantID, key string) error {
	const query = `UPDATE secrets SET active = false, updated_at = now() WHERE tenant_id = $1 AND key = $2`
	_, err := b.db.ExecContext(ctx, query, tenantID, key)
	return err
}

func (b *PostgresBackend) ListExpired(ctx context.Context, asOf time.Time) ([]Metadata, error) {
	const query = `
		SELECT tenant_id, key, type, active, rotation_count, expires_at, last_used_at, access_history, created_at, updated_at
		FROM secrets WHERE active = true AND expires_at IS NOT NULL AND expires_at < $1
	`
	rows, err := b.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var meta Metadata
		var historyJSON sql.NullString
		if err := rows.Scan(&meta.TenantID, &meta.Key, &meta.Type, &meta.Active, &meta.RotationCount,
			&meta.ExpiresAt, &meta.LastUsedAt, &historyJSON, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, err
		}
		if historyJSON.Valid {
			_ = json.Unmarshal([]byte(historyJSON.String), &meta.AccessHistory)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}
