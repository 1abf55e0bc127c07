package scripts

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists Scripts and their ScriptVersions.
type Store interface {
	CreateScript(ctx context.Context, s *Script) error
	GetScript(ctx context.Context, id string) (*Script, error)
	SetActive(ctx context.Context, id string, active bool) error

	CreateVersion(ctx context.Context, scriptID, source, createdBy string) (*ScriptVersion, error)
	GetVersion(ctx context.Context, scriptID string, version int) (*ScriptVersion, error)
	LatestApproved(ctx context.Context, scriptID string) (*ScriptVersion, error)
	SetApproval(ctx context.Context, scriptID string, version int, status ApprovalStatus, securityScore int) error
	// Rollback creates a new version whose source equals an earlier one.
	Rollback(ctx context.Context, scriptID string, toVersion int, createdBy string) (*ScriptVersion, error)
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	scripts  map[string]*Script
	versions map[string][]*ScriptVersion // scriptID -> versions, ascending
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts:  make(map[string]*Script),
		versions: make(map[string][]*ScriptVersion),
	}
}

func (s *MemoryStore) CreateScript(_ context.Context, sc *Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	sc.CreatedAt = time.Now().UTC()
	sc.UpdatedAt = sc.CreatedAt
	s.scripts[sc.ID] = sc
	return nil
}

func (s *MemoryStore) GetScript(_ context.Context, id string) (*Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("scripts: %q not found", id)
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return fmt.Errorf("scripts: %q not found", id)
	}
	sc.Active = active
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateVersion(_ context.Context, scriptID, source, createdBy string) (*ScriptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[scriptID]; !ok {
		return nil, fmt.Errorf("scripts: %q not found", scriptID)
	}

	next := len(s.versions[scriptID]) + 1
	checksum, err := Checksum(scriptID, next, source)
	if err != nil {
		return nil, err
	}

	v := &ScriptVersion{
		ID:        uuid.New().String(),
		ScriptID:  scriptID,
		Version:   next,
		Source:    source,
		Checksum:  checksum,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Approval:  ApprovalDraft,
	}
	s.versions[scriptID] = append(s.versions[scriptID], v)
	return v, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, scriptID string, version int) (*ScriptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[scriptID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("scripts: version %d of %q not found", version, scriptID)
}

func (s *MemoryStore) LatestApproved(_ context.Context, scriptID string) (*ScriptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.versions[scriptID]
	sorted := append([]*ScriptVersion(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	for _, v := range sorted {
		if v.Eligible() {
			cp := *v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("scripts: no approved version for %q", scriptID)
}

func (s *MemoryStore) SetApproval(_ context.Context, scriptID string, version int, status ApprovalStatus, securityScore int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[scriptID] {
		if v.Version == version {
			v.Approval = status
			v.SecurityScore = securityScore
			if sc, ok := s.scripts[scriptID]; ok && status == ApprovalApproved {
				sc.SecurityScore = securityScore
			}
			return nil
		}
	}
	return fmt.Errorf("scripts: version %d of %q not found", version, scriptID)
}

func (s *MemoryStore) Rollback(ctx context.Context, scriptID string, toVersion int, createdBy string) (*ScriptVersion, error) {
	old, err := s.GetVersion(ctx, scriptID, toVersion)
	if err != nil {
		return nil, err
	}
	return s.CreateVersion(ctx, scriptID, old.Source, createdBy)
}

// PostgresStore persists scripts and versions relationally.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateScript(ctx context.Context, sc *Script) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	sc.CreatedAt = time.Now().UTC()
	sc.UpdatedAt = sc.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, tenant_id, name, language, active, required_capabilities, timeout_seconds, memory_mb, tags, created_by, updated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sc.ID, sc.TenantID, sc.Name, sc.Language, sc.Active, pq.Array(sc.RequiredCapabilities),
		sc.TimeoutSeconds, sc.MemoryMB, pq.Array(sc.Tags), sc.CreatedBy, sc.UpdatedBy, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("scripts: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScript(ctx context.Context, id string) (*Script, error) {
	var sc Script
	var deletedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, language, active, required_capabilities, timeout_seconds, memory_mb, tags,
		       created_by, updated_by, created_at, updated_at, deleted_at, security_score
		FROM scripts WHERE id = $1
	`, id)
	if err := row.Scan(&sc.ID, &sc.TenantID, &sc.Name, &sc.Language, &sc.Active, pq.Array(&sc.RequiredCapabilities),
		&sc.TimeoutSeconds, &sc.MemoryMB, pq.Array(&sc.Tags), &sc.CreatedBy, &sc.UpdatedBy, &sc.CreatedAt, &sc.UpdatedAt,
		&deletedAt, &sc.SecurityScore); err != nil {
		return nil, fmt.Errorf("scripts: get %q: %w", id, err)
	}
	if deletedAt.Valid {
		sc.DeletedAt = &deletedAt.Time
	}
	return &sc, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scripts SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	return err
}

func (s *PostgresStore) CreateVersion(ctx context.Context, scriptID, source, createdBy string) (*ScriptVersion, error) {
	var next int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM script_versions WHERE script_id = $1
	`, scriptID).Scan(&next); err != nil {
		return nil, fmt.Errorf("scripts: next version: %w", err)
	}

	checksum, err := Checksum(scriptID, next, source)
	if err != nil {
		return nil, err
	}

	v := &ScriptVersion{
		ID:        uuid.New().String(),
		ScriptID:  scriptID,
		Version:   next,
		Source:    source,
		Checksum:  checksum,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Approval:  ApprovalDraft,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO script_versions (id, script_id, version, source, checksum, created_by, created_at, approval, security_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, v.ID, v.ScriptID, v.Version, v.Source, v.Checksum, v.CreatedBy, v.CreatedAt, v.Approval, v.SecurityScore)
	if err != nil {
		return nil, fmt.Errorf("scripts: insert version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, scriptID string, version int) (*ScriptVersion, error) {
	var v ScriptVersion
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, version, source, checksum, created_by, created_at, approval, security_score
		FROM script_versions WHERE script_id = $1 AND version = $2
	`, scriptID, version)
	if err := row.Scan(&v.ID, &v.ScriptID, &v.Version, &v.Source, &v.Checksum, &v.CreatedBy, &v.CreatedAt, &v.Approval, &v.SecurityScore); err != nil {
		return nil, fmt.Errorf("scripts: get version %d of %q: %w", version, scriptID, err)
	}
	return &v, nil
}

func (s *PostgresStore) LatestApproved(ctx context.Context, scriptID string) (*ScriptVersion, error) {
	var v ScriptVersion
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, version, source, checksum, created_by, created_at, approval, security_score
		FROM script_versions WHERE script_id = $1 AND approval = 'approved'
		ORDER BY version DESC LIMIT 1
	`, scriptID)
	if err := row.Scan(&v.ID, &v.ScriptID, &v.Version, &v.Source, &v.Checksum, &v.CreatedBy, &v.CreatedAt, &v.Approval, &v.SecurityScore); err != nil {
		return nil, fmt.Errorf("scripts: no approved version for %q: %w", scriptID, err)
	}
	return &v, nil
}

func (s *PostgresStore) SetApproval(ctx context.Context, scriptID string, version int, status ApprovalStatus, securityScore int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE script_versions SET approval = $3, security_score = $4 WHERE script_id = $1 AND version = $2
	`, scriptID, version, status, securityScore)
	if err != nil {
		return err
	}
	if status == ApprovalApproved {
		_, err = s.db.ExecContext(ctx, `UPDATE scripts SET security_score = $2, updated_at = now() WHERE id = $1`, scriptID, securityScore)
	}
	return err
}

func (s *PostgresStore) Rollback(ctx context.Context, scriptID string, toVersion int, createdBy string) (*ScriptVersion, error) {
	old, err := s.GetVersion(ctx, scriptID, toVersion)
	if err != nil {
		return nil, err
	}
	return s.CreateVersion(ctx, scriptID, old.Source, createdBy)
}
