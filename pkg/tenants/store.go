package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists tenants.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (*Tenant, error)
	Get(ctx context.Context, id string) (*Tenant, error)
	Suspend(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (s *MemoryStore) Create(_ context.Context, req CreateRequest) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		RateLimit: req.RateLimit,
		APIQuota:  req.APIQuota,
		Grants:    append([]string(nil), req.Grants...),
	}
	s.tenants[t.ID] = t
	return t, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenants: %q not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Suspend(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("tenants: %q not found", id)
	}
	now := time.Now().UTC()
	t.Status = StatusSuspended
	t.SuspendedAt = &now
	return nil
}

func (s *MemoryStore) Reactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("tenants: %q not found", id)
	}
	t.Status = StatusActive
	t.SuspendedAt = nil
	return nil
}

// PostgresStore persists tenants in a relational store, per the broker's
// external interface contract (spec §6: persistent store with transactions
// and soft-delete columns).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		RateLimit: req.RateLimit,
		APIQuota:  req.APIQuota,
		Grants:    append([]string(nil), req.Grants...),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, created_at, rate_limit, api_quota, grants)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Name, t.Status, t.CreatedAt, t.RateLimit, t.APIQuota, pq.Array(t.Grants))
	if err != nil {
		return nil, fmt.Errorf("tenants: insert: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var suspendedAt sql.NullTime
	var grants []string

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, rate_limit, api_quota, grants, suspended_at
		FROM tenants WHERE id = $1 AND status != 'deleted'
	`, id)
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.RateLimit, &t.APIQuota, pq.Array(&grants), &suspendedAt); err != nil {
		return nil, fmt.Errorf("tenants: get %q: %w", id, err)
	}
	t.Grants = grants
	if suspendedAt.Valid {
		t.SuspendedAt = &suspendedAt.Time
	}
	return &t, nil
}

func (s *PostgresStore) Suspend(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = 'suspended', suspended_at = now() WHERE id = $1
	`, id)
	return err
}

func (s *PostgresStore) Reactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = 'active', suspended_at = NULL WHERE id = $1
	`, id)
	return err
}
