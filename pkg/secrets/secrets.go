// Package secrets implements the per-tenant encrypted secret store (spec
// §4.2): put/get/rotate/list/cleanup over values encrypted at rest with the
// process-wide master key.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/scriptwarden/broker/pkg/kms"
)

// Manager is the encryption interface Store depends on; pkg/kms's LocalKMS
// satisfies it, so Store does not depend on a concrete key manager.
type Manager interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var keyPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)

// MaxKeyLength is the maximum length of a secret key (spec §4.2).
const MaxKeyLength = 255

// MaxAccessHistory bounds the append-only access audit per secret.
const MaxAccessHistory = 100

// PlaintextCacheTTL bounds how long a decrypted value may be served from
// cache before re-decryption is required.
const PlaintextCacheTTL = 5 * time.Minute

// AccessEvent records one read of a secret's plaintext.
type AccessEvent struct {
	At        time.Time `json:"at"`
	AccessorID string   `json:"accessor_id"`
}

// Metadata is everything about a Secret except its plaintext.
type Metadata struct {
	TenantID       string        `json:"tenant_id"`
	Key            string        `json:"key"`
	Type           string        `json:"type"`
	Active         bool          `json:"active"`
	RotationCount  int           `json:"rotation_count"`
	KeyVersion     int           `json:"key_version"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
	AccessHistory  []AccessEvent `json:"access_history,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return fmt.Errorf("secrets: key length must be in (0,%d]", MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("secrets: key %q must be dotted lowercase alphanumeric", key)
	}
	return nil
}

// Backend persists ciphertext and metadata; Store layers the public
// contract (encryption, access audit, plaintext caching) on top of it.
type Backend interface {
	Upsert(ctx context.Context, tenantID, key, ciphertext string, meta Metadata) error
	GetCiphertext(ctx context.Context, tenantID, key string) (string, Metadata, bool, error)
	List(ctx context.Context, tenantID string) ([]Metadata, error)
	UpdateMetadata(ctx context.Context, tenantID, key string, meta Metadata) error
	Deactivate(ctx context.Context, tenantID, key string) error
	ListExpired(ctx context.Context, asOf time.Time) ([]Metadata, error)
}

type cacheEntry struct {
	plaintext string
	expires   time.Time
}

// Store implements the Secret Store contract.
type Store struct {
	kms     Manager
	backend Backend
	nowFunc func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore creates a Store backed by kms for encryption and backend for
// persistence.
func NewStore(kms Manager, backend Backend) *Store {
	return &Store{
		kms:     kms,
		backend: backend,
		nowFunc: time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

func cacheKey(tenantID, key string) string { return tenantID + "\x00" + key }

// Put encrypts plaintext and upserts it. Mutation evicts any cached
// plaintext for this key.
func (s *Store) Put(ctx context.Context, tenantID, key, plaintext string, secretType string, expiresAt *time.Time) error {
	if err := validateKey(key); err != nil {
		return err
	}

	ciphertext, err := s.kms.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("secrets: encrypt: %w", err)
	}

	now := s.nowFunc()
	meta := Metadata{
		TenantID:   tenantID,
		Key:        key,
		Type:       secretType,
		Active:     true,
		KeyVersion: keyVersionOf(ciphertext),
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if existing, existingMeta, found, _ := s.backend.GetCiphertext(ctx, tenantID, key); found && existing != "" {
		meta.RotationCount = existingMeta.RotationCount
		meta.AccessHistory = existingMeta.AccessHistory
		meta.CreatedAt = existingMeta.CreatedAt
	}

	if err := s.backend.Upsert(ctx, tenantID, key, ciphertext, meta); err != nil {
		return err
	}

	s.evict(tenantID, key)
	return nil
}

// Get returns the decrypted plaintext, or ("", false, nil) if the secret
// is missing, inactive, or expired. Every successful get touches
// last_used_at and appends a bounded access event, even when the
// plaintext itself is served from cache — the access audit trail tracks
// who read a secret and when, independent of the decryption cost.
func (s *Store) Get(ctx context.Context, tenantID, key, accessorID string) (string, bool, error) {
	ciphertext, meta, found, err := s.backend.GetCiphertext(ctx, tenantID, key)
	if err != nil {
		return "", false, fmt.Errorf("secrets: lookup: %w", err)
	}
	if !found || !meta.Active {
		return "", false, nil
	}
	now := s.nowFunc()
	if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
		return "", false, nil
	}

	plaintext, cached := s.cachedPlaintext(tenantID, key)
	if !cached {
		plaintext, err = s.kms.Decrypt(ciphertext)
		if err != nil {
			return "", false, fmt.Errorf("secrets: decrypt: %w", err)
		}
		s.cachePlaintext(tenantID, key, plaintext)
	}

	meta.LastUsedAt = &now
	meta.AccessHistory = appendBounded(meta.AccessHistory, AccessEvent{At: now, AccessorID: accessorID}, MaxAccessHistory)
	meta.UpdatedAt = now
	if err := s.backend.UpdateMetadata(ctx, tenantID, key, meta); err != nil {
		return "", false, fmt.Errorf("secrets: update metadata: %w", err)
	}

	return plaintext, true, nil
}

// Rotate generates a new value (or stores newValue if supplied), records
// the rotation, and evicts the plaintext cache.
func (s *Store) Rotate(ctx context.Context, tenantID, key string, newValue string) (string, error) {
	if newValue == "" {
		generated, err := generateSecret()
		if err != nil {
			return "", fmt.Errorf("secrets: generate: %w", err)
		}
		newValue = generated
	}

	ciphertext, err := s.kms.Encrypt(newValue)
	if err != nil {
		return "", fmt.Errorf("secrets: encrypt: %w", err)
	}

	_, meta, found, err := s.backend.GetCiphertext(ctx, tenantID, key)
	if err != nil {
		return "", fmt.Errorf("secrets: lookup: %w", err)
	}
	now := s.nowFunc()
	if !found {
		meta = Metadata{TenantID: tenantID, Key: key, Active: true, CreatedAt: now}
	}
	meta.RotationCount++
	meta.Active = true
	meta.KeyVersion = keyVersionOf(ciphertext)
	meta.UpdatedAt = now

	if err := s.backend.Upsert(ctx, tenantID, key, ciphertext, meta); err != nil {
		return "", err
	}

	s.evict(tenantID, key)
	return newValue, nil
}

// List returns metadata for every secret under a tenant, never exposing
// plaintext or ciphertext.
func (s *Store) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	return s.backend.List(ctx, tenantID)
}

// Cleanup deactivates every secret expired as of now.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	expired, err := s.backend.ListExpired(ctx, s.nowFunc())
	if err != nil {
		return 0, err
	}
	for _, m := range expired {
		if err := s.backend.Deactivate(ctx, m.TenantID, m.Key); err != nil {
			return 0, err
		}
		s.evict(m.TenantID, m.Key)
	}
	return len(expired), nil
}

func (s *Store) cachedPlaintext(tenantID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[cacheKey(tenantID, key)]
	if !ok || s.nowFunc().After(entry.expires) {
		return "", false
	}
	return entry.plaintext, true
}

func (s *Store) cachePlaintext(tenantID, key, plaintext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey(tenantID, key)] = cacheEntry{plaintext: plaintext, expires: s.nowFunc().Add(PlaintextCacheTTL)}
}

func (s *Store) evict(tenantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey(tenantID, key))
}

func appendBounded(history []AccessEvent, event AccessEvent, max int) []AccessEvent {
	history = append(history, event)
	if len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

// keyVersionOf reports the master-key version that produced ciphertext, or
// 0 if it isn't in kms's "v<N>:<payload>" format (a custom Manager
// implementation, e.g. in tests, that doesn't version its output).
func keyVersionOf(ciphertext string) int {
	v, err := kms.KeyVersion(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
