package secrets

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	ciphertext string
	meta       Metadata
}

// MemoryBackend is an in-process Backend, used in tests and for the
// single-node CLI mode.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memoryRecord)}
}

func (b *MemoryBackend) Upsert(_ context.Context, tenantID, key, ciphertext string, meta Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[cacheKey(tenantID, key)] = memoryRecord{ciphertext: ciphertext, meta: meta}
	return nil
}

func (b *MemoryBackend) GetCiphertext(_ context.Context, tenantID, key string) (string, Metadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[cacheKey(tenantID, key)]
	if !ok {
		return "", Metadata{}, false, nil
	}
	return rec.ciphertext, rec.meta, true, nil
}

func (b *MemoryBackend) List(_ context.Context, tenantID string) ([]Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Metadata
	for _, rec := range b.records {
		if rec.meta.TenantID == tenantID {
			out = append(out, rec.meta)
		}
	}
	return out, nil
}

func (b *MemoryBackend) UpdateMetadata(_ context.Context, tenantID, key string, meta Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := cacheKey(tenantID, key)
	rec, ok := b.records[k]
	if !ok {
		return nil
	}
	rec.meta = meta
	b.records[k] = rec
	return nil
}

func (b *MemoryBackend) Deactivate(_ context.Context, tenantID, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := cacheKey(tenantID, key)
	rec, ok := b.records[k]
	if !ok {
		return nil
	}
	rec.meta.Active = false
	b.records[k] = rec
	return nil
}

func (b *MemoryBackend) ListExpired(_ context.Context, asOf time.Time) ([]Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Metadata
	for _, rec := range b.records {
		if rec.meta.Active && rec.meta.ExpiresAt != nil && asOf.After(*rec.meta.ExpiresAt) {
			out = append(out, rec.meta)
		}
	}
	return out, nil
}
