package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CacheTTL is how long a validation result is memoised for a given source
// hash (spec §4.1: "validation is memoised by source hash with a TTL of 5
// minutes").
const CacheTTL = 5 * time.Minute

type cacheEntry struct {
	result  Result
	expires time.Time
}

// MemoValidator wraps Validate with a source-hash-keyed memoisation cache.
// Validate itself stays a pure function; the cache only avoids recomputing
// it for source seen within the last CacheTTL.
type MemoValidator struct {
	mu      sync.Mutex
	limits  Limits
	entries map[string]cacheEntry
	nowFunc func() time.Time
}

// NewMemoValidator creates a validator with the given policy limits.
func NewMemoValidator(limits Limits) *MemoValidator {
	return &MemoValidator{
		limits:  limits,
		entries: make(map[string]cacheEntry),
		nowFunc: time.Now,
	}
}

// WithClock overrides the clock, for deterministic TTL tests.
func (m *MemoValidator) WithClock(now func() time.Time) *MemoValidator {
	m.nowFunc = now
	return m
}

// Validate returns the memoised Result for source, computing and caching
// it if absent or expired. Equal sources always hash identically, so the
// determinism property (spec §8) holds regardless of cache state.
func (m *MemoValidator) Validate(source string) Result {
	key := hashSource(source)
	now := m.nowFunc()

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok && now.Before(entry.expires) {
		m.mu.Unlock()
		return entry.result
	}
	m.mu.Unlock()

	result := Validate(source, m.limits)

	m.mu.Lock()
	m.entries[key] = cacheEntry{result: result, expires: now.Add(CacheTTL)}
	m.mu.Unlock()

	return result
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
