package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scriptwarden/broker/pkg/cache"
)

// cachedExportTTL matches spec §4.8's "results may be cached for 5
// minutes" for statistics and export bundles.
const cachedExportTTL = 5 * time.Minute

// CachedExporter wraps an AuditStore's ExportBundle behind a cache.Cache
// so repeated tenant-facing exports of the same window don't re-walk the
// full chain every request.
type CachedExporter struct {
	audit *AuditStore
	cache cache.Cache
}

func NewCachedExporter(audit *AuditStore, c cache.Cache) *CachedExporter {
	return &CachedExporter{audit: audit, cache: c}
}

func exportCacheKey(tenantID string, filter QueryFilter) string {
	return fmt.Sprintf("export:%s:%d:%d", tenantID, filter.StartSeq, filter.EndSeq)
}

// Export returns a hash-chained, independently verifiable bundle of audit
// entries for the given tenant subject and range, caching the serialized
// bundle for 5 minutes.
func (e *CachedExporter) Export(ctx context.Context, tenantID string, filter QueryFilter) (*AuditEvidenceBundle, error) {
	key := exportCacheKey(tenantID, filter)
	if e.cache != nil {
		if raw, found, err := e.cache.Get(ctx, key); err == nil && found {
			var bundle AuditEvidenceBundle
			if err := json.Unmarshal([]byte(raw), &bundle); err == nil {
				return &bundle, nil
			}
		}
	}

	filter.Subject = tenantID
	bundle, err := e.audit.ExportBundle(filter)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if raw, err := json.Marshal(bundle); err == nil {
			_ = e.cache.Set(ctx, key, string(raw), cachedExportTTL)
		}
	}
	return bundle, nil
}

// CachedStats wraps an ExecutionStore's Stats behind a cache.Cache with
// the same 5-minute TTL (spec §4.8).
type CachedStats struct {
	store ExecutionStore
	cache cache.Cache
}

func NewCachedStats(store ExecutionStore, c cache.Cache) *CachedStats {
	return &CachedStats{store: store, cache: c}
}

func statsCacheKey(tenantID string, since time.Time) string {
	return fmt.Sprintf("stats:%s:%d", tenantID, since.Unix())
}

func (c *CachedStats) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	key := statsCacheKey(tenantID, since)
	if c.cache != nil {
		if raw, found, err := c.cache.Get(ctx, key); err == nil && found {
			var stats Stats
			if err := json.Unmarshal([]byte(raw), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	stats, err := c.store.Stats(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			_ = c.cache.Set(ctx, key, string(raw), cachedExportTTL)
		}
	}
	return stats, nil
}
