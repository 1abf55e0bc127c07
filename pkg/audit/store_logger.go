package audit

import (
	"context"
	"fmt"

	"github.com/scriptwarden/broker/pkg/store"
)

// StoreLogger is the production Logger: every Record call appends an Event
// into the admin-action AuditStore, so the hash chain that protects
// execution security/callback entries (pkg/store.ExecutionStore) also
// protects admin actions (kill-switch toggles, secret rotation, script
// execute requests). A nil store fails closed rather than silently
// dropping the audit trail.
type StoreLogger struct {
	store *store.AuditStore
}

func NewStoreLogger(s *store.AuditStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}

	evt := eventFromContext(ctx, eventType, action, resource, metadata)

	_, err := l.store.Append(store.EntryTypeAudit, store.SubjectForTenant(evt.TenantID), action, evt, map[string]string{
		"actor_id":   evt.ActorID,
		"event_id":   evt.ID,
		"event_type": string(eventType),
		"request_id": evt.RequestID,
	})
	return err
}
