package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrExecutionNotFound  = errors.New("store: execution log not found")
	ErrInvalidTransition  = errors.New("store: invalid status transition")
	ErrExecutionNotActive = errors.New("store: execution log is not running")
)

// ExecutionStore is the persistence contract the Dispatcher, Broker, and
// Watchdog depend on (spec §4.8). All status transitions are
// compare-and-swap: terminal is sticky, per spec §5's shared-state table.
type ExecutionStore interface {
	// Create inserts a new `pending` row.
	Create(ctx context.Context, log *ExecutionLog) error
	// Get returns the execution log by id.
	Get(ctx context.Context, id string) (*ExecutionLog, error)
	// TransitionToRunning moves a `pending` row to `running`, returning
	// ErrInvalidTransition if the row is not currently pending.
	TransitionToRunning(ctx context.Context, id string) error
	// Complete moves a `running` row to a terminal status, recording
	// output, error message, and resource usage. Completing a row that is
	// already terminal is a no-op that returns nil (idempotent per spec §4.6).
	Complete(ctx context.Context, id string, status Status, output, errMessage string, usage ResourceUsage) error
	// AppendOutput appends a line to the log's output buffer.
	AppendOutput(ctx context.Context, id, line string) error
	// AppendSecurityFlag appends a security flag to the log's denormalized
	// flag list. MemoryStore also appends it to its hash-chained AuditStore;
	// the Postgres and SQLite stores do not.
	AppendSecurityFlag(ctx context.Context, id string, flag SecurityFlag) error
	// IncrementCallbackCount atomically increments and returns the
	// per-execution callback counter (spec §4.5's 2000-call cap).
	IncrementCallbackCount(ctx context.Context, id string) (int, error)
	// AppendCallback records one namespace.method invocation in the
	// execution's audit trail (spec §4.5: "appended to the ExecutionLog's
	// audit trail").
	AppendCallback(ctx context.Context, id, namespace, method string, params map[string]any) error
	// ListRunning returns every execution currently in `running`, for the
	// Watchdog's poll loop.
	ListRunning(ctx context.Context) ([]*ExecutionLog, error)
	// Stats aggregates success rate and latency percentiles over the
	// given window for a tenant.
	Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error)
}

// Stats summarizes ExecutionLog outcomes over a rolling window
// (spec §4.8).
type Stats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Killed      int     `json:"killed"`
	TimedOut    int     `json:"timed_out"`
	SuccessRate float64 `json:"success_rate"`
	P50Millis   int64   `json:"p50_ms"`
	P95Millis   int64   `json:"p95_ms"`
	P99Millis   int64   `json:"p99_ms"`
}

// MemoryStore is an in-process ExecutionStore, used by tests and the CLI's
// dry-run mode. Security flags are additionally appended to an embedded
// AuditStore so the hash chain is independently verifiable.
type MemoryStore struct {
	mu    sync.Mutex
	logs  map[string]*ExecutionLog
	audit *AuditStore
	nowFn func() time.Time
	ids   func() string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:  make(map[string]*ExecutionLog),
		audit: NewAuditStore(),
		nowFn: func() time.Time { return time.Now().UTC() },
		ids:   func() string { return uuid.New().String() },
	}
}

func (s *MemoryStore) Create(_ context.Context, log *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = s.ids()
	}
	if log.Status == "" {
		log.Status = StatusPending
	}
	now := s.nowFn()
	log.CreatedAt = now
	log.UpdatedAt = now
	if log.StartedAt.IsZero() {
		log.StartedAt = now
	}
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *log
	cp.SecurityFlags = append([]SecurityFlag(nil), log.SecurityFlags...)
	return &cp, nil
}

func (s *MemoryStore) TransitionToRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if !validTransition(log.Status, StatusRunning) {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, log.Status)
	}
	log.Status = StatusRunning
	log.UpdatedAt = s.nowFn()
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, status Status, output, errMessage string, usage ResourceUsage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if log.Status.IsTerminal() {
		// Idempotent: the watchdog and dispatcher may both race to close
		// an execution; the first terminal write wins.
		return nil
	}
	if !validTransition(log.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, log.Status, status)
	}
	now := s.nowFn()
	log.Status = status
	log.EndedAt = &now
	log.UpdatedAt = now
	log.ResourceUsage = usage
	if output != "" {
		log.AppendOutput(output)
	}
	log.ErrorMessage = errMessage
	return nil
}

func (s *MemoryStore) AppendOutput(_ context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	log.AppendOutput(line)
	log.UpdatedAt = s.nowFn()
	return nil
}

func (s *MemoryStore) AppendSecurityFlag(_ context.Context, id string, flag SecurityFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if flag.At.IsZero() {
		flag.At = s.nowFn()
	}
	log.SecurityFlags = append(log.SecurityFlags, flag)
	log.UpdatedAt = s.nowFn()

	if _, err := s.audit.Append(EntryTypeSecurityEvent, SubjectForExecution(id), flag.Type, flag, map[string]string{"message": flag.Message}); err != nil {
		return fmt.Errorf("store: append to audit chain: %w", err)
	}
	return nil
}

func (s *MemoryStore) IncrementCallbackCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return 0, ErrExecutionNotFound
	}
	if log.Status != StatusRunning {
		return 0, ErrExecutionNotActive
	}
	log.CallbackCount++
	log.UpdatedAt = s.nowFn()
	return log.CallbackCount, nil
}

func (s *MemoryStore) AppendCallback(_ context.Context, id, namespace, method string, params map[string]any) error {
	s.mu.Lock()
	_, ok := s.logs[id]
	s.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	if _, err := s.audit.Append(EntryTypeCallback, SubjectForExecution(id), namespace+"."+method, params, nil); err != nil {
		return fmt.Errorf("store: append callback to audit chain: %w", err)
	}
	return nil
}

func (s *MemoryStore) ListRunning(_ context.Context) ([]*ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExecutionLog
	for _, log := range s.logs {
		if log.Status == StatusRunning {
			cp := *log
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string, since time.Time) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var durations []int64
	stats := &Stats{}
	for _, log := range s.logs {
		if log.TenantID != tenantID || log.StartedAt.Before(since) || !log.Status.IsTerminal() {
			continue
		}
		stats.Total++
		switch log.Status {
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		case StatusKilled:
			stats.Killed++
		case StatusTimeout:
			stats.TimedOut++
		}
		durations = append(durations, log.ResourceUsage.ExecutionTimeMS)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50Millis = percentile(durations, 0.50)
	stats.P95Millis = percentile(durations, 0.95)
	stats.P99Millis = percentile(durations, 0.99)
	return stats, nil
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// AuditStore exposes the embedded hash-chained audit trail, e.g. for
// export bundles scoped to a single execution (spec §4.8 "durable audit
// trail").
func (s *MemoryStore) Audit() *AuditStore {
	return s.audit
}
