// Package killswitch implements the process-wide emergency stop (spec
// §4.7): a cached `active` flag with a cooldown TTL, tripped either
// directly or by evaluating CEL threshold expressions against observed
// system metrics. Threshold evaluation is grounded in the teacher's
// governance/policy_evaluator_cel.go compiled-program cache.
package killswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/scriptwarden/broker/pkg/cache"
	pmetrics "github.com/scriptwarden/broker/pkg/metrics"
	"github.com/scriptwarden/broker/pkg/store"
)

// activeKey is the cache key the switch's state lives under, shared by
// every process so admission checks everywhere see the same flag (spec
// §6: state lives in the shared cache, not process memory).
const activeKey = "killswitch:active"

// defaultTTL is how long a trip stays active before auto-deactivating,
// and the cooldown window during which the switch never re-triggers
// (spec §4.7).
const defaultTTL = 5 * time.Minute

// Metrics is the struct of observed system state CEL thresholds evaluate
// against (spec §4.7's threshold list).
type Metrics struct {
	HostMemoryPercent    float64 `json:"host_memory_percent"`
	HostCPUPercent       float64 `json:"host_cpu_percent"`
	ConcurrentExecutions int64   `json:"concurrent_executions"`
	LongRunningCount     int64   `json:"long_running_count"`
	FailureRate5m        float64 `json:"failure_rate_5m"`
	ErrorsPerMinute      float64 `json:"errors_per_minute"`
}

func (m Metrics) asCELInput() map[string]any {
	return map[string]any{
		"metrics": map[string]any{
			"host_memory_percent":  m.HostMemoryPercent,
			"host_cpu_percent":     m.HostCPUPercent,
			"concurrent_executions": m.ConcurrentExecutions,
			"long_running_count":    m.LongRunningCount,
			"failure_rate_5m":       m.FailureRate5m,
			"errors_per_minute":     m.ErrorsPerMinute,
		},
	}
}

// DefaultThresholds mirrors spec §4.7's named thresholds as CEL boolean
// expressions; any one evaluating true trips the switch. New uses them
// when passed nil thresholds, which is what cmd/scriptwarden passes;
// config.KillSwitchConfig's threshold values are not applied to the switch.
var DefaultThresholds = []string{
	"metrics.host_memory_percent > 80.0",
	"metrics.host_cpu_percent > 85.0",
	"metrics.failure_rate_5m > 0.5",
	"metrics.errors_per_minute > 100.0",
}

// Terminator cancels every `running` ExecutionLog when the switch trips
// (spec §4.7 step 2). *watchdog.Watchdog satisfies this via Stop plus a
// forced Complete, wired in cmd/scriptwarden.
type Terminator interface {
	TerminateAll(ctx context.Context, reason string) error
}

// Alerter emits the operator-facing notification (spec §4.7 step 4).
type Alerter interface {
	Send(ctx context.Context, message string) error
}

// NoopAlerter discards alerts; used when no webhook/Slack/email target is
// configured.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, string) error { return nil }

// Switch is the Kill-Switch (spec §4.7). It is safe for concurrent use.
type Switch struct {
	cache      cache.Cache
	thresholds []string
	ttl        time.Duration
	terminator Terminator
	alerter    Alerter
	store      store.ExecutionStore

	// Metrics is optional; a nil Recorder silently drops observations.
	Metrics *pmetrics.Recorder

	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// New constructs a Switch. thresholds is a list of CEL boolean
// expressions evaluated against a `metrics` map; pass nil for
// DefaultThresholds.
func New(c cache.Cache, execStore store.ExecutionStore, terminator Terminator, alerter Alerter, thresholds []string) (*Switch, error) {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	env, err := cel.NewEnv(cel.Variable("metrics", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("killswitch: create CEL environment: %w", err)
	}
	return &Switch{
		cache:      c,
		thresholds: thresholds,
		ttl:        defaultTTL,
		terminator: terminator,
		alerter:    alerter,
		store:      execStore,
		env:        env,
		programs:   make(map[string]cel.Program),
	}, nil
}

// Active reports whether the switch is currently tripped (spec §4.3
// check 1; satisfies admission.KillSwitch).
func (s *Switch) Active() bool {
	_, active, err := s.cache.Get(context.Background(), activeKey)
	return err == nil && active
}

// Evaluate checks every configured threshold against m and trips the
// switch on the first one that evaluates true.
func (s *Switch) Evaluate(ctx context.Context, m Metrics) error {
	input := m.asCELInput()
	for _, expr := range s.thresholds {
		tripped, err := s.eval(expr, input)
		if err != nil {
			return fmt.Errorf("killswitch: evaluate %q: %w", expr, err)
		}
		if tripped {
			return s.Trip(ctx, fmt.Sprintf("threshold tripped: %s", expr))
		}
	}
	return nil
}

// Trip activates the switch unless it is already active (the switch
// never re-triggers within its TTL, per spec §4.7). Implements
// watchdog.KillSwitchTripper so the Watchdog can forward host pressure
// directly.
func (s *Switch) Trip(ctx context.Context, reason string) error {
	newlySet, err := s.cache.SetNX(ctx, activeKey, reason, s.ttl)
	if err != nil {
		return fmt.Errorf("killswitch: set active flag: %w", err)
	}
	if !newlySet {
		return nil
	}
	s.Metrics.RecordKillSwitchTrigger()

	if s.terminator != nil {
		if err := s.terminator.TerminateAll(ctx, reason); err != nil {
			return fmt.Errorf("killswitch: cancel running executions: %w", err)
		}
	}
	if err := s.alerter.Send(ctx, fmt.Sprintf("kill-switch activated: %s", reason)); err != nil {
		return fmt.Errorf("killswitch: send alert: %w", err)
	}
	return nil
}

// Deactivate clears the flag before its TTL expires (operator manual
// override, spec §4.7).
func (s *Switch) Deactivate(ctx context.Context) error {
	s.Metrics.RecordKillSwitchCleared()
	return s.cache.Del(ctx, activeKey)
}

// Status reports whether the switch is active and, if so, the reason it
// was tripped.
func (s *Switch) Status(ctx context.Context) (active bool, reason string, err error) {
	reason, active, err = s.cache.Get(ctx, activeKey)
	return active, reason, err
}

func (s *Switch) eval(expr string, input map[string]any) (bool, error) {
	prg, err := s.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("threshold expression did not evaluate to bool")
	}
	return b, nil
}

func (s *Switch) program(expr string) (cel.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, ok := s.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := s.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	s.programs[expr] = prg
	return prg, nil
}
