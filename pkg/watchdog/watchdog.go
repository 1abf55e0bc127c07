// Package watchdog implements the process-local supervisor over `running`
// ExecutionLogs (spec §4.6): wall-time, memory, and callback-count
// thresholds, plus host-level memory/CPU pressure forwarded to the
// Kill-Switch. Adapted from the teacher's agent-liveness poller
// (governance/liveness.go) to execution resource polling.
package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/scriptwarden/broker/pkg/metrics"
	"github.com/scriptwarden/broker/pkg/sandbox"
	"github.com/scriptwarden/broker/pkg/store"
)

// pollInterval matches spec §4.6's "periodically (≈1s)".
const pollInterval = time.Second

// maxCallbacks mirrors the broker's own cap (spec §4.5) as a watchdog-side
// safety net, in case a callback surge outruns the broker's own check.
const maxCallbacks = 2000

const (
	hostMemoryTripPercent = 80.0
	hostCPUTripPercent    = 85.0
)

// SystemSampler reports host-wide resource pressure. The default
// implementation only measures memory — no library in the retrieved
// corpus exposes host CPU%, so CPUPercent is a documented no-op until one
// is wired in (see DESIGN.md).
type SystemSampler interface {
	MemoryPercent() float64
	CPUPercent() float64
}

// RuntimeSampler is the default SystemSampler, using runtime.MemStats
// against a configured ceiling rather than an OS-level reading.
type RuntimeSampler struct {
	// CeilingBytes is the memory budget the percentage is computed
	// against (e.g. the container's memory limit).
	CeilingBytes uint64
}

func (s RuntimeSampler) MemoryPercent() float64 {
	if s.CeilingBytes == 0 {
		return 0
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return 100 * float64(stats.Sys) / float64(s.CeilingBytes)
}

func (RuntimeSampler) CPUPercent() float64 { return 0 }

// KillSwitchTripper is the narrow seam into the Kill-Switch (spec §4.7)
// the watchdog uses to forward host-level pressure.
type KillSwitchTripper interface {
	Trip(ctx context.Context, reason string) error
}

type monitor struct {
	executionID      string
	memoryLimitBytes int64
	cancel           context.CancelFunc
}

// Watchdog implements dispatcher.WatchdogRegistrar.
type Watchdog struct {
	Store      store.ExecutionStore
	Sandbox    sandbox.Client
	KillSwitch KillSwitchTripper
	Sampler    SystemSampler
	Metrics    *metrics.Recorder

	mu       sync.Mutex
	monitors map[string]*monitor

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Watchdog and starts its background poll loop. Call
// Close to stop it.
func New(execStore store.ExecutionStore, sb sandbox.Client, killSwitch KillSwitchTripper, sampler SystemSampler) *Watchdog {
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	w := &Watchdog{
		Store:      execStore,
		Sandbox:    sb,
		KillSwitch: killSwitch,
		Sampler:    sampler,
		monitors:   make(map[string]*monitor),
		stopCh:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.pollLoop()
	return w
}

// Start registers a wall-time watcher for executionID and records its
// memory ceiling for the poll loop to enforce (spec §4.6).
func (w *Watchdog) Start(executionID string, timeoutMS int, memoryLimitBytes int64) {
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if existing, ok := w.monitors[executionID]; ok {
		existing.cancel()
	}
	w.monitors[executionID] = &monitor{
		executionID:      executionID,
		memoryLimitBytes: memoryLimitBytes,
		cancel:           cancel,
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchTimeout(ctx, executionID, time.Duration(timeoutMS)*time.Millisecond)
}

// Stop cancels executionID's wall-time watcher. Safe to call even if
// Start was never invoked for this id (spec §4.6 idempotence).
func (w *Watchdog) Stop(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.monitors[executionID]; ok {
		m.cancel()
		delete(w.monitors, executionID)
	}
}

func (w *Watchdog) watchTimeout(ctx context.Context, executionID string, timeout time.Duration) {
	defer w.wg.Done()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		w.terminate(context.Background(), executionID, store.StatusTimeout, "execution exceeded timeout_ms")
	}
}

// pollLoop is the ≈1s supervisor loop over every `running` ExecutionLog
// (spec §4.6): memory ceiling, callback count, and host pressure.
func (w *Watchdog) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(context.Background())
		}
	}
}

func (w *Watchdog) pollOnce(ctx context.Context) {
	running, err := w.Store.ListRunning(ctx)
	if err == nil {
		w.Metrics.SetConcurrentExecutions(len(running))
		for _, log := range running {
			w.checkCallbacks(ctx, log)
			w.checkMemory(ctx, log)
		}
	}
	w.checkHostPressure(ctx)
}

func (w *Watchdog) checkCallbacks(ctx context.Context, log *store.ExecutionLog) {
	if log.CallbackCount > maxCallbacks {
		w.terminate(ctx, log.ID, store.StatusKilled, "excessive_calls")
	}
}

func (w *Watchdog) checkMemory(ctx context.Context, log *store.ExecutionLog) {
	w.mu.Lock()
	m, ok := w.monitors[log.ID]
	w.mu.Unlock()
	if !ok || m.memoryLimitBytes <= 0 {
		return
	}
	if log.ResourceUsage.PeakMemoryBytes > m.memoryLimitBytes {
		w.terminate(ctx, log.ID, store.StatusKilled, "memory")
	}
}

func (w *Watchdog) checkHostPressure(ctx context.Context) {
	if w.KillSwitch == nil || w.Sampler == nil {
		return
	}
	if mem := w.Sampler.MemoryPercent(); mem > 0 {
		w.Metrics.SetSystemMemoryPercent(mem)
	}
	if mem := w.Sampler.MemoryPercent(); mem > hostMemoryTripPercent {
		_ = w.KillSwitch.Trip(ctx, fmt.Sprintf("host memory at %.1f%%", mem))
		return
	}
	if cpu := w.Sampler.CPUPercent(); cpu > hostCPUTripPercent {
		_ = w.KillSwitch.Trip(ctx, fmt.Sprintf("host cpu at %.1f%%", cpu))
	}
}

// terminate issues a best-effort stop to the sandbox, then closes the log
// record regardless of sandbox acknowledgement (spec §4.6). Complete is
// itself idempotent, so repeated terminations on an already-terminal
// record are no-ops.
func (w *Watchdog) terminate(ctx context.Context, executionID string, status store.Status, reason string) {
	if w.Sandbox != nil {
		_ = w.Sandbox.Stop(ctx, executionID)
	}
	_ = w.Store.Complete(ctx, executionID, status, "", reason, store.ResourceUsage{})
	w.Stop(executionID)
}

// TerminateAll cancels every `running` ExecutionLog, implementing
// killswitch.Terminator (spec §4.7 step 2: "Cancel all running
// ExecutionLogs via the Watchdog").
func (w *Watchdog) TerminateAll(ctx context.Context, reason string) error {
	running, err := w.Store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, log := range running {
		w.terminate(ctx, log.ID, store.StatusKilled, reason)
	}
	return nil
}

// Close stops the poll loop and every per-execution watcher.
func (w *Watchdog) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	for id, m := range w.monitors {
		m.cancel()
		delete(w.monitors, id)
	}
	w.mu.Unlock()

	w.wg.Wait()
}
