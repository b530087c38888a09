package executor

import (
	"context"
	"sync"
	"time"

	"github.com/mattkinnersley/interceptor/internal/runtime"
)

// stubRuntime records Start calls and hands out a prepared handle.
type stubRuntime struct {
	mu     sync.Mutex
	starts []runtime.ContainerSpec
	handle *stubHandle
	err    error
}

func (r *stubRuntime) Start(ctx context.Context, spec runtime.ContainerSpec) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, spec)
	if r.err != nil {
		return nil, r.err
	}
	return r.handle, nil
}

func (r *stubRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

// stubHandle reports running until exitAfter refreshes have happened.
type stubHandle struct {
	mu         sync.Mutex
	exitAfter  int
	refreshes  int
	refreshErr error
	stats      runtime.Stats
	statsErr   error
	snapshots  [][]string
	tails      int
	tailErrs   []error
	onTail     func()
	stops      int
	stopGrace  time.Duration
	removes    int
	removeErr  error
	status     runtime.Status
}

func (h *stubHandle) ID() string { return "stub-1" }

func (h *stubHandle) Status() runtime.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *stubHandle) Refresh(ctx context.Context) (runtime.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	if h.refreshErr != nil {
		return runtime.StatusUnknown, h.refreshErr
	}
	if h.exitAfter > 0 && h.refreshes >= h.exitAfter {
		h.status = runtime.StatusExited
	} else {
		h.status = runtime.StatusRunning
	}
	return h.status, nil
}

func (h *stubHandle) Stats(ctx context.Context) (runtime.Stats, error) {
	return h.stats, h.statsErr
}

func (h *stubHandle) Tail(ctx context.Context, n int) ([]string, error) {
	h.mu.Lock()
	var snap []string
	var err error
	if h.tails < len(h.tailErrs) {
		err = h.tailErrs[h.tails]
	}
	if h.tails < len(h.snapshots) {
		snap = h.snapshots[h.tails]
	} else if len(h.snapshots) > 0 {
		snap = h.snapshots[len(h.snapshots)-1]
	}
	h.tails++
	onTail := h.onTail
	h.mu.Unlock()

	if onTail != nil {
		onTail()
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (h *stubHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.stopGrace = grace
	return nil
}

func (h *stubHandle) Remove(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removes++
	return h.removeErr
}

func (h *stubHandle) counts() (refreshes, stops, removes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes, h.stops, h.removes
}

func fastMonitor() MonitorConfig {
	return MonitorConfig{
		Interval:      time.Millisecond,
		StopGrace:     5 * time.Second,
		TailLines:     100,
		CPUMultiplier: 1e9,
	}
}
