package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/runtime"
)

// Terminal statuses reported back to the queue.
const (
	StatusDone    = "Done"
	StatusAborted = "Aborted"
)

// Outcome is how a monitored task ended. Err is set only for failures.
type Outcome struct {
	Status string
	Err    error
}

func Done() Outcome    { return Outcome{Status: StatusDone} }
func Aborted() Outcome { return Outcome{Status: StatusAborted} }

// Failed builds a failure outcome whose status is the human-readable message.
func Failed(err error) Outcome {
	return Outcome{Status: err.Error(), Err: err}
}

func (o Outcome) Failed() bool { return o.Err != nil }

func (o Outcome) String() string { return o.Status }

// MonitorConfig controls the poll loop.
type MonitorConfig struct {
	Interval      time.Duration
	StopGrace     time.Duration
	TailLines     int
	CPUMultiplier float64
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.TailLines <= 0 {
		c.TailLines = 100
	}
	if c.CPUMultiplier <= 0 {
		c.CPUMultiplier = 1e9
	}
	return c
}

// Monitor drives one container to a terminal outcome.
type Monitor struct {
	cfg     MonitorConfig
	sampler ResourceSampler
	tail    LogTail
	logger  zerolog.Logger
	name    string
}

// NewMonitor creates a monitor for the task called name. Task output lines are
// written to logger.
func NewMonitor(cfg MonitorConfig, name string, logger zerolog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:     cfg,
		sampler: ResourceSampler{CPUMultiplier: cfg.CPUMultiplier},
		tail:    LogTail{Lines: cfg.TailLines},
		logger:  logger,
		name:    name,
	}
}

// Run polls the handle until the container exits, ctx is cancelled, or a
// runtime read fails. Cancellation issues exactly one stop request. The
// handle is removed on return; a failed removal is reported, not returned.
func (m *Monitor) Run(ctx context.Context, h runtime.Handle) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("monitor panic: %v", r))
		}
	}()
	defer m.release(ctx, h)

	cursor := &LogCursor{}
	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}

		if ctx.Err() != nil {
			return m.abort(ctx, h)
		}

		status, err := h.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.abort(ctx, h)
			}
			return Failed(fmt.Errorf("monitor failed: %w", err))
		}
		m.logger.Info().Str("container_id", h.ID()).Msgf("Container Status: %s", status)

		if status == runtime.StatusExited {
			return Done()
		}

		if err := m.sample(ctx, h); err != nil {
			if ctx.Err() != nil {
				return m.abort(ctx, h)
			}
			return Failed(fmt.Errorf("monitor failed: %w", err))
		}

		lines, err := m.tail.Fetch(ctx, h, cursor)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return m.abort(ctx, h)
		case errors.Is(err, runtime.ErrLogsUnavailable):
			m.logger.Warn().Err(err).Str("container_id", h.ID()).Msg("FETCHING LOGS FAILED")
		default:
			return Failed(fmt.Errorf("monitor failed: %w", err))
		}
		for _, line := range lines {
			m.logger.Info().Msg(line)
		}

		timer.Reset(m.cfg.Interval)
	}
}

func (m *Monitor) sample(ctx context.Context, h runtime.Handle) error {
	s, err := m.sampler.Sample(ctx, h)
	if errors.Is(err, runtime.ErrNotSupported) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.ContainerCPU.WithLabelValues(m.name).Set(s.CPU)
	metrics.ContainerMemory.WithLabelValues(m.name).Set(s.MemoryMiB)
	m.logger.Info().
		Str("container_id", h.ID()).
		Float64("cpu", s.CPU).
		Float64("memory_mib", s.MemoryMiB).
		Float64("memory_limit_mib", s.MemoryLimitMiB).
		Msgf("Container %s resource usage -- CPU: %.2f RAM: %.2f Mb of %.2f Mb",
			h.ID(), s.CPU, s.MemoryMiB, s.MemoryLimitMiB)
	return nil
}

func (m *Monitor) abort(ctx context.Context, h runtime.Handle) Outcome {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopGrace+30*time.Second)
	defer cancel()

	if err := h.Stop(stopCtx, m.cfg.StopGrace); err != nil {
		m.logger.Warn().Err(err).Str("container_id", h.ID()).Msg("stop request failed")
	}
	m.logger.Info().Str("cause", causeOf(ctx)).Msgf("Aborted: %s", m.name)
	return Aborted()
}

func (m *Monitor) release(ctx context.Context, h runtime.Handle) {
	metrics.ForgetContainer(m.name)

	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := h.Remove(rmCtx); err != nil {
		metrics.CleanupFailed(m.logger, metrics.ResourceContainer, h.ID(), err)
	}
}

func causeOf(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "cancelled"
}
