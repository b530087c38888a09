package executor

import (
	"context"
	"math"

	"github.com/mattkinnersley/interceptor/internal/runtime"
)

const mib = 1024 * 1024

// ResourceSample is one normalized resource reading.
type ResourceSample struct {
	CPU            float64
	MemoryMiB      float64
	MemoryLimitMiB float64
}

// ResourceSampler reads point-in-time usage of a container. CPU is the raw
// cumulative usage divided by CPUMultiplier.
type ResourceSampler struct {
	CPUMultiplier float64
}

func (s ResourceSampler) Sample(ctx context.Context, h runtime.Handle) (ResourceSample, error) {
	stats, err := h.Stats(ctx)
	if err != nil {
		return ResourceSample{}, err
	}
	divisor := s.CPUMultiplier
	if divisor <= 0 {
		divisor = 1
	}
	return ResourceSample{
		CPU:            round2(float64(stats.CPUTotalUsage) / divisor),
		MemoryMiB:      round2(float64(stats.MemoryUsage) / mib),
		MemoryLimitMiB: round2(float64(stats.MemoryLimit) / mib),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LogCursor is the previous tail snapshot of one monitor run.
type LogCursor struct {
	prev map[string]struct{}
}

// Advance returns the lines of snapshot that were not in the previous
// snapshot, in order and without repeats, and makes snapshot the new cursor.
func (c *LogCursor) Advance(snapshot []string) []string {
	next := make(map[string]struct{}, len(snapshot))
	var fresh []string
	for _, line := range snapshot {
		if _, dup := next[line]; dup {
			continue
		}
		next[line] = struct{}{}
		if _, seen := c.prev[line]; !seen {
			fresh = append(fresh, line)
		}
	}
	c.prev = next
	return fresh
}

// LogTail fetches the last Lines lines of a container and diffs them against
// a cursor.
type LogTail struct {
	Lines int
}

func (t LogTail) Fetch(ctx context.Context, h runtime.Handle, cursor *LogCursor) ([]string, error) {
	snapshot, err := h.Tail(ctx, t.Lines)
	if err != nil {
		return nil, err
	}
	return cursor.Advance(snapshot), nil
}
