// Package runtime provides the container runtimes tasks execute on.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by handle operations a runtime cannot provide,
// such as point-in-time stats on Kubernetes.
var ErrNotSupported = errors.New("operation not supported by runtime")

// ErrLogsUnavailable is returned by Tail when logs cannot be read this time
// but the container may still produce them later.
var ErrLogsUnavailable = errors.New("logs not available")

// Status is the runtime-agnostic container state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusUnknown  Status = "unknown"
)

// VolumeMount attaches a named volume inside a container.
type VolumeMount struct {
	Volume   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to launch.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Mounts      []VolumeMount
	NanoCPUs    int64
	MemoryBytes int64
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUTotalUsage uint64
	MemoryUsage   uint64
	MemoryLimit   uint64
}

// Runtime starts containers.
type Runtime interface {
	// Start launches the container detached and returns immediately.
	Start(ctx context.Context, spec ContainerSpec) (Handle, error)
}

// Handle is a started container. A handle is used by a single goroutine.
type Handle interface {
	ID() string
	// Status returns the state observed by the last Refresh.
	Status() Status
	Refresh(ctx context.Context) (Status, error)
	Stats(ctx context.Context) (Stats, error)
	// Tail returns the last n lines of combined output.
	Tail(ctx context.Context, n int) ([]string, error)
	Stop(ctx context.Context, grace time.Duration) error
	Remove(ctx context.Context) error
}

// Engine is a runtime that also manages volumes and images on the local host.
// The lambda path needs one.
type Engine interface {
	Runtime
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	BuildImage(ctx context.Context, contextDir, tag string) error
	RemoveImage(ctx context.Context, tag string) error
	// Run starts the container, blocks until it exits, removes it and returns
	// its combined output.
	Run(ctx context.Context, spec ContainerSpec) (RunResult, error)
}

// RunResult is the outcome of a container run to completion.
type RunResult struct {
	ExitCode int64
	Output   string
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}
