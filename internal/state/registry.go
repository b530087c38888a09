package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCancelled is the cancellation cause used when no specific one is given.
	ErrCancelled = errors.New("task cancelled")
	// ErrShutdown is the cause published to every task when the worker stops.
	ErrShutdown = errors.New("worker shutting down")

	ErrAlreadyRegistered = errors.New("task already registered")
)

// Registry holds a cancellation token per running task. Cancelling one task
// never affects another.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelCauseFunc)}
}

// Register derives the task context from parent. The returned release func
// must be called when the task finishes; it unregisters the task and frees
// the context.
func (r *Registry) Register(parent context.Context, taskID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[taskID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, taskID)
	}

	ctx, cancel := context.WithCancelCause(parent)
	r.cancels[taskID] = cancel

	release := func() {
		r.mu.Lock()
		delete(r.cancels, taskID)
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, release, nil
}

// Cancel signals a single task. It reports whether the task was running.
func (r *Registry) Cancel(taskID string, cause error) bool {
	if cause == nil {
		cause = ErrCancelled
	}
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// CancelAll signals every registered task and returns how many there were.
func (r *Registry) CancelAll(cause error) int {
	if cause == nil {
		cause = ErrCancelled
	}
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c(cause)
	}
	return len(cancels)
}

// Len is the number of tasks currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
