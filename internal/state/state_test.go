package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CancelIsolatesTasks(t *testing.T) {
	r := NewRegistry()

	ctxA, releaseA, err := r.Register(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()
	ctxB, releaseB, err := r.Register(context.Background(), "b")
	require.NoError(t, err)
	defer releaseB()

	assert.True(t, r.Cancel("a", errors.New("operator")))

	assert.Error(t, ctxA.Err())
	assert.EqualError(t, context.Cause(ctxA), "operator")
	assert.NoError(t, ctxB.Err())
}

func TestRegistry_CancelUnknown(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel("missing", nil))
}

func TestRegistry_DefaultCause(t *testing.T) {
	r := NewRegistry()
	ctx, release, err := r.Register(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	r.Cancel("a", nil)
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelled)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	_, release, err := r.Register(context.Background(), "a")
	require.NoError(t, err)

	_, _, err = r.Register(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	release()
	_, release2, err := r.Register(context.Background(), "a")
	require.NoError(t, err)
	release2()
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry()
	var ctxs []context.Context
	for _, id := range []string{"a", "b", "c"} {
		ctx, release, err := r.Register(context.Background(), id)
		require.NoError(t, err)
		defer release()
		ctxs = append(ctxs, ctx)
	}

	assert.Equal(t, 3, r.CancelAll(ErrShutdown))
	for _, ctx := range ctxs {
		select {
		case <-ctx.Done():
			assert.ErrorIs(t, context.Cause(ctx), ErrShutdown)
		case <-time.After(time.Second):
			t.Fatal("context not cancelled")
		}
	}
}

func TestRegistry_ReleaseUnregisters(t *testing.T) {
	r := NewRegistry()
	_, release, err := r.Register(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	release()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Cancel("a", nil))
}

func TestStore_ExecutionCopies(t *testing.T) {
	s := NewStore()
	exec := &Execution{
		Name:   "projects/p/locations/l/jobs/j/executions/e1",
		TaskID: "e1",
		Status: StatusPending,
	}
	s.SaveExecution(exec)
	exec.Status = StatusFailed

	got, err := s.GetExecution(exec.Name)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, s.UpdateExecution(exec.Name, func(e *Execution) {
		e.Status = StatusSucceeded
		e.Outcome = "Done"
	}))
	got, _ = s.GetExecution(exec.Name)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.True(t, got.Status.Terminal())

	assert.Error(t, s.UpdateExecution("missing", func(*Execution) {}))
}

func TestStore_ListExecutionsByParent(t *testing.T) {
	s := NewStore()
	s.SaveExecution(&Execution{Name: "projects/p/locations/l/jobs/a/executions/1"})
	s.SaveExecution(&Execution{Name: "projects/p/locations/l/jobs/a/executions/2"})
	s.SaveExecution(&Execution{Name: "projects/p/locations/l/jobs/ab/executions/3"})

	assert.Len(t, s.ListExecutions("projects/p/locations/l/jobs/a"), 2)
	assert.Len(t, s.ListExecutions("projects/p/locations/l"), 3)
	assert.Len(t, s.ListExecutions(""), 3)
}

func TestStore_Jobs(t *testing.T) {
	s := NewStore()
	s.SaveJob(&Job{Name: "projects/p/locations/l/jobs/dast", JobType: "dast"})

	job, err := s.GetJob("projects/p/locations/l/jobs/dast")
	require.NoError(t, err)
	assert.Equal(t, "dast", job.ShortName())
	assert.Len(t, s.ListJobs("projects/p"), 1)

	require.NoError(t, s.DeleteJob(job.Name))
	assert.Error(t, s.DeleteJob(job.Name))
}
