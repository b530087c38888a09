package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattkinnersley/interceptor/internal/config"
	"github.com/mattkinnersley/interceptor/internal/galloper"
	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/task"
)

const python37 = "lambci/lambda:python3.7"

func newTestExecutor(t *testing.T, engine *stubEngine, reporter *stubReporter, maxDepth int) (*Executor, string) {
	t.Helper()
	workDir := t.TempDir()
	cfg := &config.Config{Runtimes: config.DefaultRuntimes()}
	return NewExecutor(engine, reporter, cfg, Options{
		WorkDir:          workDir,
		UnzipImage:       "busybox:latest",
		MaxCallbackDepth: maxDepth,
	}), workDir
}

func pythonTask(id string) *task.Task {
	return &task.Task{
		TaskID:      task.ID(id),
		TaskHandler: "lambda_function.lambda_handler",
		ProjectID:   "1",
		Token:       "tok-" + id,
		Runtime:     "Python 3.7",
		EnvVars:     task.EnvVars{"REGION": "eu"},
		Zippath:     "tasks/" + id + ".zip",
	}
}

func TestExecute_SingleTask(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "START\nsome log\n{\"ok\": true}\nEND\n"
	reporter := newStubReporter()
	ex, workDir := newTestExecutor(t, engine, reporter, 0)

	chain, err := ex.Execute(context.Background(), pythonTask("t1"), task.NewEvent(map[string]any{"x": 1}), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []task.ID{"t1"}, chain.Tasks)
	assert.Equal(t, `{"ok": true}`, chain.Result)

	require.Len(t, reporter.posts, 1)
	assert.Equal(t, "t1", reporter.posts[0].TaskID)
	assert.Equal(t, "tok-t1", reporter.posts[0].Token)
	assert.Equal(t, `{"ok": true}`, reporter.posts[0].Result.Results)
	assert.Contains(t, reporter.posts[0].Result.Stderr, "some log")
	assert.Empty(t, reporter.fetches)

	runs := engine.handlerRuns()
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, python37, run.Image)
	assert.Equal(t, "lambda_function.lambda_handler", run.Command[0])
	assert.JSONEq(t, `[{"x":1}]`, run.Command[1])
	assert.Equal(t, map[string]string{"REGION": "eu"}, map[string]string(run.Env))
	require.Len(t, run.Mounts, 1)
	assert.Equal(t, "/var/task", run.Mounts[0].Target)
	assert.False(t, run.Mounts[0].ReadOnly)

	require.Len(t, engine.volumes, 1)
	assert.True(t, strings.HasPrefix(engine.volumes[0], "t1-"))
	assert.Equal(t, engine.volumes, engine.removedVolumes)
	assert.Equal(t, engine.builtImages, engine.removedImages)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directory should be removed")
}

func TestExecute_UnsupportedRuntimeHasNoSideEffects(t *testing.T) {
	engine := newStubEngine()
	reporter := newStubReporter()
	ex, _ := newTestExecutor(t, engine, reporter, 0)

	tk := pythonTask("t1")
	tk.Runtime = "Cobol 85"

	_, err := ex.Execute(context.Background(), tk, task.Event{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedRuntime))
	assert.Equal(t, "Container Cobol 85 is not found", err.Error())

	assert.Empty(t, reporter.downloads)
	assert.Empty(t, engine.volumes)
	assert.Empty(t, engine.runs)
	assert.Empty(t, reporter.posts)
}

func TestExecute_InvalidTaskIDRejected(t *testing.T) {
	engine := newStubEngine()
	reporter := newStubReporter()
	ex, _ := newTestExecutor(t, engine, reporter, 0)

	_, err := ex.Execute(context.Background(), pythonTask("../etc"), task.Event{}, zerolog.Nop())
	assert.True(t, errors.Is(err, task.ErrInvalidTaskID))
	assert.Empty(t, engine.volumes)
}

func TestExecute_CallbackChain(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "{\"step\": \"done\"}"
	reporter := newStubReporter()

	second := pythonTask("t2")
	second.ProjectID = ""
	reporter.tasks["t2"] = second

	first := pythonTask("t1")
	first.Callback = "t2"

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	chain, err := ex.Execute(context.Background(), first, task.NewEvent(map[string]any{"x": 1}), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []task.ID{"t1", "t2"}, chain.Tasks)
	assert.Equal(t, []string{"1/t2"}, reporter.fetches)
	require.Len(t, reporter.posts, 2)
	assert.Equal(t, "t1", reporter.posts[0].TaskID)
	assert.Equal(t, "t2", reporter.posts[1].TaskID)
	assert.Equal(t, "tok-t2", reporter.posts[1].Token)

	runs := engine.handlerRuns()
	require.Len(t, runs, 2)
	var ev []map[string]any
	require.NoError(t, json.Unmarshal([]byte(runs[1].Command[1]), &ev))
	require.Len(t, ev, 1)
	assert.Equal(t, `{"step": "done"}`, ev[0]["result"])
}

func TestExecute_CallbackCycleDetected(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "{\"n\": 1}"
	reporter := newStubReporter()

	b := pythonTask("b")
	b.Callback = "a"
	reporter.tasks["b"] = b

	a := pythonTask("a")
	a.Callback = "b"

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	chain, err := ex.Execute(context.Background(), a, task.Event{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCallbackCycle))
	assert.Equal(t, []task.ID{"a", "b"}, chain.Tasks)
	assert.Equal(t, []string{"1/b"}, reporter.fetches, "the cycle is caught before fetching a again")
}

func TestExecute_CallbackDepthLimit(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "{\"n\": 1}"
	reporter := newStubReporter()

	ids := []string{"t1", "t2", "t3", "t4"}
	for i, id := range ids[1:] {
		tk := pythonTask(id)
		if i+2 < len(ids) {
			tk.Callback = task.ID(ids[i+2])
		}
		reporter.tasks[id] = tk
	}
	first := pythonTask("t1")
	first.Callback = "t2"

	ex, _ := newTestExecutor(t, engine, reporter, 2)
	chain, err := ex.Execute(context.Background(), first, task.Event{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCallbackDepth))
	assert.Len(t, chain.Tasks, 2)
}

func TestExecute_DeliveryFailureStopsChain(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "{\"n\": 1}"
	reporter := newStubReporter()
	reporter.postErr = galloper.ErrDeliveryFailed

	first := pythonTask("t1")
	first.Callback = "t2"

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	chain, err := ex.Execute(context.Background(), first, task.Event{}, zerolog.Nop())
	assert.True(t, errors.Is(err, galloper.ErrDeliveryFailed))
	assert.Empty(t, chain.Tasks)
	assert.Empty(t, reporter.fetches)
}

func TestExecute_HandlerExitCodeFails(t *testing.T) {
	engine := newStubEngine()
	engine.handlerOutput[python37] = "Traceback\nValueError: boom"
	engine.handlerExit = 1
	reporter := newStubReporter()

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	_, err := ex.Execute(context.Background(), pythonTask("t1"), task.Event{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandlerFailed))
	assert.Contains(t, err.Error(), "ValueError: boom")
	assert.Empty(t, reporter.posts)
	assert.Len(t, engine.removedVolumes, 1)
}

func TestExecute_VolumeFailureIsFatal(t *testing.T) {
	engine := newStubEngine()
	engine.volumeErr = errors.New("no space left")
	reporter := newStubReporter()

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	_, err := ex.Execute(context.Background(), pythonTask("t1"), task.Event{}, zerolog.Nop())
	assert.ErrorContains(t, err, "creating volume")
	assert.Empty(t, engine.handlerRuns())
	assert.Empty(t, engine.removedVolumes)
}

func TestExecute_ExtractionFailureStillRunsHandler(t *testing.T) {
	engine := newStubEngine()
	engine.buildErr = errors.New("build failed")
	engine.handlerOutput[python37] = "{\"n\": 1}"
	reporter := newStubReporter()

	ex, _ := newTestExecutor(t, engine, reporter, 0)
	chain, err := ex.Execute(context.Background(), pythonTask("t1"), task.Event{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, `{"n": 1}`, chain.Result)
	assert.Empty(t, engine.removedImages)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	engine := newStubEngine()
	reporter := newStubReporter()
	ex, _ := newTestExecutor(t, engine, reporter, 0)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("operator cancel"))

	_, err := ex.Execute(ctx, pythonTask("t1"), task.Event{}, zerolog.Nop())
	assert.EqualError(t, err, "operator cancel")
	assert.Empty(t, engine.runs)
}

func TestStage_WritesRecipe(t *testing.T) {
	engine := newStubEngine()
	reporter := newStubReporter()
	s := NewStager(engine, reporter, t.TempDir(), "busybox:latest")

	ws, err := s.Stage(context.Background(), pythonTask("t9"), zerolog.Nop())
	require.NoError(t, err)

	assert.FileExists(t, ws.ArtifactPath())
	r, err := LoadRecipe(ws.Dir)
	require.NoError(t, err)
	assert.Equal(t, ws.Name, r.Volume)
	assert.Equal(t, "/var/task", r.Target)

	df, err := os.ReadFile(filepath.Join(ws.Dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(df), "FROM busybox:latest")
	assert.Contains(t, string(df), "ADD "+ws.Name)

	s.Release(context.Background(), ws, zerolog.Nop())
	assert.NoDirExists(t, ws.Dir)
}

func TestRelease_SkipsVolumeThatWasNeverCreated(t *testing.T) {
	engine := newStubEngine()
	engine.volumeErr = errors.New("no space left")
	s := NewStager(engine, newStubReporter(), t.TempDir(), "busybox:latest")

	before := testutil.ToFloat64(metrics.CleanupFailures.WithLabelValues(metrics.ResourceVolume))
	ws, err := s.Stage(context.Background(), pythonTask("t9"), zerolog.Nop())
	require.Error(t, err)
	s.Release(context.Background(), ws, zerolog.Nop())
	after := testutil.ToFloat64(metrics.CleanupFailures.WithLabelValues(metrics.ResourceVolume))

	assert.Empty(t, engine.removedVolumes)
	assert.Equal(t, before, after)
	assert.NoDirExists(t, ws.Dir)
}
