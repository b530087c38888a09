// Package lambda runs function-style tasks: an uploaded artifact is unpacked
// into a volume, a runtime image executes the handler against an event, and
// the handler result is posted back to the control plane. A task may name a
// callback task that is run next with the result attached to its event.
package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/config"
	"github.com/mattkinnersley/interceptor/internal/galloper"
	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/task"
)

var (
	ErrUnsupportedRuntime = errors.New("unsupported runtime")
	ErrCallbackCycle      = errors.New("callback cycle")
	ErrCallbackDepth      = errors.New("callback chain too deep")
	ErrHandlerFailed      = errors.New("handler failed")
)

const defaultMaxDepth = 16

// UnsupportedRuntimeError names a runtime missing from the runtime table.
type UnsupportedRuntimeError struct {
	Runtime string
}

func (e *UnsupportedRuntimeError) Error() string {
	return fmt.Sprintf("Container %s is not found", e.Runtime)
}

func (e *UnsupportedRuntimeError) Is(target error) bool {
	return target == ErrUnsupportedRuntime
}

// Reporter is the control plane as seen by the executor.
type Reporter interface {
	ArtifactFetcher
	PostResults(ctx context.Context, taskID, taskToken string, result galloper.ExecutionResult) error
	FetchTask(ctx context.Context, projectID, taskID string) (*task.Task, error)
}

// RuntimeTable resolves runtime names to images. *config.Config satisfies it.
type RuntimeTable interface {
	Runtime(name string) (config.RuntimeDefinition, bool)
}

type Options struct {
	WorkDir          string
	UnzipImage       string
	MaxCallbackDepth int
}

type Executor struct {
	engine   runtime.Engine
	stager   *Stager
	reporter Reporter
	runtimes RuntimeTable
	maxDepth int
}

func NewExecutor(engine runtime.Engine, reporter Reporter, runtimes RuntimeTable, opts Options) *Executor {
	maxDepth := opts.MaxCallbackDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &Executor{
		engine:   engine,
		stager:   NewStager(engine, reporter, opts.WorkDir, opts.UnzipImage),
		reporter: reporter,
		runtimes: runtimes,
		maxDepth: maxDepth,
	}
}

// Chain describes a completed invocation.
type Chain struct {
	// Tasks lists the ids that ran, the initial task first.
	Tasks []task.ID
	// Result is the extracted result of the last task.
	Result string
}

// Execute runs t and then every callback it leads to. Each task's result is
// posted before its callback is fetched. The chain stops at the first error;
// the returned Chain still lists the tasks that completed.
func (e *Executor) Execute(ctx context.Context, t *task.Task, event task.Event, logger zerolog.Logger) (Chain, error) {
	var chain Chain
	seen := make(map[task.ID]bool)
	defer func() {
		if len(chain.Tasks) > 0 {
			metrics.CallbackDepth.Observe(float64(len(chain.Tasks)))
		}
	}()

	current := t
	for {
		if err := ctx.Err(); err != nil {
			return chain, context.Cause(ctx)
		}
		if len(chain.Tasks) >= e.maxDepth {
			return chain, fmt.Errorf("%w: limit is %d", ErrCallbackDepth, e.maxDepth)
		}
		if seen[current.TaskID] {
			return chain, fmt.Errorf("%w: task %s already ran", ErrCallbackCycle, current.TaskID)
		}
		seen[current.TaskID] = true

		taskLogger := logger.With().Str("task_id", current.TaskID.String()).Logger()
		result, output, err := e.invoke(ctx, current, event, taskLogger)
		if err != nil {
			return chain, err
		}

		if err := e.reporter.PostResults(ctx, current.TaskID.String(), current.Token,
			galloper.NewExecutionResult(result, output)); err != nil {
			return chain, err
		}
		chain.Tasks = append(chain.Tasks, current.TaskID)
		chain.Result = result
		taskLogger.Info().Msg("result posted")

		if !current.Callback.Set() {
			return chain, nil
		}
		if seen[current.Callback] {
			return chain, fmt.Errorf("%w: %s calls back to %s", ErrCallbackCycle, current.TaskID, current.Callback)
		}

		event.AttachResult(result)
		next, err := e.reporter.FetchTask(ctx, current.ProjectID.String(), current.Callback.String())
		if err != nil {
			return chain, fmt.Errorf("loading callback: %w", err)
		}
		if !next.TaskID.Set() {
			next.TaskID = current.Callback
		}
		if !next.ProjectID.Set() {
			next.ProjectID = current.ProjectID
		}
		taskLogger.Info().Str("callback", next.TaskID.String()).Msg("continuing with callback")
		current = next
	}
}

// invoke runs a single task and returns the extracted result and the full
// handler output.
func (e *Executor) invoke(ctx context.Context, t *task.Task, event task.Event, logger zerolog.Logger) (string, string, error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	def, ok := e.runtimes.Runtime(t.Runtime)
	if !ok {
		return "", "", &UnsupportedRuntimeError{Runtime: t.Runtime}
	}
	extractor, err := ExtractorFor(def.Extractor)
	if err != nil {
		return "", "", err
	}

	ws, err := e.stager.Stage(ctx, t, logger)
	defer e.stager.Release(ctx, ws, logger)
	if err != nil {
		return "", "", err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", "", fmt.Errorf("encoding event: %w", err)
	}

	logger.Info().Str("image", def.Image).Str("handler", t.TaskHandler).Msg("running handler")
	res, err := e.engine.Run(ctx, runtime.ContainerSpec{
		Name:    "interceptor-lambda-" + ws.Name,
		Image:   def.Image,
		Command: []string{t.TaskHandler, string(payload)},
		Env:     t.EnvVars,
		Labels:  map[string]string{"interceptor.task_id": t.TaskID.String()},
		Mounts:  []runtime.VolumeMount{{Volume: ws.Name, Target: taskMountPath}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", "", context.Cause(ctx)
		}
		return "", "", fmt.Errorf("running handler: %w", err)
	}
	if res.ExitCode != 0 {
		return "", res.Output, fmt.Errorf("%w: exit code %d: %s", ErrHandlerFailed, res.ExitCode, lastLine(res.Output))
	}

	result, err := extractor.Extract(res.Output)
	if err != nil {
		return "", res.Output, err
	}
	return result, res.Output, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return lines[len(lines)-1]
}
