// Package worker routes queue invocations to the executors and runs them on a
// fixed-size pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mattkinnersley/interceptor/internal/config"
	"github.com/mattkinnersley/interceptor/internal/executor"
	"github.com/mattkinnersley/interceptor/internal/galloper"
	"github.com/mattkinnersley/interceptor/internal/lambda"
	"github.com/mattkinnersley/interceptor/internal/log"
	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/postprocess"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/state"
	"github.com/mattkinnersley/interceptor/internal/task"
)

// Terminal statuses beyond the executor's Done and Aborted.
const (
	StatusUndelivered = "Undelivered"
	StatusFailed      = "Failed"
)

// Kubernetes jobs get a longer grace period to let pods drain.
const kubernetesStopGrace = 15 * time.Second

// Result is the terminal report for one invocation.
type Result struct {
	ID        string
	Kind      string
	Execution string
	Status    string
	Err       error
}

// Deps are the collaborators the dispatcher routes to.
type Deps struct {
	Config        *config.Config
	Docker        runtime.Engine
	NewKubernetes runtime.KubernetesFactory
	Lambda        *lambda.Executor
	PostProcessor postprocess.Processor
	Store         *state.Store
	Registry      *state.Registry
	Logger        zerolog.Logger
}

type Dispatcher struct {
	cfg      *config.Config
	monitor  executor.MonitorConfig
	docker   *executor.Executor
	newKube  runtime.KubernetesFactory
	lambda   *lambda.Executor
	post     postprocess.Processor
	store    *state.Store
	registry *state.Registry
	logger   zerolog.Logger
	tracer   trace.Tracer

	group *errgroup.Group

	// mu guards closed and queued. queued holds admitted invocations that
	// have not registered yet, with the cause of any cancel that arrived
	// before they started.
	mu      sync.Mutex
	closed  bool
	queued  map[string]error
	pending sync.WaitGroup
}

func NewDispatcher(deps Deps) *Dispatcher {
	cfg := deps.Config
	mc := executor.MonitorConfig{
		Interval:      cfg.PollInterval,
		StopGrace:     cfg.StopGrace,
		TailLines:     cfg.LogTailLines,
		CPUMultiplier: cfg.CPUMultiplier,
	}

	g := new(errgroup.Group)
	g.SetLimit(cfg.CPUCores)

	return &Dispatcher{
		cfg:      cfg,
		monitor:  mc,
		docker:   executor.New(deps.Docker, mc),
		newKube:  deps.NewKubernetes,
		lambda:   deps.Lambda,
		post:     deps.PostProcessor,
		store:    deps.Store,
		registry: deps.Registry,
		logger:   deps.Logger,
		tracer:   otel.Tracer("interceptor-worker"),
		group:    g,
		queued:   make(map[string]error),
	}
}

// InFlight is the number of invocations currently holding a cancellation
// token.
func (d *Dispatcher) InFlight() int {
	return d.registry.Len()
}

// Submit records the invocation and runs it on the pool, blocking while every
// worker is busy. done is called with the terminal result. The returned
// execution is the record as first stored.
func (d *Dispatcher) Submit(ctx context.Context, inv task.Invocation, done func(Result)) (state.Execution, error) {
	exec, args, err := d.admit(inv)
	if err != nil {
		return state.Execution{}, err
	}
	d.group.Go(func() error {
		defer d.pending.Done()
		res := d.run(ctx, inv, exec, args)
		if done != nil {
			done(res)
		}
		return nil
	})
	return exec, nil
}

// Enqueue is Submit without the wait for a free worker.
func (d *Dispatcher) Enqueue(ctx context.Context, inv task.Invocation, done func(Result)) (state.Execution, error) {
	exec, args, err := d.admit(inv)
	if err != nil {
		return state.Execution{}, err
	}
	go func() {
		d.group.Go(func() error {
			defer d.pending.Done()
			res := d.run(ctx, inv, exec, args)
			if done != nil {
				done(res)
			}
			return nil
		})
	}()
	return exec, nil
}

// Handle runs one invocation on the calling goroutine.
func (d *Dispatcher) Handle(ctx context.Context, inv task.Invocation) Result {
	exec, args, err := d.admit(inv)
	if err != nil {
		return Result{ID: inv.ID, Kind: inv.Name, Status: StatusFailed, Err: err}
	}
	defer d.pending.Done()
	return d.run(ctx, inv, exec, args)
}

// Close stops admitting new invocations. Admitted invocations that have not
// reached a worker yet finish as Aborted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait closes the dispatcher and blocks until every admitted invocation has
// finished.
func (d *Dispatcher) Wait() {
	d.Close()
	d.pending.Wait()
	_ = d.group.Wait()
}

// Cancel signals an invocation by id. An invocation still waiting for a
// worker is marked and finishes as Aborted without starting.
func (d *Dispatcher) Cancel(id string, cause error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registry.Cancel(id, cause) {
		return true
	}
	if _, ok := d.queued[id]; ok {
		if cause == nil {
			cause = state.ErrCancelled
		}
		d.queued[id] = cause
		return true
	}
	return false
}

func (d *Dispatcher) admit(inv task.Invocation) (state.Execution, any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return state.Execution{}, nil, fmt.Errorf("%w: not accepting invocation %s", state.ErrShutdown, inv.ID)
	}
	exec, args, err := d.prepare(inv)
	if err != nil {
		return state.Execution{}, nil, err
	}
	d.queued[inv.ID] = nil
	d.pending.Add(1)
	return exec, args, nil
}

// start registers a dequeued invocation for cancellation. A cancel or
// shutdown that happened while it waited for a worker is applied to the
// returned context.
func (d *Dispatcher) start(parent context.Context, id string) (context.Context, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cause := d.queued[id]
	delete(d.queued, id)

	ctx, release, err := d.registry.Register(parent, id)
	if err != nil {
		return nil, nil, err
	}
	if cause == nil && d.closed {
		cause = state.ErrShutdown
	}
	if cause != nil {
		d.registry.Cancel(id, cause)
	}
	return ctx, release, nil
}

func (d *Dispatcher) prepare(inv task.Invocation) (state.Execution, any, error) {
	args, err := inv.Decode()
	if err != nil {
		return state.Execution{}, nil, err
	}
	if inv.ID == "" {
		return state.Execution{}, nil, errors.New("invocation has no id")
	}

	job := strings.ReplaceAll(jobName(inv.Name, args), "/", "-")
	exec := state.Execution{
		Name: fmt.Sprintf("projects/%s/locations/%s/jobs/%s/executions/%s",
			d.cfg.ProjectID, d.cfg.Region, job, inv.ID),
		TaskID:    inv.ID,
		Kind:      inv.Name,
		Job:       job,
		Status:    state.StatusPending,
		StartTime: time.Now(),
	}
	if prev, err := d.store.GetExecution(exec.Name); err == nil && !prev.Status.Terminal() {
		return state.Execution{}, nil, fmt.Errorf("%w: %s", state.ErrAlreadyRegistered, inv.ID)
	}
	d.store.SaveExecution(&exec)
	return exec, args, nil
}

func (d *Dispatcher) run(parent context.Context, inv task.Invocation, exec state.Execution, args any) Result {
	res := Result{ID: inv.ID, Kind: inv.Name, Execution: exec.Name}

	if inv.Trace != nil {
		parent = otel.GetTextMapPropagator().Extract(parent, inv.Trace)
	}
	spanCtx, span := d.tracer.Start(parent, "task."+inv.Name,
		trace.WithAttributes(
			attribute.String("task.id", inv.ID),
			attribute.String("task.kind", inv.Name),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	ctx, release, err := d.start(spanCtx, inv.ID)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		d.finish(exec.Name, res)
		return res
	}
	defer release()

	if ctx.Err() != nil {
		res.Status, res.Err = executor.StatusAborted, context.Cause(ctx)
		d.finish(exec.Name, res)
		return res
	}

	_ = d.store.UpdateExecution(exec.Name, func(e *state.Execution) {
		e.Status = state.StatusRunning
	})
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()
	timer := metrics.NewTimer()

	switch a := args.(type) {
	case *task.ExecuteArgs:
		if inv.Name == task.KindExecuteKuber {
			res.Status, res.Err = d.executeKuber(ctx, a)
		} else {
			res.Status, res.Err = d.execute(ctx, a)
		}
	case *task.LambdaArgs:
		res.Status, res.Err = d.executeLambda(ctx, a)
	case *task.PostProcessArgs:
		res.Status, res.Err = d.postProcess(ctx, a)
	default:
		res.Status, res.Err = StatusFailed, fmt.Errorf("unsupported arguments %T", args)
	}

	timer.ObserveDurationVec(metrics.TaskDuration, inv.Name)
	span.SetAttributes(attribute.String("task.status", res.Status))
	if res.Err != nil && res.Status != executor.StatusAborted {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status)
	}
	d.finish(exec.Name, res)
	return res
}

func (d *Dispatcher) finish(execName string, res Result) {
	metrics.TasksTotal.WithLabelValues(res.Kind, statusClass(res.Status)).Inc()

	_ = d.store.UpdateExecution(execName, func(e *state.Execution) {
		e.CompletionTime = time.Now()
		e.Outcome = res.Status
		switch res.Status {
		case executor.StatusDone:
			e.Status = state.StatusSucceeded
		case executor.StatusAborted:
			e.Status = state.StatusCancelled
		default:
			e.Status = state.StatusFailed
			if res.Err != nil {
				e.ErrorMessage = res.Err.Error()
			}
		}
	})

	logger := d.logger.With().Str("task_id", res.ID).Str("kind", res.Kind).Logger()
	if res.Err != nil && res.Status != executor.StatusAborted {
		logger.Error().Err(res.Err).Str("status", res.Status).Msg("task finished")
		return
	}
	logger.Info().Str("status", res.Status).Msg("task finished")
}

func (d *Dispatcher) execute(ctx context.Context, a *task.ExecuteArgs) (string, error) {
	logger := log.ForTask(d.cfg.Hostname, a.Labels(), a.LoggerStopWords)
	out := d.docker.Execute(ctx, jobRequest(a), logger)
	return out.Status, out.Err
}

func (d *Dispatcher) executeKuber(ctx context.Context, a *task.ExecuteArgs) (string, error) {
	logger := log.ForTask(d.cfg.Hostname, a.Labels(), a.LoggerStopWords)
	if d.newKube == nil {
		return StatusFailed, errors.New("kubernetes runtime is not configured")
	}

	var kc runtime.KubernetesConfig
	if ks := a.KubernetesSettings; ks != nil {
		kc = runtime.KubernetesConfig{
			Host:             ks.Host,
			Token:            ks.Token,
			Namespace:        ks.Namespace,
			JobsCount:        ks.JobsCount,
			SecureConnection: ks.SecureConnection,
		}
	}
	rt, err := d.newKube(kc, logger)
	if err != nil {
		logger.Error().Err(err).Msg("connecting to cluster failed")
		return executor.StartFailedStatus(a.Container), err
	}

	mc := d.monitor
	mc.StopGrace = kubernetesStopGrace
	out := executor.New(rt, mc).Execute(ctx, jobRequest(a), logger)
	return out.Status, out.Err
}

func (d *Dispatcher) executeLambda(ctx context.Context, a *task.LambdaArgs) (string, error) {
	logger := log.ForTask(d.cfg.Hostname, a.Task.Labels(), a.LoggerStopWords)
	if d.lambda == nil {
		return StatusFailed, errors.New("lambda executor is not configured")
	}

	_, err := d.lambda.Execute(ctx, &a.Task, a.Event, logger)
	switch {
	case err == nil:
		return executor.StatusDone, nil
	case ctx.Err() != nil:
		logger.Info().Str("cause", context.Cause(ctx).Error()).Msgf("Aborted: %s", a.Task.TaskID)
		return executor.StatusAborted, err
	case errors.Is(err, galloper.ErrDeliveryFailed):
		metrics.ResultsUndelivered.Inc()
		return StatusUndelivered, err
	case errors.Is(err, lambda.ErrUnsupportedRuntime):
		return err.Error(), err
	default:
		return StatusFailed, err
	}
}

func (d *Dispatcher) postProcess(ctx context.Context, a *task.PostProcessArgs) (string, error) {
	if a.Skip {
		return executor.StatusDone, nil
	}
	logger := log.ForTask(d.cfg.Hostname, a.Labels(), a.LoggerStopWords)
	if d.post == nil {
		return StatusFailed, errors.New("post processor is not configured")
	}

	h, err := d.post.Start(ctx, a)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to run postprocessor")
		return StatusFailed, err
	}
	out := d.docker.Watch(ctx, "post-processing", h, logger)
	return out.Status, out.Err
}

func jobRequest(a *task.ExecuteArgs) executor.JobRequest {
	return executor.JobRequest{
		JobType:         a.JobType,
		Container:       a.Container,
		ExecutionParams: a.ExecutionParams,
		JobName:         a.JobName,
	}
}

func jobName(kind string, args any) string {
	switch a := args.(type) {
	case *task.ExecuteArgs:
		if a.JobName != "" {
			return a.JobName
		}
		return a.JobType
	case *task.LambdaArgs:
		if a.Task.TaskName != "" {
			return a.Task.TaskName
		}
		return a.Task.TaskID.String()
	case *task.PostProcessArgs:
		return "post-processing"
	}
	return kind
}

func statusClass(status string) string {
	switch status {
	case executor.StatusDone:
		return "done"
	case executor.StatusAborted:
		return "aborted"
	case StatusUndelivered:
		return "undelivered"
	default:
		return "failed"
	}
}

// NewInvocationID generates an id for invocations that arrive without one.
func NewInvocationID() string {
	return uuid.New().String()
}
