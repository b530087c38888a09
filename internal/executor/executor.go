// Package executor runs container jobs and watches them to completion.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/runtime"
)

// Executor runs a container job on one runtime.
type Executor struct {
	runner *JobRunner
	cfg    MonitorConfig
}

func New(rt runtime.Runtime, cfg MonitorConfig) *Executor {
	return &Executor{runner: NewJobRunner(rt), cfg: cfg}
}

// Execute starts the job and monitors it. It blocks until the job reaches a
// terminal outcome; cancelling ctx aborts the job.
func (e *Executor) Execute(ctx context.Context, req JobRequest, logger zerolog.Logger) Outcome {
	logger.Info().Msgf("Executing: %s on %s with name %s", req.JobType, req.Container, req.JobName)

	h, err := e.runner.Start(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnknownJobType) {
			logger.Error().Str("job_type", req.JobType).Msg("Job Type not found")
			return Outcome{Status: "Job Type not found", Err: err}
		}
		status := StartFailedStatus(req.Container)
		logger.Error().Err(err).Msg(status)
		return Outcome{Status: status, Err: err}
	}

	return NewMonitor(e.cfg, req.JobName, logger).Run(ctx, h)
}

// StartFailedStatus is the terminal status of a job whose container could not
// be started. Queue consumers match on this wording.
func StartFailedStatus(container string) string {
	return fmt.Sprintf("Failed to run docker container %s", container)
}

// Watch monitors a container that was started elsewhere.
func (e *Executor) Watch(ctx context.Context, name string, h runtime.Handle, logger zerolog.Logger) Outcome {
	return NewMonitor(e.cfg, name, logger).Run(ctx, h)
}
