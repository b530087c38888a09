package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	runpb "cloud.google.com/go/run/apiv2/runpb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	longrunningpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mattkinnersley/interceptor/internal/config"
	"github.com/mattkinnersley/interceptor/internal/state"
	"github.com/mattkinnersley/interceptor/internal/task"
)

// jobTypeLabel carries the job type of a template through the Cloud Run Job
// resource, which has no field for it.
const (
	jobTypeLabel   = "job_type"
	defaultJobType = "run_container"
)

type JobsServer struct {
	runpb.UnimplementedJobsServer
	store      *state.Store
	dispatcher Dispatcher
	projectID  string
	region     string
	logger     zerolog.Logger
}

// RegisterTemplates loads job templates from the worker config into the store.
func RegisterTemplates(store *state.Store, projectID, region string, templates []config.JobTemplate) {
	for _, t := range templates {
		store.SaveJob(&state.Job{
			Name:            fmt.Sprintf("projects/%s/locations/%s/jobs/%s", projectID, region, t.Name),
			JobType:         t.JobType,
			Image:           t.Container,
			ExecutionParams: t.ExecutionParams,
			Env:             t.Env,
		})
	}
}

// RunJob submits the template as an execute invocation. Template env and
// override env become execution params, which the plain strategy passes to
// the container as environment.
func (s *JobsServer) RunJob(ctx context.Context, req *runpb.RunJobRequest) (*longrunningpb.Operation, error) {
	s.logger.Info().Str("name", req.Name).Msg("RunJob called")

	job, err := s.store.GetJob(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "job not found: %s", req.Name)
	}

	params := make(map[string]any, len(job.ExecutionParams)+len(job.Env))
	for k, v := range job.ExecutionParams {
		params[k] = v
	}
	for k, v := range job.Env {
		params[k] = v
	}
	if req.Overrides != nil {
		for _, co := range req.Overrides.ContainerOverrides {
			for _, ev := range co.Env {
				params[ev.Name] = ev.GetValue()
			}
			if len(co.Args) > 0 {
				params["cmd"] = strings.Join(co.Args, " ")
			}
		}
	}

	args, err := json.Marshal(task.ExecuteArgs{
		JobType:         job.JobType,
		Container:       job.Image,
		ExecutionParams: params,
		JobName:         job.ShortName(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode task: %v", err)
	}

	inv := task.Invocation{
		ID:   uuid.New().String()[:8],
		Name: task.KindExecute,
		Args: args,
	}
	exec, err := s.dispatcher.Enqueue(context.WithoutCancel(ctx), inv, nil)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to submit job: %v", err)
	}

	s.logger.Info().Str("execution", exec.Name).Msg("execution started")

	metaAny, err := anypb.New(executionToProto(exec))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal metadata: %v", err)
	}

	return &longrunningpb.Operation{
		Name:     exec.Name,
		Metadata: metaAny,
		Done:     false,
	}, nil
}

func (s *JobsServer) GetJob(ctx context.Context, req *runpb.GetJobRequest) (*runpb.Job, error) {
	s.logger.Debug().Str("name", req.Name).Msg("GetJob called")

	job, err := s.store.GetJob(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "job not found: %s", req.Name)
	}

	return jobToProto(job), nil
}

func (s *JobsServer) CreateJob(ctx context.Context, req *runpb.CreateJobRequest) (*longrunningpb.Operation, error) {
	s.logger.Info().Str("parent", req.Parent).Str("job_id", req.JobId).Msg("CreateJob called")

	name := fmt.Sprintf("%s/jobs/%s", req.Parent, req.JobId)

	if _, err := s.store.GetJob(name); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "job already exists: %s", name)
	}

	job := protoToJob(name, req.Job)
	s.store.SaveJob(job)

	respAny, err := anypb.New(jobToProto(job))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal response: %v", err)
	}

	return &longrunningpb.Operation{
		Name:   name,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: respAny},
	}, nil
}

func (s *JobsServer) DeleteJob(ctx context.Context, req *runpb.DeleteJobRequest) (*longrunningpb.Operation, error) {
	s.logger.Info().Str("name", req.Name).Msg("DeleteJob called")

	job, err := s.store.GetJob(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "job not found: %s", req.Name)
	}

	jobProto := jobToProto(job)
	if err := s.store.DeleteJob(req.Name); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to delete job: %v", err)
	}

	respAny, err := anypb.New(jobProto)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal response: %v", err)
	}

	return &longrunningpb.Operation{
		Name:   req.Name,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: respAny},
	}, nil
}

func (s *JobsServer) ListJobs(ctx context.Context, req *runpb.ListJobsRequest) (*runpb.ListJobsResponse, error) {
	s.logger.Debug().Str("parent", req.Parent).Msg("ListJobs called")

	jobs := s.store.ListJobs(req.Parent)
	var pbJobs []*runpb.Job
	for _, j := range jobs {
		pbJobs = append(pbJobs, jobToProto(j))
	}

	return &runpb.ListJobsResponse{
		Jobs: pbJobs,
	}, nil
}

// jobToProto converts a job template to its protobuf representation.
func jobToProto(j *state.Job) *runpb.Job {
	var envVars []*runpb.EnvVar
	for k, v := range j.Env {
		envVars = append(envVars, &runpb.EnvVar{
			Name:   k,
			Values: &runpb.EnvVar_Value{Value: v},
		})
	}

	var command []string
	if cmd, ok := j.ExecutionParams["cmd"]; ok {
		command = strings.Fields(task.Stringify(cmd))
	}

	return &runpb.Job{
		Name:   j.Name,
		Labels: map[string]string{jobTypeLabel: j.JobType},
		Template: &runpb.ExecutionTemplate{
			TaskCount:   1,
			Parallelism: 1,
			Template: &runpb.TaskTemplate{
				Containers: []*runpb.Container{
					{
						Image:   j.Image,
						Command: command,
						Env:     envVars,
					},
				},
			},
		},
		CreateTime: timestamppb.Now(),
	}
}

// protoToJob converts a protobuf Job to a template. The job type comes from
// the job_type label; the container command becomes the cmd parameter.
func protoToJob(name string, pb *runpb.Job) *state.Job {
	job := &state.Job{
		Name:            name,
		JobType:         defaultJobType,
		ExecutionParams: make(map[string]any),
		Env:             make(map[string]string),
	}
	if pb == nil {
		return job
	}
	if jt := pb.Labels[jobTypeLabel]; jt != "" {
		job.JobType = jt
	}

	if pb.Template != nil && pb.Template.Template != nil && len(pb.Template.Template.Containers) > 0 {
		c := pb.Template.Template.Containers[0]
		job.Image = c.Image
		if cmd := append(append([]string{}, c.Command...), c.Args...); len(cmd) > 0 {
			job.ExecutionParams["cmd"] = strings.Join(cmd, " ")
		}
		for _, ev := range c.Env {
			if v := ev.GetValue(); v != "" {
				job.Env[ev.Name] = v
			}
		}
	}

	return job
}

// executionToProto converts an execution record to its protobuf representation.
func executionToProto(e state.Execution) *runpb.Execution {
	exec := &runpb.Execution{
		Name:        e.Name,
		Job:         parentJob(e.Name),
		Reconciling: !e.Status.Terminal(),
		StartTime:   timestamppb.New(e.StartTime),
		TaskCount:   1,
		Parallelism: 1,
		Labels:      map[string]string{"kind": e.Kind, "task_id": e.TaskID},
	}
	if !e.CompletionTime.IsZero() {
		exec.CompletionTime = timestamppb.New(e.CompletionTime)
	}

	completed := func(st runpb.Condition_State, message string) []*runpb.Condition {
		return []*runpb.Condition{{
			Type:    "Completed",
			State:   st,
			Message: message,
		}}
	}

	switch e.Status {
	case state.StatusRunning:
		exec.RunningCount = 1
	case state.StatusSucceeded:
		exec.SucceededCount = 1
		exec.Conditions = completed(runpb.Condition_CONDITION_SUCCEEDED, e.Outcome)
	case state.StatusFailed:
		exec.FailedCount = 1
		exec.Conditions = completed(runpb.Condition_CONDITION_FAILED, e.Outcome)
	case state.StatusCancelled:
		exec.CancelledCount = 1
		exec.Conditions = completed(runpb.Condition_CONDITION_FAILED, e.Outcome)
	}

	return exec
}

// parentJob strips the /executions/{id} suffix from an execution name.
func parentJob(execName string) string {
	if i := strings.LastIndex(execName, "/executions/"); i >= 0 {
		return execName[:i]
	}
	return execName
}
