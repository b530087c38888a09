package server

import (
	"context"
	"errors"

	runpb "cloud.google.com/go/run/apiv2/runpb"
	"github.com/rs/zerolog"
	longrunningpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/mattkinnersley/interceptor/internal/state"
)

// ErrCancelledByAPI is the cancellation cause for CancelExecution.
var ErrCancelledByAPI = errors.New("cancelled through the local API")

type ExecutionsServer struct {
	runpb.UnimplementedExecutionsServer
	store      *state.Store
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func (s *ExecutionsServer) GetExecution(ctx context.Context, req *runpb.GetExecutionRequest) (*runpb.Execution, error) {
	s.logger.Debug().Str("name", req.Name).Msg("GetExecution called")

	exec, err := s.store.GetExecution(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "execution not found: %s", req.Name)
	}

	return executionToProto(exec), nil
}

func (s *ExecutionsServer) ListExecutions(ctx context.Context, req *runpb.ListExecutionsRequest) (*runpb.ListExecutionsResponse, error) {
	s.logger.Debug().Str("parent", req.Parent).Msg("ListExecutions called")

	execs := s.store.ListExecutions(req.Parent)
	var pbExecs []*runpb.Execution
	for _, e := range execs {
		pbExecs = append(pbExecs, executionToProto(e))
	}

	return &runpb.ListExecutionsResponse{
		Executions: pbExecs,
	}, nil
}

func (s *ExecutionsServer) DeleteExecution(ctx context.Context, req *runpb.DeleteExecutionRequest) (*longrunningpb.Operation, error) {
	s.logger.Info().Str("name", req.Name).Msg("DeleteExecution called")

	exec, err := s.store.GetExecution(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "execution not found: %s", req.Name)
	}
	if !exec.Status.Terminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "execution is still %s: %s", exec.Status, req.Name)
	}

	execProto := executionToProto(exec)
	if err := s.store.DeleteExecution(req.Name); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to delete execution: %v", err)
	}

	respAny, err := anypb.New(execProto)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal response: %v", err)
	}

	return &longrunningpb.Operation{
		Name:   req.Name,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: respAny},
	}, nil
}

// CancelExecution signals the task and returns at once; the execution turns
// CANCELLED when the worker has stopped the container.
func (s *ExecutionsServer) CancelExecution(ctx context.Context, req *runpb.CancelExecutionRequest) (*longrunningpb.Operation, error) {
	s.logger.Info().Str("name", req.Name).Msg("CancelExecution called")

	exec, err := s.store.GetExecution(req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "execution not found: %s", req.Name)
	}

	if exec.Status.Terminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "execution is not running: %s", exec.Status)
	}

	if !s.dispatcher.Cancel(exec.TaskID, ErrCancelledByAPI) {
		s.logger.Warn().Str("execution", req.Name).Msg("execution has not started yet, nothing to cancel")
		return nil, status.Errorf(codes.FailedPrecondition, "execution has not started: %s", req.Name)
	}

	metaAny, err := anypb.New(executionToProto(exec))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal metadata: %v", err)
	}

	return &longrunningpb.Operation{
		Name:     req.Name,
		Metadata: metaAny,
		Done:     false,
	}, nil
}
