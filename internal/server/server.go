package server

import (
	"context"
	"fmt"
	"net"

	runpb "cloud.google.com/go/run/apiv2/runpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/mattkinnersley/interceptor/internal/log"
	"github.com/mattkinnersley/interceptor/internal/state"
	"github.com/mattkinnersley/interceptor/internal/task"
	"github.com/mattkinnersley/interceptor/internal/worker"
)

// Dispatcher accepts invocations from the local API. *worker.Dispatcher
// satisfies it.
type Dispatcher interface {
	Enqueue(ctx context.Context, inv task.Invocation, done func(worker.Result)) (state.Execution, error)
	Cancel(id string, cause error) bool
}

type Server struct {
	grpcServer *grpc.Server
	logger     zerolog.Logger
}

func New(store *state.Store, d Dispatcher, projectID, region string) *Server {
	logger := log.WithComponent("grpc")
	gs := grpc.NewServer()

	jobsSvc := &JobsServer{
		store:      store,
		dispatcher: d,
		projectID:  projectID,
		region:     region,
		logger:     logger,
	}
	runpb.RegisterJobsServer(gs, jobsSvc)

	execSvc := &ExecutionsServer{
		store:      store,
		dispatcher: d,
		logger:     logger,
	}
	runpb.RegisterExecutionsServer(gs, execSvc)

	// Enable gRPC reflection for grpcurl and debugging
	reflection.Register(gs)

	return &Server{grpcServer: gs, logger: logger}
}

func (s *Server) Start(port string) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", port, err)
	}

	s.logger.Info().Str("port", port).Msg("starting gRPC server")
	return s.grpcServer.Serve(lis)
}

// Serve starts the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
