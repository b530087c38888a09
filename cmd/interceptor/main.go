package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattkinnersley/interceptor/internal/config"
	"github.com/mattkinnersley/interceptor/internal/galloper"
	"github.com/mattkinnersley/interceptor/internal/lambda"
	"github.com/mattkinnersley/interceptor/internal/log"
	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/observability"
	"github.com/mattkinnersley/interceptor/internal/postprocess"
	"github.com/mattkinnersley/interceptor/internal/queue"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/server"
	"github.com/mattkinnersley/interceptor/internal/state"
	"github.com/mattkinnersley/interceptor/internal/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const kubernetesPostProcessImage = "getcarrier/performance_results_processing:latest"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "interceptor",
	Short: "Interceptor - container job worker",
	Long: `Interceptor consumes task invocations from the event node and runs
them as containers: plain and load-generator jobs on Docker or Kubernetes,
lambda-style handlers with callback chaining, and result post-processing.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runWorker,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker",
	RunE:  runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Interceptor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Interceptor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("worker-config", "", "Path to the runtimes and job templates file (overrides WORKER_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	for flag, env := range map[string]string{"worker-config": "WORKER_CONFIG", "log-level": "LOG_LEVEL"} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.Init(ctx, "interceptor", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	docker, err := runtime.NewDockerRuntime(log.WithComponent("docker"))
	if err != nil {
		return fmt.Errorf("failed to create docker runtime: %w", err)
	}
	defer docker.Close()

	gc := galloper.NewClient(cfg.GalloperURL, cfg.Token,
		galloper.WithRetries(cfg.ResultPostRetries, time.Second),
		galloper.WithLogger(log.WithComponent("galloper")),
	)

	lambdaExec := lambda.NewExecutor(docker, gc, cfg, lambda.Options{
		WorkDir:          cfg.WorkDir,
		UnzipImage:       cfg.UnzipImage,
		MaxCallbackDepth: cfg.MaxCallbackDepth,
	})

	post := postprocess.New(docker, cfg.PostProcessImage, kubernetesPostProcessImage,
		runtime.NewKubernetes, log.WithComponent("postprocess"))

	store := state.NewStore()
	registry := state.NewRegistry()

	d := worker.NewDispatcher(worker.Deps{
		Config:        cfg,
		Docker:        docker,
		NewKubernetes: runtime.NewKubernetes,
		Lambda:        lambdaExec,
		PostProcessor: post,
		Store:         store,
		Registry:      registry,
		Logger:        log.WithComponent("worker"),
	})

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.NewMux(d.InFlight),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	server.RegisterTemplates(store, cfg.ProjectID, cfg.Region, cfg.Jobs)
	srv := server.New(store, d, cfg.ProjectID, cfg.Region)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(cfg.GRPCPort)
	}()

	if cfg.QueueURL != "" {
		consumer, err := queue.NewConsumer(cfg.QueueURL, d, queue.Options{
			Queue:    cfg.QueueName,
			Hostname: cfg.Hostname,
			Workers:  cfg.CPUCores,
		}, log.WithComponent("queue"))
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("queue consumer stopped")
			}
		}()
	} else {
		logger.Info().Msg("QUEUE_URL not set, accepting work through the local API only")
	}

	logger.Info().
		Int("workers", cfg.CPUCores).
		Int("runtimes", len(cfg.Runtimes)).
		Int("job_templates", len(cfg.Jobs)).
		Msg("interceptor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("grpc server failed")
		}
	}

	d.Close()
	n := registry.CancelAll(state.ErrShutdown)
	logger.Info().Int("cancelled", n).Msg("waiting for running tasks")
	cancel()
	d.Wait()

	srv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown")
	}

	log.Info("shutdown complete")
	return nil
}
