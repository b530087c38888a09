package lambda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/metrics"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/task"
)

// ArtifactFetcher downloads a task artifact to a local file.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, projectID, zippath, dst string) error
}

// Workspace is the per-invocation scratch area: a directory on the host and a
// volume of the same name.
type Workspace struct {
	Name string
	Dir  string
	// volume is set once the named volume exists.
	volume bool
}

// ArtifactPath is where the downloaded artifact is written.
func (ws Workspace) ArtifactPath() string {
	return filepath.Join(ws.Dir, ws.Name)
}

// Stager provisions a volume holding a task's unpacked artifact.
type Stager struct {
	engine     runtime.Engine
	fetcher    ArtifactFetcher
	workDir    string
	unzipImage string
}

func NewStager(engine runtime.Engine, fetcher ArtifactFetcher, workDir, unzipImage string) *Stager {
	return &Stager{
		engine:     engine,
		fetcher:    fetcher,
		workDir:    workDir,
		unzipImage: unzipImage,
	}
}

// Stage creates the workspace, downloads the artifact and unpacks it into a
// fresh volume. Only a failure to create the volume is returned; the other
// steps are logged and the task continues with whatever was unpacked.
func (s *Stager) Stage(ctx context.Context, t *task.Task, logger zerolog.Logger) (Workspace, error) {
	ws := Workspace{Name: t.TaskID.String() + "-" + uuid.New().String()[:8]}
	ws.Dir = filepath.Join(s.workDir, ws.Name)

	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		logger.Warn().Err(err).Str("dir", ws.Dir).Msg("creating workspace failed")
	} else if err := s.fetcher.FetchArtifact(ctx, t.ProjectID.String(), t.Zippath, ws.ArtifactPath()); err != nil {
		logger.Warn().Err(err).Str("zippath", t.Zippath).Msg("artifact download failed")
	}

	if err := s.engine.CreateVolume(ctx, ws.Name); err != nil {
		return ws, fmt.Errorf("creating volume: %w", err)
	}
	ws.volume = true

	if err := WriteRecipe(ws, s.unzipImage); err != nil {
		logger.Warn().Err(err).Msg("writing extraction recipe failed")
		return ws, nil
	}
	recipe, err := LoadRecipe(ws.Dir)
	if err != nil {
		logger.Warn().Err(err).Msg("loading extraction recipe failed")
		return ws, nil
	}

	runErr, cleanupErr := recipe.Run(ctx, s.engine)
	if runErr != nil {
		logger.Warn().Err(runErr).Str("volume", ws.Name).Msg("artifact extraction failed")
	}
	if cleanupErr != nil {
		metrics.CleanupFailed(logger, metrics.ResourceImage, recipe.Build.Image, cleanupErr)
	}
	return ws, nil
}

// Release removes the volume and the workspace directory. Failures are
// reported and swallowed.
func (s *Stager) Release(ctx context.Context, ws Workspace, logger zerolog.Logger) {
	if ws.volume {
		if err := s.engine.RemoveVolume(context.WithoutCancel(ctx), ws.Name); err != nil {
			metrics.CleanupFailed(logger, metrics.ResourceVolume, ws.Name, err)
		}
	}
	if ws.Dir == "" {
		return
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		metrics.CleanupFailed(logger, metrics.ResourceWorkdir, ws.Dir, err)
	}
}
