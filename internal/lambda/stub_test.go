package lambda

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattkinnersley/interceptor/internal/galloper"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/task"
)

type stubEngine struct {
	mu sync.Mutex

	handlerOutput map[string]string // image -> output
	handlerExit   int64
	volumeErr     error
	buildErr      error

	volumes        []string
	removedVolumes []string
	builtImages    []string
	removedImages  []string
	runs           []runtime.ContainerSpec
}

func newStubEngine() *stubEngine {
	return &stubEngine{handlerOutput: map[string]string{}}
}

func (e *stubEngine) Start(ctx context.Context, spec runtime.ContainerSpec) (runtime.Handle, error) {
	return nil, fmt.Errorf("detached start not used")
}

func (e *stubEngine) CreateVolume(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.volumeErr != nil {
		return e.volumeErr
	}
	e.volumes = append(e.volumes, name)
	return nil
}

func (e *stubEngine) RemoveVolume(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removedVolumes = append(e.removedVolumes, name)
	return nil
}

func (e *stubEngine) BuildImage(ctx context.Context, contextDir, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buildErr != nil {
		return e.buildErr
	}
	if _, err := os.Stat(contextDir); err != nil {
		return err
	}
	e.builtImages = append(e.builtImages, tag)
	return nil
}

func (e *stubEngine) RemoveImage(ctx context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removedImages = append(e.removedImages, tag)
	return nil
}

func (e *stubEngine) Run(ctx context.Context, spec runtime.ContainerSpec) (runtime.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, spec)
	if strings.HasPrefix(spec.Image, "interceptor-unzip-") {
		return runtime.RunResult{}, nil
	}
	return runtime.RunResult{ExitCode: e.handlerExit, Output: e.handlerOutput[spec.Image]}, nil
}

func (e *stubEngine) handlerRuns() []runtime.ContainerSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []runtime.ContainerSpec
	for _, r := range e.runs {
		if !strings.HasPrefix(r.Image, "interceptor-unzip-") {
			out = append(out, r)
		}
	}
	return out
}

type posted struct {
	TaskID string
	Token  string
	Result galloper.ExecutionResult
}

type stubReporter struct {
	mu sync.Mutex

	tasks   map[string]*task.Task
	postErr error

	downloads []string
	posts     []posted
	fetches   []string
}

func newStubReporter() *stubReporter {
	return &stubReporter{tasks: map[string]*task.Task{}}
}

func (r *stubReporter) FetchArtifact(ctx context.Context, projectID, zippath, dst string) error {
	r.mu.Lock()
	r.downloads = append(r.downloads, zippath)
	r.mu.Unlock()
	return os.WriteFile(dst, []byte("PK"), 0o644)
}

func (r *stubReporter) PostResults(ctx context.Context, taskID, taskToken string, result galloper.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.postErr != nil {
		return r.postErr
	}
	r.posts = append(r.posts, posted{TaskID: taskID, Token: taskToken, Result: result})
	return nil
}

func (r *stubReporter) FetchTask(ctx context.Context, projectID, taskID string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, projectID+"/"+taskID)
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("fetching task %s: unexpected status 404", taskID)
	}
	cp := *t
	return &cp, nil
}
