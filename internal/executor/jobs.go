package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/task"
)

// ErrUnknownJobType is returned for job types without a launch strategy.
var ErrUnknownJobType = errors.New("job type not found")

// JobRequest is a container job as delivered by the execute entry points.
type JobRequest struct {
	JobType         string
	Container       string
	ExecutionParams map[string]any
	JobName         string
}

// LaunchStrategy turns a request into the container to start.
type LaunchStrategy func(req JobRequest) (runtime.ContainerSpec, error)

var strategies = map[string]LaunchStrategy{
	"run_container": plainContainer,
	"dast":          plainContainer,
	"sast":          plainContainer,
	"dependency":    plainContainer,
	"observer":      plainContainer,
	"browsertime":   plainContainer,
	"perfui":        plainContainer,
	"perfmeter":     loadGenerator,
	"perfgun":       loadGenerator,
}

// JobTypes lists the known job types.
func JobTypes() []string {
	types := make([]string, 0, len(strategies))
	for name := range strategies {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// JobRunner starts containers for known job types.
type JobRunner struct {
	rt runtime.Runtime
}

func NewJobRunner(rt runtime.Runtime) *JobRunner {
	return &JobRunner{rt: rt}
}

// Start resolves the job type before touching the runtime, then launches the
// container detached.
func (r *JobRunner) Start(ctx context.Context, req JobRequest) (runtime.Handle, error) {
	strategy, ok := strategies[req.JobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, req.JobType)
	}

	spec, err := strategy(req)
	if err != nil {
		return nil, fmt.Errorf("preparing %s container: %w", req.JobType, err)
	}

	h, err := r.rt.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// plainContainer runs the image with params["cmd"] as arguments and every
// other parameter as an environment variable.
func plainContainer(req JobRequest) (runtime.ContainerSpec, error) {
	if req.Container == "" {
		return runtime.ContainerSpec{}, errors.New("no container image")
	}

	env := make(map[string]string, len(req.ExecutionParams))
	var command []string
	for k, v := range req.ExecutionParams {
		if k == "cmd" {
			command = strings.Fields(task.Stringify(v))
			continue
		}
		env[k] = task.Stringify(v)
	}

	return runtime.ContainerSpec{
		Name:    containerName(req.JobName),
		Image:   req.Container,
		Command: command,
		Env:     env,
		Labels: map[string]string{
			"interceptor.job_type": req.JobType,
			"interceptor.job_name": req.JobName,
		},
	}, nil
}

// loadGenerator is plainContainer plus resource limits and the distributed
// mode settings load generators read on start.
func loadGenerator(req JobRequest) (runtime.ContainerSpec, error) {
	spec, err := plainContainer(req)
	if err != nil {
		return spec, err
	}

	if _, ok := spec.Env["config_yaml"]; !ok {
		spec.Env["config_yaml"] = "{}"
	}
	if _, ok := spec.Env["DISTRIBUTED_MODE_PREFIX"]; !ok {
		spec.Env["DISTRIBUTED_MODE_PREFIX"] = req.JobName
	}

	if v, ok := req.ExecutionParams["cpu_cores_limit"]; ok {
		cores, err := strconv.ParseFloat(task.Stringify(v), 64)
		if err != nil {
			return spec, fmt.Errorf("cpu_cores_limit: %w", err)
		}
		spec.NanoCPUs = int64(cores * 1e9)
	}
	if v, ok := req.ExecutionParams["memory_limit"]; ok {
		mem, err := parseMemory(task.Stringify(v))
		if err != nil {
			return spec, fmt.Errorf("memory_limit: %w", err)
		}
		spec.MemoryBytes = mem
	}
	return spec, nil
}

// parseMemory accepts a bare number of GiB or a number with a k/m/g suffix.
func parseMemory(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	multiplier := int64(1 << 30)
	switch {
	case strings.HasSuffix(s, "k"):
		multiplier, s = 1<<10, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		multiplier, s = 1<<20, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		s = strings.TrimSuffix(s, "g")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return int64(n * float64(multiplier)), nil
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName keeps job names readable in `docker ps` while staying unique.
func containerName(jobName string) string {
	base := strings.Trim(nameUnsafe.ReplaceAllString(jobName, "-"), "-_.")
	suffix := uuid.New().String()[:8]
	if base == "" {
		return "interceptor-" + suffix
	}
	return base + "-" + suffix
}
