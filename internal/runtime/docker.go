package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// DockerRuntime runs containers, volumes and images on a Docker Engine.
type DockerRuntime struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects using the standard DOCKER_* environment.
func NewDockerRuntime(logger zerolog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewDockerRuntimeWithClient(cli, logger), nil
}

// NewDockerRuntimeWithClient wraps an existing client.
func NewDockerRuntimeWithClient(cli *client.Client, logger zerolog.Logger) *DockerRuntime {
	return &DockerRuntime{client: cli, logger: logger}
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Start pulls the image if it is missing, then creates and starts the
// container without waiting for it.
func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (Handle, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	d.logger.Debug().Str("container_id", id).Str("image", spec.Image).Msg("container started")

	return &DockerHandle{
		client: d.client,
		id:     id,
		status: StatusStarting,
	}, nil
}

func (d *DockerRuntime) create(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.Volume,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    mapToEnvList(spec.Env),
		Labels: spec.Labels,
	}, &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container from %s: %w", spec.Image, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	d.logger.Info().Str("image", ref).Msg("pulling image")
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// Run creates the container, waits for it to exit, collects its output and
// removes it.
func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (RunResult, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("starting container: %w", err)
	}

	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return RunResult{}, fmt.Errorf("waiting for container: %w", err)
		}
	case result := <-statusCh:
		exitCode = result.StatusCode
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("reading container logs: %w", err)
	}
	defer logs.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, logs); err != nil {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("reading container logs: %w", err)
	}

	return RunResult{ExitCode: exitCode, Output: combined.String()}, nil
}

func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

// BuildImage builds contextDir (which must hold a Dockerfile) and tags it.
func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("packing build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, tag string) error {
	if _, err := d.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return fmt.Errorf("removing image %s: %w", tag, err)
	}
	return nil
}

// DockerHandle is a container started by DockerRuntime.
type DockerHandle struct {
	client *client.Client
	id     string
	status Status
}

func (h *DockerHandle) ID() string     { return h.id }
func (h *DockerHandle) Status() Status { return h.status }

func (h *DockerHandle) Refresh(ctx context.Context) (Status, error) {
	inspect, err := h.client.ContainerInspect(ctx, h.id)
	if err != nil {
		return StatusUnknown, fmt.Errorf("inspecting container %s: %w", h.id, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		h.status = StatusUnknown
		return h.status, nil
	}
	h.status = dockerStatus(inspect.State.Status)
	return h.status, nil
}

func dockerStatus(state string) Status {
	switch state {
	case "created":
		return StatusStarting
	case "running", "paused", "restarting":
		return StatusRunning
	case "exited", "dead":
		return StatusExited
	default:
		return StatusUnknown
	}
}

// dockerStats is the subset of the engine stats document that is sampled.
type dockerStats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

func (h *DockerHandle) Stats(ctx context.Context) (Stats, error) {
	resp, err := h.client.ContainerStats(ctx, h.id, false)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats for %s: %w", h.id, err)
	}
	defer resp.Body.Close()

	var raw dockerStats
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decoding stats for %s: %w", h.id, err)
	}
	return Stats{
		CPUTotalUsage: raw.CPUStats.CPUUsage.TotalUsage,
		MemoryUsage:   raw.MemoryStats.Usage,
		MemoryLimit:   raw.MemoryStats.Limit,
	}, nil
}

func (h *DockerHandle) Tail(ctx context.Context, n int) ([]string, error) {
	logs, err := h.client.ContainerLogs(ctx, h.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return nil, fmt.Errorf("reading logs for %s: %w", h.id, err)
	}
	defer logs.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, logs); err != nil {
		return nil, fmt.Errorf("reading logs for %s: %w", h.id, err)
	}
	return splitLines(combined.String()), nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func (h *DockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := h.client.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", h.id, err)
	}
	return nil
}

func (h *DockerHandle) Remove(ctx context.Context) error {
	if err := h.client.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", h.id, err)
	}
	return nil
}
