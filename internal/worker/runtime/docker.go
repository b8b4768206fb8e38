package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// JobIDLabel tags every container and pod created for a job.
const JobIDLabel = "coderunner.job-id"

// dockerAPI is the subset of the Docker client the runtime uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Image every job container is created from.
	Image string
	// TmpfsSize bounds the writable /tmp of the otherwise read-only rootfs.
	TmpfsSize string
}

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client dockerAPI
	config DockerConfig
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      dockerAPI
	containerID string

	cancelWait context.CancelFunc
	done       chan struct{}
	result     ExitResult
	waitErr    error
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		return nil, errors.New("docker runtime requires an image")
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = "64m"
	}
	return &DockerRuntime{client: cli, config: cfg}, nil
}

// buildContainerConfig maps the job's limits onto container isolation settings:
// code and input are read-only, only the output directory is writable.
func buildContainerConfig(cfg DockerConfig, opts StartOptions) (*container.Config, *container.HostConfig) {
	containerConfig := &container.Config{
		Image:           cfg.Image,
		Cmd:             opts.Command,
		Env:             envList(opts.Env),
		WorkingDir:      opts.WorkDir,
		NetworkDisabled: !opts.Limits.AllowNetwork,
		Labels:          map[string]string{JobIDLabel: opts.JobID},
	}

	networkMode := container.NetworkMode("none")
	if opts.Limits.AllowNetwork {
		networkMode = container.NetworkMode("bridge")
	}

	var mounts []mount.Mount
	for _, m := range []struct {
		path     string
		readOnly bool
	}{
		{opts.WorkDir, true},
		{opts.InputDir, true},
		{opts.OutputDir, false},
	} {
		if m.path == "" {
			continue
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.path, Target: m.path, ReadOnly: m.readOnly})
	}

	resources := container.Resources{
		NanoCPUs: int64(opts.Limits.CPUs * 1e9),
	}
	if opts.Limits.MemoryMB > 0 {
		resources.Memory = int64(opts.Limits.MemoryMB) << 20
		resources.MemorySwap = resources.Memory
	}
	if opts.Limits.Pids > 0 {
		pids := int64(opts.Limits.Pids)
		resources.PidsLimit = &pids
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    networkMode,
		Mounts:         mounts,
		Resources:      resources,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,size=" + cfg.TmpfsSize},
	}
	return containerConfig, hostConfig
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("no command specified")
	}

	// Check if the image exists locally first to save time.
	if _, _, err := d.client.ImageInspectWithRaw(ctx, d.config.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, d.config.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", d.config.Image, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig, hostConfig := buildContainerConfig(d.config, opts)
	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "coderunner-"+opts.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	// Subscribe to the exit before starting so a fast exit is not missed.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	statusCh, errCh := d.client.ContainerWait(waitCtx, created.ID, container.WaitConditionNextExit)

	h := &DockerHandle{
		client:      d.client,
		containerID: created.ID,
		cancelWait:  cancelWait,
		done:        make(chan struct{}),
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		cancelWait()
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	go h.wait(statusCh, errCh)
	return h, nil
}

func (h *DockerHandle) wait(statusCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(h.done)

	select {
	case status := <-statusCh:
		h.result = ExitResult{ExitCode: int(status.StatusCode)}
		if status.Error != nil && status.Error.Message != "" {
			h.result.Error = errors.New(status.Error.Message)
		}
	case err := <-errCh:
		h.result = ExitResult{ExitCode: -1, Error: err}
		h.waitErr = err
	}
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, h.waitErr
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop kills the container and waits for the engine to report its exit.
func (h *DockerHandle) Stop(ctx context.Context) error {
	err := h.client.ContainerKill(ctx, h.containerID, "SIGKILL")
	if err != nil && !errdefs.IsConflict(err) && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill container %s: %w", h.containerID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamLogs follows the container output, demultiplexing stdout and stderr into one stream.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	raw, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return &pipeReader{PipeReader: pr, raw: raw}, nil
}

// Cleanup force-removes the container.
func (h *DockerHandle) Cleanup(ctx context.Context) error {
	h.cancelWait()
	err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", h.containerID, err)
	}
	return nil
}

// pipeReader closes the engine stream together with the demultiplexed pipe.
type pipeReader struct {
	*io.PipeReader
	raw io.Closer
}

func (p *pipeReader) Close() error {
	p.raw.Close()
	return p.PipeReader.Close()
}
