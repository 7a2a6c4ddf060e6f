package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime runs the predictor image as a container with its port
// published on the loopback interface.
type DockerRuntime struct {
	client *client.Client
	image  string
	port   int
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	endpoint    string
}

// NewDockerRuntime creates a Docker-based runtime.
func NewDockerRuntime(image string, port int) (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if port == 0 {
		port = 8080
	}
	return &DockerRuntime{client: cli, image: image, port: port}, nil
}

func (d *DockerRuntime) Name() string { return "docker" }

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", d.image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", d.port))
	containerConfig := &container.Config{
		Image:        d.image,
		Cmd:          predictorArgs(opts, "", d.port),
		Env:          mapToEnvList(opts.Env),
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			"app.kubernetes.io/managed-by": "modelplane",
		},
	}
	hostConfig := &container.HostConfig{
		// Empty HostPort lets the daemon pick a free one.
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, instanceName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	info, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return nil, errors.New("container has no network settings")
	}
	hostPort, err := publishedPort(info.NetworkSettings.Ports, containerPort)
	if err != nil {
		return nil, err
	}

	return &DockerHandle{
		client:      d.client,
		containerID: resp.ID,
		endpoint:    fmt.Sprintf("http://127.0.0.1:%s", hostPort),
	}, nil
}

// Attach returns a handle for an existing container. ref is the container id.
func (d *DockerRuntime) Attach(ctx context.Context, ref string) (Handle, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty container id", ErrUnknownRef)
	}
	return &DockerHandle{client: d.client, containerID: ref}, nil
}

// publishedPort returns the host port bound to p.
func publishedPort(ports nat.PortMap, p nat.Port) (string, error) {
	for _, b := range ports[p] {
		if b.HostPort != "" {
			if _, err := strconv.Atoi(b.HostPort); err != nil {
				return "", fmt.Errorf("invalid host port %q", b.HostPort)
			}
			return b.HostPort, nil
		}
	}
	return "", fmt.Errorf("port %s is not published", p)
}

func (h *DockerHandle) Ref() string      { return h.containerID }
func (h *DockerHandle) Endpoint() string { return h.endpoint }

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop stops and removes the container. A container that is already gone is not an error.
func (h *DockerHandle) Stop(ctx context.Context) error {
	timeout := 5
	if err := h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", h.containerID, err)
	}
	if err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", h.containerID, err)
	}
	return nil
}

func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}
