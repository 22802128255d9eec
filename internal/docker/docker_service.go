package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/deployd/agent/pkg/logger"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerService implements ContainerRuntime on the Docker Engine API.
type DockerService struct {
	client *client.Client
}

var _ ContainerRuntime = (*DockerService)(nil)

func NewDockerService() (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerService{client: cli}, nil
}

// Ping checks that the engine answers.
func (d *DockerService) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerService) ResolveService(ctx context.Context, deployment, service string) (string, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelProject+"="+deployment),
			filters.Arg("label", LabelService+"="+service),
		),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers of %s/%s: %w", deployment, service, err)
	}
	for _, c := range list {
		if c.State == "running" {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrServiceNotRunning, deployment, service)
}

func (d *DockerService) DeploymentContainers(ctx context.Context, deployment string) ([]Container, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+deployment)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of %s: %w", deployment, err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:      c.ID,
			Name:    name,
			Service: c.Labels[LabelService],
			Running: c.State == "running",
		})
	}
	return out, nil
}

// Exec runs a process to completion. Cancelling ctx detaches from the process
// and returns ctx.Err(); the process itself keeps running in the container.
func (d *DockerService) Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error) {
	created, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if req.Stdin != nil {
		go func() {
			if _, err := io.Copy(attach.Conn, req.Stdin); err != nil {
				logger.Debug("DOCKER: stdin copy ended", map[string]interface{}{"error": err.Error()})
			}
			_ = attach.CloseWrite()
		}()
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode}, nil
}

func (d *DockerService) ContainerEnv(ctx context.Context, containerID string) (map[string]string, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	env := make(map[string]string)
	if info.Config == nil {
		return env, nil
	}
	for _, kv := range info.Config.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env, nil
}

func (d *DockerService) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	rc, _, err := d.client.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from container: %w", srcPath, err)
	}
	return rc, nil
}

func (d *DockerService) CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error {
	err := d.client.CopyToContainer(ctx, containerID, dstDir, content, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy into %s: %w", dstDir, err)
	}
	return nil
}

func (d *DockerService) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	return d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerService) StartContainer(ctx context.Context, containerID string) error {
	return d.client.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *DockerService) OpenShell(ctx context.Context, containerID string, opts ShellOptions) (ShellSession, error) {
	execOpts := container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if opts.Rows > 0 && opts.Cols > 0 {
		execOpts.ConsoleSize = &[2]uint{opts.Rows, opts.Cols}
	}
	created, err := d.client.ContainerExecCreate(ctx, containerID, execOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create shell exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: execOpts.ConsoleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach shell exec: %w", err)
	}

	return &dockerShell{client: d.client, execID: created.ID, attach: attach}, nil
}

// Close releases the engine client
func (d *DockerService) Close() error {
	return d.client.Close()
}

type dockerShell struct {
	client    *client.Client
	execID    string
	attach    types.HijackedResponse
	closeOnce sync.Once
}

func (s *dockerShell) Read(p []byte) (int, error) {
	return s.attach.Reader.Read(p)
}

func (s *dockerShell) Write(p []byte) (int, error) {
	return s.attach.Conn.Write(p)
}

func (s *dockerShell) Resize(ctx context.Context, rows, cols uint) error {
	return s.client.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Height: rows, Width: cols})
}

func (s *dockerShell) Close() error {
	s.closeOnce.Do(func() {
		s.attach.Close()
	})
	return nil
}
