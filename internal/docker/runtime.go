package docker

import (
	"context"
	"errors"
	"io"
)

// Compose labels used to map a deployment and service to containers.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// ErrServiceNotRunning is returned when no running container backs a service.
var ErrServiceNotRunning = errors.New("no running container for service")

// ContainerRuntime is the part of the container engine the agent drives.
type ContainerRuntime interface {
	// ResolveService returns the id of a running container of the service.
	ResolveService(ctx context.Context, deployment, service string) (string, error)
	// DeploymentContainers lists every container of a deployment, running or not.
	DeploymentContainers(ctx context.Context, deployment string) ([]Container, error)

	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)
	ContainerEnv(ctx context.Context, containerID string) (map[string]string, error)

	// CopyFrom streams srcPath as a tar archive whose root entry is the base name of srcPath.
	CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
	// CopyTo extracts a tar archive into dstDir.
	CopyTo(ctx context.Context, containerID, dstDir string, content io.Reader) error

	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	StartContainer(ctx context.Context, containerID string) error

	// OpenShell starts an interactive tty process in the container.
	OpenShell(ctx context.Context, containerID string, opts ShellOptions) (ShellSession, error)
}

// Container is a deployment container as seen by the agent.
type Container struct {
	ID      string
	Name    string
	Service string
	Running bool
}

// ExecRequest describes a non-interactive process run in a container.
type ExecRequest struct {
	Cmd    []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult is the outcome of a finished process.
type ExecResult struct {
	ExitCode int
}

// ShellOptions configures an interactive session.
type ShellOptions struct {
	Cmd  []string
	Env  []string
	Rows uint
	Cols uint
}

// ShellSession is a running tty process. Reads return the combined
// stdout/stderr stream; writes go to stdin.
type ShellSession interface {
	io.ReadWriter
	Resize(ctx context.Context, rows, cols uint) error
	Close() error
}
