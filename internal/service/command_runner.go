package service

import (
	"context"
	"fmt"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/models"
)

// CommandRunner runs command tasks in a deployment's service container
type CommandRunner struct {
	runtime     docker.ContainerRuntime
	exec        *containerExecutor
	outputLimit int
}

// NewCommandRunner creates a command runner keeping at most outputLimit
// bytes of output per run.
func NewCommandRunner(runtime docker.ContainerRuntime, outputLimit int) *CommandRunner {
	return &CommandRunner{
		runtime:     runtime,
		exec:        newContainerExecutor(runtime),
		outputLimit: outputLimit,
	}
}

// Run executes sh -c <command> and returns the combined output. A timeout,
// a missing container or a nonzero exit is an error; output is returned
// alongside it.
func (r *CommandRunner) Run(ctx context.Context, deployment string, cfg models.CommandTaskConfig) (string, error) {
	containerID, err := r.runtime.ResolveService(ctx, deployment, cfg.Service)
	if err != nil {
		return "", err
	}
	out, code, err := r.exec.RunCaptured(ctx, containerCommand{
		ContainerID: containerID,
		Script:      cfg.Command,
		Timeout:     cfg.TimeoutDuration(),
	}, r.outputLimit)
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, fmt.Errorf("command exited with code %d", code)
	}
	return out, nil
}
