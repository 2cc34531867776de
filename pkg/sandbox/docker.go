package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"devhook/pkg/execx"
)

// DefaultImage is the sandbox image used when none is configured.
const DefaultImage = "devhook/sandbox:latest"

// DockerRuntime implements ExecutionRuntime by shelling out to the docker
// CLI. One container per slot, named devhook-<slot>, kept warm between
// tasks until the idle reaper stops it.
type DockerRuntime struct {
	workspaceRoot string
	image         string
	runner        execx.CommandRunner
	logger        *slog.Logger
}

// NewDockerRuntime creates a DockerRuntime storing workspaces under root.
// image may be empty to use DefaultImage.
func NewDockerRuntime(root, image string, runner execx.CommandRunner, logger *slog.Logger) *DockerRuntime {
	if image == "" {
		image = DefaultImage
	}
	return &DockerRuntime{
		workspaceRoot: root,
		image:         image,
		runner:        runner,
		logger:        logger.With("component", "sandbox"),
	}
}

// ContainerName returns the container a slot maps to.
func ContainerName(slot string) string {
	return "devhook-" + slot
}

func (d *DockerRuntime) workspacePath(slot string) string {
	return filepath.Join(d.workspaceRoot, slot)
}

// CreateWorkspace replaces the slot's workspace with a fresh local clone
// of repoPath. Local clones share objects with the cache copy, so this is
// cheap even for large repositories.
func (d *DockerRuntime) CreateWorkspace(ctx context.Context, slot, repoPath string) (string, error) {
	ws := d.workspacePath(slot)
	if err := os.RemoveAll(ws); err != nil {
		return "", fmt.Errorf("clear workspace %s: %w", ws, err)
	}
	if err := os.MkdirAll(d.workspaceRoot, 0o700); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	if _, err := d.runner.Run(ctx, "git", "clone", "--local", repoPath, ws); err != nil {
		return "", fmt.Errorf("seed workspace for %s: %w", slot, err)
	}
	d.logger.Info("workspace created", "slot", slot, "workspace", ws)
	return ws, nil
}

// EnsureRunning starts the slot's container if it is not already running,
// creating it on first use with the workspace mounted at /workspaces/<slot>.
func (d *DockerRuntime) EnsureRunning(ctx context.Context, slot, workspace string) error {
	name := ContainerName(slot)

	out, err := d.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name)
	switch {
	case err == nil && strings.TrimSpace(string(out)) == "true":
		return nil
	case err == nil:
		if _, err := d.runner.Run(ctx, "docker", "start", name); err != nil {
			return fmt.Errorf("start sandbox %s: %w", name, err)
		}
		return nil
	}

	// No container yet.
	if _, err := d.runner.Run(ctx, "docker", "run", "-d",
		"--name", name,
		"-v", workspace+":/workspaces/"+slot,
		"-w", "/workspaces/"+slot,
		d.image, "sleep", "infinity",
	); err != nil {
		return fmt.Errorf("create sandbox %s: %w", name, err)
	}
	d.logger.Info("sandbox started", "slot", slot, "container", name)
	return nil
}

// Exec runs argv inside the slot's container.
func (d *DockerRuntime) Exec(ctx context.Context, slot, workdir string, argv ...string) ([]byte, error) {
	name := ContainerName(slot)
	args := append([]string{"exec", "-i", "-w", workdir, name}, argv...)
	out, err := d.runner.Run(ctx, "docker", args...)
	if err != nil {
		return out, fmt.Errorf("exec in sandbox %s: %w", name, err)
	}
	return out, nil
}

// Stop halts and removes the slot's container. An absent container is
// treated as already stopped.
func (d *DockerRuntime) Stop(ctx context.Context, slot string) error {
	name := ContainerName(slot)
	if _, err := d.runner.Run(ctx, "docker", "inspect", name); err != nil {
		return nil // nothing to stop
	}
	if _, err := d.runner.Run(ctx, "docker", "rm", "-f", name); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", name, err)
	}
	d.logger.Info("sandbox stopped", "slot", slot, "container", name)
	return nil
}

// RemoveWorkspace deletes the slot's workspace directory.
func (d *DockerRuntime) RemoveWorkspace(_ context.Context, slot string) error {
	ws := d.workspacePath(slot)
	if err := os.RemoveAll(ws); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws, err)
	}
	return nil
}
