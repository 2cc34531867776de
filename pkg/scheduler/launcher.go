package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"devhook/pkg/wire"
)

// ErrLaunchTimeout reports that a worker subprocess exceeded its deadline
// and was killed.
var ErrLaunchTimeout = errors.New("worker subprocess timed out")

// LaunchSpec describes one worker subprocess invocation.
type LaunchSpec struct {
	TaskID   string
	Slot     string
	RepoName string
	RepoPath string
	Timeout  time.Duration
	Request  wire.Request
}

// Launcher runs one task in an isolated worker subprocess and returns the
// subprocess exit code together with everything it wrote to stdout. A
// non-nil error means the subprocess could not be run to completion at
// all (spawn failure, timeout kill, context cancellation); exit-code and
// envelope interpretation is left to the caller.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (exitCode int, stdout []byte, err error)
}

// ExecLauncher launches worker subprocesses by re-executing the current
// binary with the worker subcommand. Each child runs in its own process
// group so a timeout kill takes down the whole tree, agent process
// included.
type ExecLauncher struct {
	// cmdFactory builds the child command. Tests substitute a stub binary.
	cmdFactory func(spec LaunchSpec) *exec.Cmd
}

// NewExecLauncher returns a launcher that spawns os.Args[0] worker.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{cmdFactory: workerCommand}
}

func workerCommand(spec LaunchSpec) *exec.Cmd {
	timeoutSecs := int(spec.Timeout / time.Second)
	return exec.Command(os.Args[0], "worker",
		"--task-id", spec.TaskID,
		"--dev-name", spec.Slot,
		"--repo-name", spec.RepoName,
		"--repo-path", spec.RepoPath,
		"--timeout", strconv.Itoa(timeoutSecs),
	)
}

// Launch runs the subprocess, feeding the request envelope on stdin and
// capturing stdout. The child's stderr is passed through to ours so its
// logs interleave with the parent's.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, []byte, error) {
	cmd := l.cmdFactory(spec)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("open worker stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return 0, nil, fmt.Errorf("start worker subprocess: %w", err)
	}
	pgid := cmd.Process.Pid

	writeErr := wire.WriteRequest(stdin, spec.Request)
	_ = stdin.Close()
	if writeErr != nil {
		killGroup(pgid)
		_ = cmd.Wait()
		return 0, nil, fmt.Errorf("write worker request: %w", writeErr)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		killGroup(pgid)
		<-done
		return 0, stdout.Bytes(), ctx.Err()
	case <-timeout:
		killGroup(pgid)
		<-done
		return 0, stdout.Bytes(), fmt.Errorf("%w after %s", ErrLaunchTimeout, spec.Timeout)
	case waitErr := <-done:
		if waitErr == nil {
			return 0, stdout.Bytes(), nil
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), stdout.Bytes(), nil
		}
		return 0, stdout.Bytes(), fmt.Errorf("wait for worker subprocess: %w", waitErr)
	}
}

// killGroup terminates the child's process group: SIGTERM first, then
// SIGKILL shortly after for anything that ignored it.
func killGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(3 * time.Second)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}
