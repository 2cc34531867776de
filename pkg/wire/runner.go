package wire

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"devhook/pkg/sandbox"
)

// promptPreamble frames the task for the execution agent. The task context
// and any per-repository extras are appended below it.
const promptPreamble = `You are an AI developer helping build a software project in a GitHub repository. You have been mentioned in a GitHub issue/PR and need to take action.

You should ensure you're on the latest %s branch if starting a fresh task (git pull origin %s), and generally work on feature branches for changes. Submit your changes as a draft pull request when done (mention that it closes an issue number if it does).

If you need to ask for clarification, or if only asked for your thoughts, please respond with a comment on the issue/PR.

You should always comment back in any case. The gh CLI is available for GitHub operations, and you can use git too.`

// DefaultAgentArgv is the command run inside the sandbox to execute a task.
// The prompt is appended as the final argument.
func DefaultAgentArgv() []string {
	return []string{"claude", "--dangerously-skip-permissions", "-p"}
}

// Runner is the worker-subprocess side of the wire contract. It performs
// the sandbox operations that are unsafe inside the scheduler loop:
// workspace provisioning, container startup, and the blocking agent exec.
type Runner struct {
	TaskID   string
	Slot     string
	RepoName string
	RepoPath string
	Runtime  sandbox.ExecutionRuntime
	Logger   *slog.Logger

	// AgentArgv overrides the agent command (for tests). Nil means
	// DefaultAgentArgv.
	AgentArgv []string

	// now allows tests to pin response timestamps.
	now func() time.Time
}

// Run reads the request from stdin, executes the task, and writes the
// response envelope to stdout. The returned code is the process exit
// status: 0 iff the task succeeded. Run never panics outward; any internal
// failure becomes a Success=false envelope.
func (r *Runner) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	nowFn := r.now
	if nowFn == nil {
		nowFn = time.Now
	}

	req, err := ReadRequest(stdin)
	if err != nil {
		return r.respond(stdout, Response{
			Success:   false,
			Error:     fmt.Sprintf("worker subprocess failed: %v", err),
			TaskID:    r.TaskID,
			Timestamp: nowFn(),
		})
	}

	output, execErr := r.execute(ctx, req)

	resp := Response{
		Success:   execErr == nil,
		Output:    output,
		TaskID:    r.TaskID,
		Timestamp: nowFn(),
	}
	if execErr != nil {
		resp.Error = execErr.Error()
	}
	return r.respond(stdout, resp)
}

// execute performs the actual sandboxed task run.
func (r *Runner) execute(ctx context.Context, req Request) (string, error) {
	// Synthetic test events exercise the full queue/subprocess path but
	// must not touch real infrastructure.
	if req.Event.IsTest {
		r.Logger.Info("test event, skipping sandbox execution", "task_id", r.TaskID)
		return "test event processed (execution skipped)", nil
	}

	workspace, err := r.Runtime.CreateWorkspace(ctx, r.Slot, r.RepoPath)
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	if err := r.Runtime.EnsureRunning(ctx, r.Slot, workspace); err != nil {
		return "", fmt.Errorf("ensure sandbox running: %w", err)
	}

	prompt := BuildPrompt(req)
	argv := r.AgentArgv
	if argv == nil {
		argv = DefaultAgentArgv()
	}
	argv = append(append([]string(nil), argv...), prompt)

	r.Logger.Info("executing agent",
		"task_id", r.TaskID, "slot", r.Slot, "repo", r.RepoName)

	out, err := r.Runtime.Exec(ctx, r.Slot, "/workspaces/"+r.Slot, argv...)
	if err != nil {
		// Keep whatever output the agent produced; the scheduler reports it.
		return string(out), fmt.Errorf("agent execution failed: %w", err)
	}
	return string(out), nil
}

// BuildPrompt renders the full agent prompt for a request: preamble with
// the repository's default branch, per-repository extras, then the task.
func BuildPrompt(req Request) string {
	opts := req.Options()
	var b strings.Builder
	fmt.Fprintf(&b, promptPreamble, opts.DefaultBranch, opts.DefaultBranch)
	b.WriteString("\n\n")
	if opts.PromptExtra != "" {
		b.WriteString(opts.PromptExtra)
		b.WriteString("\n\n")
	}
	b.WriteString(req.TaskDescription)
	return b.String()
}

// respond writes resp and maps it to an exit code.
func (r *Runner) respond(stdout io.Writer, resp Response) int {
	if err := WriteResponse(stdout, resp); err != nil {
		r.Logger.Error("write response", "task_id", r.TaskID, "error", err)
		return 1
	}
	if resp.Success {
		return 0
	}
	return 1
}
