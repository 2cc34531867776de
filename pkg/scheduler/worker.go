package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"devhook/pkg/wire"
)

// slotWorker drains one slot's queue until ctx is cancelled. Tasks run
// strictly one at a time; a panic while processing is contained to the
// offending task so the slot keeps serving. Cancellation is checked
// before every dequeue: queued but unstarted tasks are abandoned at
// shutdown rather than launched into an already-cancelled context.
func (s *Scheduler) slotWorker(ctx context.Context, st *slotState) {
	logger := s.logger.With("slot", st.name)
	logger.Info("slot worker started")
	for {
		if ctx.Err() != nil {
			logger.Info("slot worker stopped")
			return
		}
		task, ok := s.dequeue(st)
		if !ok {
			select {
			case <-ctx.Done():
				logger.Info("slot worker stopped")
				return
			case <-st.wake:
				continue
			}
		}
		s.runTask(ctx, st, task)
	}
}

// dequeue pops the oldest task from the slot's queue.
func (s *Scheduler) dequeue(st *slotState) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(st.queue) == 0 {
		return Task{}, false
	}
	task := st.queue[0]
	st.queue = st.queue[1:]
	return task, true
}

// runTask wraps processTask with a panic boundary.
func (s *Scheduler) runTask(ctx context.Context, st *slotState, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing task",
				"slot", st.name, "task_id", task.ID, "panic", fmt.Sprint(r))
			s.record(eventFailed, task.ID, st.name, task.RepoName, fmt.Sprintf("panic: %v", r))
			s.finishTask(st)
		}
	}()
	s.processTask(ctx, st, task)
}

// processTask runs the full pipeline for one task: materialize the
// repository, spawn the worker subprocess, interpret its envelope, then
// notify the originating thread.
func (s *Scheduler) processTask(ctx context.Context, st *slotState, task Task) {
	logger := s.logger.With("slot", st.name, "task_id", task.ID, "repo", task.RepoName)
	logger.Info("task started")

	repoPath, opts, err := s.repos.Ensure(ctx, task.RepoName)
	if err != nil {
		logger.Error("repository setup failed", "error", err)
		s.record(eventFailed, task.ID, st.name, task.RepoName, err.Error())
		s.notifyFailure(ctx, task, fmt.Sprintf("repository setup failed: %v", err))
		return
	}
	if opts.SingleQueue {
		s.recordAffinity(task.Event.Repo.FullName, st.name)
	}

	s.mu.Lock()
	st.running = true
	st.active = true
	st.repoPath = repoPath
	st.lastUsed = s.nowFunc()
	s.mu.Unlock()
	defer s.finishTask(st)

	s.record(eventStarted, task.ID, st.name, task.RepoName, "")

	spec := LaunchSpec{
		TaskID:   task.ID,
		Slot:     st.name,
		RepoName: task.RepoName,
		RepoPath: repoPath,
		Timeout:  s.cfg.TaskTimeout,
		Request: wire.Request{
			TaskDescription: task.Description,
			Event:           task.Event,
			DevsOptions:     &opts,
		},
	}

	exitCode, stdout, launchErr := s.launcher.Launch(ctx, spec)
	success, output, failure := interpretOutcome(exitCode, stdout, launchErr, s.cfg.TaskTimeout)

	if success {
		logger.Info("task completed", "output_bytes", len(output))
		s.record(eventCompleted, task.ID, st.name, task.RepoName, "")
		s.notifySuccess(ctx, task, output)
		s.uploadArtifacts(ctx, task, st.name)
		return
	}
	logger.Error("task failed", "error", failure)
	s.record(eventFailed, task.ID, st.name, task.RepoName, failure)
	s.notifyFailure(ctx, task, failure)
}

// finishTask clears the in-flight flag and refreshes the idle clock.
func (s *Scheduler) finishTask(st *slotState) {
	s.mu.Lock()
	st.active = false
	st.lastUsed = s.nowFunc()
	s.mu.Unlock()
}

// rawPreviewLimit bounds how much unparseable subprocess output gets
// quoted in failure messages.
const rawPreviewLimit = 500

// interpretOutcome maps a subprocess result to (success, output, failure
// message). Exit code zero with a well-formed success envelope is the
// only success path; everything else produces a failure message, quoting
// a bounded prefix of raw stdout when the envelope cannot be parsed.
func interpretOutcome(exitCode int, stdout []byte, launchErr error, timeout time.Duration) (bool, string, string) {
	if launchErr != nil {
		if errors.Is(launchErr, ErrLaunchTimeout) {
			return false, "", fmt.Sprintf("task timed out after %s", timeout)
		}
		return false, "", launchErr.Error()
	}

	resp, parseErr := wire.ParseResponse(stdout)
	if parseErr != nil {
		return false, "", fmt.Sprintf("worker exited with code %d and unparseable output: %s",
			exitCode, truncate(strings.TrimSpace(string(stdout)), rawPreviewLimit))
	}
	if resp.Success && exitCode == 0 {
		return true, resp.Output, ""
	}
	msg := resp.Error
	if msg == "" {
		msg = fmt.Sprintf("worker exited with code %d", exitCode)
	}
	return false, "", msg
}

// notifySuccess posts the agent's output back to the originating thread.
// Test events are logged only.
func (s *Scheduler) notifySuccess(ctx context.Context, task Task, output string) {
	if task.Event.IsTest {
		s.logger.Info("test event, notification suppressed", "task_id", task.ID)
		return
	}
	body := sanitizeComment(output)
	if body == "" {
		body = "Task completed with no output."
	}
	if err := s.notifier.Post(ctx, task.Event, body); err != nil {
		s.logger.Warn("notification failed", "task_id", task.ID, "error", err)
	}
}

// notifyFailure posts a formatted error to the originating thread.
func (s *Scheduler) notifyFailure(ctx context.Context, task Task, failure string) {
	if task.Event.IsTest {
		s.logger.Info("test event, failure notification suppressed",
			"task_id", task.ID, "error", failure)
		return
	}
	body := fmt.Sprintf("🤖 **Devhook Error**\n\nI hit an error while working on this:\n\n```\n%s\n```\n\nPlease check the logs or try again.",
		sanitizeComment(failure))
	if err := s.notifier.Post(ctx, task.Event, body); err != nil {
		s.logger.Warn("failure notification failed", "task_id", task.ID, "error", err)
	}
}

// uploadArtifacts archives the slot's workspace after a successful run.
// Best effort: failures are logged, never surfaced to the thread.
func (s *Scheduler) uploadArtifacts(ctx context.Context, task Task, slot string) {
	if s.artifacts == nil || task.Event.IsTest {
		return
	}
	dir := filepath.Join(s.cfg.WorkspaceRoot, slot)
	key, err := s.artifacts.Upload(ctx, dir, task.RepoName, task.ID, slot)
	if err != nil {
		s.logger.Warn("artifact upload failed", "task_id", task.ID, "error", err)
		return
	}
	s.logger.Info("artifacts uploaded", "task_id", task.ID, "key", key)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// maxCommentLen keeps comment bodies under the GitHub issue comment cap.
const maxCommentLen = 60000

// sanitizeComment strips terminal escape sequences and caps the length so
// raw agent output is safe to post as an issue comment.
func sanitizeComment(body string) string {
	body = ansiEscape.ReplaceAllString(body, "")
	body = strings.TrimSpace(body)
	return truncate(body, maxCommentLen)
}

// truncate caps s at limit bytes, backing off to a rune boundary so the
// cut never leaves invalid UTF-8 behind.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
