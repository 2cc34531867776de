// Package scheduler assigns incoming tasks to a fixed pool of named
// execution slots. Each slot owns an unbounded FIFO queue drained by a
// single goroutine, so tasks for one slot never overlap. Dispatch picks
// the shortest queue, with a sticky affinity override for repositories
// that opt into single-queue processing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devhook/pkg/event"
	"devhook/pkg/github"
	"devhook/pkg/repocache"
	"devhook/pkg/sandbox"
)

// Task is one unit of work bound for a slot.
type Task struct {
	ID          string
	RepoName    string
	Description string
	Event       event.Event
}

// RepoResolver materializes a repository checkout and its options.
// *repocache.Cache satisfies it.
type RepoResolver interface {
	Ensure(ctx context.Context, repoName string) (string, repocache.DevsOptions, error)
}

// ArtifactUploader archives a completed task's workspace. Optional.
type ArtifactUploader interface {
	Upload(ctx context.Context, dir, repoName, taskID, slot string) (string, error)
}

// Config holds scheduler tuning knobs.
type Config struct {
	// Slots names the execution slots, in dispatch tie-break order.
	Slots []string
	// TaskTimeout bounds one worker subprocess run.
	TaskTimeout time.Duration
	// IdleTimeout is how long a slot's sandbox may sit unused before the
	// reaper stops it.
	IdleTimeout time.Duration
	// ReaperInterval is the sweep period for idle sandboxes.
	ReaperInterval time.Duration
	// WorkspaceRoot is where per-slot workspaces live; used for artifact
	// archiving after successful tasks.
	WorkspaceRoot string
}

func (c Config) withDefaults() Config {
	if len(c.Slots) == 0 {
		c.Slots = []string{"eamonn", "harry", "darren"}
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = time.Minute
	}
	return c
}

// slotState tracks one slot. queue, running, active, repoPath and
// lastUsed are guarded by Scheduler.mu; the wake channel has capacity 1
// and coalesces enqueue notifications.
type slotState struct {
	name     string
	queue    []Task
	wake     chan struct{}
	running  bool // sandbox container bound to this slot
	active   bool // task currently in flight
	repoPath string
	lastUsed time.Time
}

// Scheduler owns the slot pool and the goroutines that drain it.
type Scheduler struct {
	cfg      Config
	repos    RepoResolver
	runtime  sandbox.ExecutionRuntime
	notifier github.NotificationClient
	launcher Launcher
	journal  *Journal
	logger   *slog.Logger

	artifacts ArtifactUploader

	mu       sync.Mutex
	slots    map[string]*slotState
	order    []string
	affinity map[string]string // repo full name -> slot, single_queue repos only

	nowFunc func() time.Time
	wg      sync.WaitGroup
}

// New builds a scheduler. No goroutines start until Run. journal may be
// nil to disable the persistent event log.
func New(cfg Config, repos RepoResolver, runtime sandbox.ExecutionRuntime, notifier github.NotificationClient, launcher Launcher, journal *Journal, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		repos:    repos,
		runtime:  runtime,
		notifier: notifier,
		launcher: launcher,
		journal:  journal,
		logger:   logger,
		slots:    make(map[string]*slotState, len(cfg.Slots)),
		order:    append([]string(nil), cfg.Slots...),
		affinity: make(map[string]string),
		nowFunc:  time.Now,
	}
	for _, name := range cfg.Slots {
		s.slots[name] = &slotState{name: name, wake: make(chan struct{}, 1)}
	}
	return s
}

// SetArtifactUploader enables workspace archiving after successful tasks.
func (s *Scheduler) SetArtifactUploader(u ArtifactUploader) {
	s.artifacts = u
}

// Run starts one worker goroutine per slot plus the idle reaper, then
// blocks until ctx is cancelled. On the way out it waits for in-flight
// tasks to be killed and stops any remaining sandboxes.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, name := range s.order {
		st := s.slots[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.slotWorker(ctx, st)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reaperLoop(ctx)
	}()

	<-ctx.Done()
	s.wg.Wait()
	s.stopAllSandboxes()
	return nil
}

// QueueTask assigns the task to a slot and enqueues it. Returns false
// when no slots are configured. Assignment measures queue depths first
// and enqueues in a second step; a task queued concurrently between the
// two can land the assignment on a slot that is no longer shortest.
// That slightly stale pick is tolerated, queues are unbounded and the
// per-slot FIFO order is unaffected.
func (s *Scheduler) QueueTask(task Task) bool {
	slot, ok := s.assignSlot(task.Event.Repo.FullName)
	if !ok {
		s.logger.Warn("no slots configured, dropping task", "task_id", task.ID)
		return false
	}

	s.mu.Lock()
	st := s.slots[slot]
	st.queue = append(st.queue, task)
	depth := len(st.queue)
	s.mu.Unlock()

	s.logger.Info("task queued",
		"task_id", task.ID, "repo", task.RepoName, "slot", slot, "queue_depth", depth)
	s.record(eventQueued, task.ID, slot, task.RepoName, "")

	select {
	case st.wake <- struct{}{}:
	default:
	}
	return true
}

// assignSlot picks a slot for the repository: the sticky slot when the
// repository has single-queue affinity, otherwise the slot with the
// shortest queue. Ties break toward the earliest slot in configured
// order, so assignment is deterministic for a given depth snapshot.
func (s *Scheduler) assignSlot(repoFullName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return "", false
	}
	if slot, ok := s.affinity[repoFullName]; ok {
		if _, exists := s.slots[slot]; exists {
			return slot, true
		}
	}

	best := s.order[0]
	bestDepth := len(s.slots[best].queue)
	for _, name := range s.order[1:] {
		if d := len(s.slots[name].queue); d < bestDepth {
			best, bestDepth = name, d
		}
	}
	return best, true
}

// Errors returned by StopSlot.
var (
	ErrUnknownSlot = errors.New("unknown slot")
	ErrSlotBusy    = errors.New("slot has a task in flight")
)

// StopSlot force-stops a slot's sandbox and removes its workspace, for
// operator use ahead of the idle reaper. A slot with a task in flight is
// refused; a slot with no sandbox bound is a no-op.
func (s *Scheduler) StopSlot(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.slots[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	if st.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSlotBusy, name)
	}
	if !st.running {
		s.mu.Unlock()
		return nil
	}
	st.running = false
	st.repoPath = ""
	s.mu.Unlock()

	s.logger.Info("stopping sandbox on request", "slot", name)
	if err := s.runtime.Stop(ctx, name); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", name, err)
	}
	if err := s.runtime.RemoveWorkspace(ctx, name); err != nil {
		return fmt.Errorf("remove workspace %s: %w", name, err)
	}
	s.record(eventStopped, "", name, "", "")
	return nil
}

// recordAffinity pins a single-queue repository to a slot. First touch
// wins; later tasks for the repository keep routing to the same slot.
func (s *Scheduler) recordAffinity(repoFullName, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.affinity[repoFullName]; !ok {
		s.affinity[repoFullName] = slot
		s.logger.Info("single-queue repo pinned", "repo", repoFullName, "slot", slot)
	}
}

// SlotStatus is one slot's snapshot in GetStatus.
type SlotStatus struct {
	QueueDepth int        `json:"queue_depth"`
	Running    bool       `json:"running"`
	Active     bool       `json:"active"`
	RepoPath   string     `json:"repo_path,omitempty"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// Status is the full scheduler snapshot.
type Status struct {
	Slots            map[string]SlotStatus `json:"slots"`
	TotalSlots       int                   `json:"total_slots"`
	SingleQueueRepos map[string]string     `json:"single_queue_repos"`
}

// GetStatus returns a consistent snapshot of queue depths, sandbox
// bindings and the single-queue affinity table.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{
		Slots:            make(map[string]SlotStatus, len(s.order)),
		TotalSlots:       len(s.order),
		SingleQueueRepos: make(map[string]string, len(s.affinity)),
	}
	for _, name := range s.order {
		st := s.slots[name]
		ss := SlotStatus{
			QueueDepth: len(st.queue),
			Running:    st.running,
			Active:     st.active,
			RepoPath:   st.repoPath,
		}
		if !st.lastUsed.IsZero() {
			t := st.lastUsed
			ss.LastUsed = &t
		}
		out.Slots[name] = ss
	}
	for repo, slot := range s.affinity {
		out.SingleQueueRepos[repo] = slot
	}
	return out
}

// record writes a journal entry, logging and swallowing any failure.
func (s *Scheduler) record(evType, taskID, slot, repo, detail string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Record(ctx, evType, taskID, slot, repo, detail); err != nil {
		s.logger.Warn("journal write failed", "type", evType, "task_id", taskID, "error", err)
	}
}

// Journal event types.
const (
	eventQueued    = "queued"
	eventStarted   = "started"
	eventCompleted = "completed"
	eventFailed    = "failed"
	eventReaped    = "reaped"
	eventStopped   = "stopped"
)

// stopAllSandboxes tears down every bound sandbox during shutdown.
func (s *Scheduler) stopAllSandboxes() {
	s.mu.Lock()
	var bound []string
	for _, name := range s.order {
		if s.slots[name].running {
			bound = append(bound, name)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range bound {
		if err := s.runtime.Stop(ctx, name); err != nil {
			s.logger.Warn("stop sandbox failed", "slot", name, "error", err)
		}
		if err := s.runtime.RemoveWorkspace(ctx, name); err != nil {
			s.logger.Warn("remove workspace failed", "slot", name, "error", err)
		}
		s.mu.Lock()
		st := s.slots[name]
		st.running = false
		st.repoPath = ""
		s.mu.Unlock()
	}
}
