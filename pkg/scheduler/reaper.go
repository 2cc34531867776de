package scheduler

import (
	"context"
	"time"
)

// reaperLoop sweeps for idle sandboxes at the configured interval.
func (s *Scheduler) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle(ctx)
		}
	}
}

// sweepIdle stops sandboxes that have sat unused past the idle timeout.
// A slot is reaped only when its sandbox is bound, no task is in flight
// and its queue is empty. Candidates are claimed under the lock before
// the blocking teardown calls, so a sweep racing a task start never
// tears down a sandbox the task still needs: the worker either marked
// the slot active first, or will rebind a fresh sandbox on its own.
// Sweeping an already-reaped slot is a no-op.
func (s *Scheduler) sweepIdle(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	var claimed []string
	for _, name := range s.order {
		st := s.slots[name]
		if !st.running || st.active || len(st.queue) > 0 {
			continue
		}
		if now.Sub(st.lastUsed) < s.cfg.IdleTimeout {
			continue
		}
		st.running = false
		st.repoPath = ""
		claimed = append(claimed, name)
	}
	s.mu.Unlock()

	for _, name := range claimed {
		s.logger.Info("reaping idle sandbox", "slot", name)
		if err := s.runtime.Stop(ctx, name); err != nil {
			s.logger.Warn("stop idle sandbox failed", "slot", name, "error", err)
		}
		if err := s.runtime.RemoveWorkspace(ctx, name); err != nil {
			s.logger.Warn("remove idle workspace failed", "slot", name, "error", err)
		}
		s.record(eventReaped, "", name, "", "")
	}
}
