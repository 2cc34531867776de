package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"devhook/pkg/event"
	"devhook/pkg/repocache"
	"devhook/pkg/wire"
)

type fakeResolver struct {
	mu    sync.Mutex
	path  string
	opts  repocache.DevsOptions
	err   error
	calls []string
}

func (f *fakeResolver) Ensure(_ context.Context, repoName string) (string, repocache.DevsOptions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, repoName)
	if f.err != nil {
		return "", repocache.DevsOptions{}, f.err
	}
	path := f.path
	if path == "" {
		path = "/tmp/repos/" + repoName
	}
	opts := f.opts
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	return path, opts, nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	stops   []string
	removes []string
}

func (f *fakeRuntime) CreateWorkspace(_ context.Context, slot, _ string) (string, error) {
	return "/tmp/ws/" + slot, nil
}
func (f *fakeRuntime) EnsureRunning(_ context.Context, _, _ string) error { return nil }
func (f *fakeRuntime) Exec(_ context.Context, _, _ string, _ ...string) ([]byte, error) {
	return nil, nil
}
func (f *fakeRuntime) Stop(_ context.Context, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, slot)
	return nil
}
func (f *fakeRuntime) RemoveWorkspace(_ context.Context, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, slot)
	return nil
}

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (f *fakeNotifier) Post(_ context.Context, _ event.Event, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, body)
	return f.err
}

func (f *fakeNotifier) posted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

type fakeLauncher struct {
	mu            sync.Mutex
	specs         []LaunchSpec
	exitCode      int
	stdout        []byte
	err           error
	delay         time.Duration
	concurrent    int
	maxConcurrent int
}

func (f *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (int, []byte, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.concurrent--
	out := f.stdout
	if out == nil {
		out = successEnvelope(spec.TaskID, "done")
	}
	code, err := f.exitCode, f.err
	f.mu.Unlock()
	return code, out, err
}

func (f *fakeLauncher) launched() []LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LaunchSpec(nil), f.specs...)
}

func successEnvelope(taskID, output string) []byte {
	b, err := json.Marshal(wire.Response{
		Success:   true,
		Output:    output,
		TaskID:    taskID,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		panic(err)
	}
	return b
}

func testEvent(repo string) event.Event {
	n := 7
	return event.Event{
		Kind:   event.KindIssue,
		Action: "opened",
		Repo:   event.Repository{FullName: repo, Name: repo[strings.Index(repo, "/")+1:]},
		Issue:  &event.Issue{Number: n, Title: "t", Body: "b"},
	}
}

type testDeps struct {
	repos    *fakeResolver
	runtime  *fakeRuntime
	notifier *fakeNotifier
	launcher *fakeLauncher
}

func newTestScheduler(cfg Config) (*Scheduler, *testDeps) {
	d := &testDeps{
		repos:    &fakeResolver{},
		runtime:  &fakeRuntime{},
		notifier: &fakeNotifier{},
		launcher: &fakeLauncher{},
	}
	s := New(cfg, d.repos, d.runtime, d.notifier, d.launcher, nil, nil)
	return s, d
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAssignSlotShortestQueueDeterministic(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{Slots: []string{"a", "b", "c"}})

	// Empty queues tie, earliest configured slot wins.
	slot, ok := s.assignSlot("o/r")
	if !ok || slot != "a" {
		t.Fatalf("got %q ok=%v, want a", slot, ok)
	}

	s.mu.Lock()
	s.slots["a"].queue = []Task{{ID: "1"}, {ID: "2"}}
	s.slots["b"].queue = []Task{{ID: "3"}}
	s.mu.Unlock()

	if slot, _ := s.assignSlot("o/r"); slot != "c" {
		t.Fatalf("got %q, want c", slot)
	}

	s.mu.Lock()
	s.slots["c"].queue = []Task{{ID: "4"}}
	s.mu.Unlock()

	// b and c now tie at depth 1; b comes first in configured order.
	if slot, _ := s.assignSlot("o/r"); slot != "b" {
		t.Fatalf("got %q, want b", slot)
	}
}

func TestAssignSlotAffinityOverridesDepth(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{Slots: []string{"a", "b"}})
	s.recordAffinity("o/pinned", "b")

	s.mu.Lock()
	s.slots["b"].queue = []Task{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	s.mu.Unlock()

	// Pinned repo goes to its slot even with a deep queue there.
	if slot, _ := s.assignSlot("o/pinned"); slot != "b" {
		t.Fatalf("got %q, want b", slot)
	}
	// Other repos still balance.
	if slot, _ := s.assignSlot("o/other"); slot != "a" {
		t.Fatalf("got %q, want a", slot)
	}
}

func TestRecordAffinityFirstTouchWins(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{Slots: []string{"a", "b"}})
	s.recordAffinity("o/r", "a")
	s.recordAffinity("o/r", "b")

	if got := s.GetStatus().SingleQueueRepos["o/r"]; got != "a" {
		t.Fatalf("affinity = %q, want a", got)
	}
}

func TestTasksRunInFIFOOrder(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 5; i++ {
		s.QueueTask(Task{
			ID:          fmt.Sprintf("task-%d", i),
			RepoName:    "o/r",
			Description: "do it",
			Event:       testEvent("o/r"),
		})
	}
	waitFor(t, func() bool { return len(d.launcher.launched()) == 5 }, "5 launches")

	for i, spec := range d.launcher.launched() {
		if want := fmt.Sprintf("task-%d", i); spec.TaskID != want {
			t.Fatalf("launch %d = %q, want %q", i, spec.TaskID, want)
		}
		if spec.Slot != "solo" {
			t.Fatalf("launch %d on slot %q", i, spec.Slot)
		}
	}
}

func TestSlotNeverRunsTasksConcurrently(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})
	d.launcher.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 4; i++ {
		s.QueueTask(Task{ID: fmt.Sprintf("t%d", i), RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	}
	waitFor(t, func() bool { return len(d.launcher.launched()) == 4 }, "4 launches")

	d.launcher.mu.Lock()
	max := d.launcher.maxConcurrent
	d.launcher.mu.Unlock()
	if max != 1 {
		t.Fatalf("max concurrent launches = %d, want 1", max)
	}
}

func TestSingleQueueRepoPinnedOnFirstRun(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"a", "b"}})
	d.repos.opts = repocache.DevsOptions{DefaultBranch: "main", SingleQueue: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.QueueTask(Task{ID: "t1", RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	waitFor(t, func() bool {
		return s.GetStatus().SingleQueueRepos["o/r"] != ""
	}, "affinity recorded")

	pinned := s.GetStatus().SingleQueueRepos["o/r"]
	for i := 0; i < 3; i++ {
		if slot, _ := s.assignSlot("o/r"); slot != pinned {
			t.Fatalf("assignment %d = %q, want pinned %q", i, slot, pinned)
		}
	}
}

func TestDispatchScenarioMixedAffinity(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"a", "b"}})
	d.launcher.delay = 20 * time.Millisecond

	// Repo Y opts into single-queue processing; repo X does not.
	d.repos.opts = repocache.DevsOptions{DefaultBranch: "main", SingleQueue: true}

	slotA, _ := s.assignSlot("org/x")
	s.mu.Lock()
	s.slots[slotA].queue = append(s.slots[slotA].queue, Task{ID: "A", RepoName: "org/x", Event: testEvent("org/x")})
	s.mu.Unlock()

	slotB, _ := s.assignSlot("org/y")
	if slotB == slotA {
		t.Fatalf("B landed on the same slot as A (%q)", slotA)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.QueueTask(Task{ID: "B", RepoName: "org/y", Description: "x", Event: testEvent("org/y")})
	waitFor(t, func() bool {
		return s.GetStatus().SingleQueueRepos["org/y"] != ""
	}, "affinity for org/y")

	// C follows B to the pinned slot regardless of load.
	if slotC, _ := s.assignSlot("org/y"); slotC != s.GetStatus().SingleQueueRepos["org/y"] {
		t.Fatalf("C assigned to %q, want pinned slot", slotC)
	}
}

func TestSuccessNotificationStripsEscapes(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})
	d.launcher.stdout = successEnvelope("t1", "\x1b[32mall green\x1b[0m and done")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.QueueTask(Task{ID: "t1", RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	waitFor(t, func() bool { return len(d.notifier.posted()) == 1 }, "notification")

	body := d.notifier.posted()[0]
	if body != "all green and done" {
		t.Fatalf("body = %q", body)
	}
}

func TestFailureNotificationQuotesError(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})
	d.launcher.exitCode = 1
	resp, _ := json.Marshal(wire.Response{Success: false, Error: "agent exploded", TaskID: "t1"})
	d.launcher.stdout = resp

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.QueueTask(Task{ID: "t1", RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	waitFor(t, func() bool { return len(d.notifier.posted()) == 1 }, "notification")

	body := d.notifier.posted()[0]
	if !strings.Contains(body, "agent exploded") || !strings.Contains(body, "Devhook Error") {
		t.Fatalf("body = %q", body)
	}
}

func TestTestEventsSuppressNotifications(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	ev := testEvent("o/r")
	ev.IsTest = true
	s.QueueTask(Task{ID: "t1", RepoName: "o/r", Description: "x", Event: ev})
	waitFor(t, func() bool { return len(d.launcher.launched()) == 1 }, "launch")

	// Give the pipeline time to (incorrectly) post.
	time.Sleep(50 * time.Millisecond)
	if got := d.notifier.posted(); len(got) != 0 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestRepoSetupFailureSkipsLaunch(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})
	d.repos.err = fmt.Errorf("clone failed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.QueueTask(Task{ID: "t1", RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	waitFor(t, func() bool { return len(d.notifier.posted()) == 1 }, "failure notification")

	if got := d.launcher.launched(); len(got) != 0 {
		t.Fatalf("unexpected launches: %v", got)
	}
	if body := d.notifier.posted()[0]; !strings.Contains(body, "repository setup failed") {
		t.Fatalf("body = %q", body)
	}
}

func TestInterpretOutcome(t *testing.T) {
	t.Parallel()
	envelope := func(r wire.Response) []byte {
		b, _ := json.Marshal(r)
		return b
	}

	tests := []struct {
		name        string
		exitCode    int
		stdout      []byte
		launchErr   error
		wantSuccess bool
		wantOutput  string
		wantFailure string
	}{
		{
			name:        "success envelope",
			stdout:      envelope(wire.Response{Success: true, Output: "did the thing"}),
			wantSuccess: true,
			wantOutput:  "did the thing",
		},
		{
			name:        "structured failure",
			exitCode:    1,
			stdout:      envelope(wire.Response{Success: false, Error: "no branch"}),
			wantFailure: "no branch",
		},
		{
			name:        "success flag without error on nonzero exit",
			exitCode:    1,
			stdout:      envelope(wire.Response{Success: true, Output: "partial"}),
			wantFailure: "worker exited with code 1",
		},
		{
			name:        "garbage stdout on clean exit",
			exitCode:    0,
			stdout:      []byte("panic: something awful\ngoroutine 1"),
			wantFailure: "unparseable output: panic: something awful",
		},
		{
			name:        "timeout",
			launchErr:   fmt.Errorf("%w after 2s", ErrLaunchTimeout),
			wantFailure: "task timed out after 2s",
		},
		{
			name:        "spawn failure",
			launchErr:   fmt.Errorf("start worker subprocess: no such file"),
			wantFailure: "start worker subprocess",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			success, output, failure := interpretOutcome(tt.exitCode, tt.stdout, tt.launchErr, 2*time.Second)
			if success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (failure=%q)", success, tt.wantSuccess, failure)
			}
			if output != tt.wantOutput {
				t.Fatalf("output = %q, want %q", output, tt.wantOutput)
			}
			if tt.wantFailure != "" && !strings.Contains(failure, tt.wantFailure) {
				t.Fatalf("failure = %q, want substring %q", failure, tt.wantFailure)
			}
		})
	}
}

func TestInterpretOutcomeBoundsRawPreview(t *testing.T) {
	t.Parallel()
	raw := strings.Repeat("x", 5000)
	_, _, failure := interpretOutcome(0, []byte(raw), nil, time.Second)
	if len(failure) > rawPreviewLimit+200 {
		t.Fatalf("failure message too long: %d bytes", len(failure))
	}
	if !strings.Contains(failure, "truncated") {
		t.Fatalf("failure = %q, want truncation marker", failure[:80])
	}
}

func TestSweepIdleReapsOnlyEligibleSlots(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{
		Slots:       []string{"idle", "busy", "queued", "fresh"},
		IdleTimeout: 10 * time.Minute,
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	stale := base.Add(-time.Hour)
	s.mu.Lock()
	s.slots["idle"].running = true
	s.slots["idle"].lastUsed = stale
	s.slots["busy"].running = true
	s.slots["busy"].active = true
	s.slots["busy"].lastUsed = stale
	s.slots["queued"].running = true
	s.slots["queued"].lastUsed = stale
	s.slots["queued"].queue = []Task{{ID: "pending"}}
	s.slots["fresh"].running = true
	s.slots["fresh"].lastUsed = base.Add(-time.Minute)
	s.mu.Unlock()

	s.sweepIdle(context.Background())

	if got := d.runtime.stops; len(got) != 1 || got[0] != "idle" {
		t.Fatalf("stops = %v, want [idle]", got)
	}
	st := s.GetStatus()
	if st.Slots["idle"].Running {
		t.Fatal("idle slot still marked running")
	}
	for _, name := range []string{"busy", "queued", "fresh"} {
		if !st.Slots[name].Running {
			t.Fatalf("slot %s was reaped", name)
		}
	}
}

func TestSweepIdleIsIdempotent(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"a"}, IdleTimeout: time.Minute})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	s.mu.Lock()
	s.slots["a"].running = true
	s.slots["a"].lastUsed = base.Add(-time.Hour)
	s.mu.Unlock()

	s.sweepIdle(context.Background())
	s.sweepIdle(context.Background())

	if got := d.runtime.stopCount(); got != 1 {
		t.Fatalf("stops = %d, want 1", got)
	}
}

func TestShutdownAbandonsQueuedTasks(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"solo"}})
	d.launcher.delay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		s.QueueTask(Task{ID: fmt.Sprintf("t%d", i), RepoName: "o/r", Description: "x", Event: testEvent("o/r")})
	}
	waitFor(t, func() bool { return len(d.launcher.launched()) == 1 }, "first launch")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Only the in-flight task ran; the rest stay queued, unlaunched.
	if got := len(d.launcher.launched()); got != 1 {
		t.Fatalf("launched %d tasks after cancel, want 1", got)
	}
	if depth := s.GetStatus().Slots["solo"].QueueDepth; depth != 4 {
		t.Fatalf("queue depth after shutdown = %d, want 4", depth)
	}
}

func TestStopSlotTearsDownIdleSandbox(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"a"}})

	s.mu.Lock()
	s.slots["a"].running = true
	s.slots["a"].repoPath = "/repos/o-r"
	s.mu.Unlock()

	if err := s.StopSlot(context.Background(), "a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := d.runtime.stops; len(got) != 1 || got[0] != "a" {
		t.Fatalf("stops = %v", got)
	}
	st := s.GetStatus().Slots["a"]
	if st.Running || st.RepoPath != "" {
		t.Fatalf("slot still bound: %+v", st)
	}

	// Stopping again is a no-op.
	if err := s.StopSlot(context.Background(), "a"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := d.runtime.stopCount(); got != 1 {
		t.Fatalf("stops after second call = %d, want 1", got)
	}
}

func TestStopSlotRefusesActiveAndUnknown(t *testing.T) {
	t.Parallel()
	s, d := newTestScheduler(Config{Slots: []string{"a"}})

	if err := s.StopSlot(context.Background(), "nope"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("err = %v, want ErrUnknownSlot", err)
	}

	s.mu.Lock()
	s.slots["a"].running = true
	s.slots["a"].active = true
	s.mu.Unlock()

	if err := s.StopSlot(context.Background(), "a"); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("err = %v, want ErrSlotBusy", err)
	}
	if got := d.runtime.stopCount(); got != 0 {
		t.Fatalf("stops = %d, want 0", got)
	}
}

func TestTruncatePreservesValidUTF8(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 300) // 2 bytes per rune
	for _, limit := range []int{5, 6, 100} {
		out := truncate(long, limit)
		if !utf8.ValidString(out) {
			t.Fatalf("limit %d: invalid UTF-8 in %q", limit, out)
		}
		if !strings.HasSuffix(out, "(truncated)") {
			t.Fatalf("limit %d: missing marker in %q", limit, out)
		}
	}
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestGetStatusSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{Slots: []string{"a", "b"}})

	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.mu.Lock()
	s.slots["a"].queue = []Task{{ID: "1"}, {ID: "2"}}
	s.slots["a"].running = true
	s.slots["a"].repoPath = "/repos/o-r"
	s.slots["a"].lastUsed = last
	s.mu.Unlock()
	s.recordAffinity("o/r", "a")

	st := s.GetStatus()
	if st.TotalSlots != 2 {
		t.Fatalf("total = %d", st.TotalSlots)
	}
	a := st.Slots["a"]
	if a.QueueDepth != 2 || !a.Running || a.RepoPath != "/repos/o-r" {
		t.Fatalf("slot a = %+v", a)
	}
	if a.LastUsed == nil || !a.LastUsed.Equal(last) {
		t.Fatalf("last used = %v", a.LastUsed)
	}
	if b := st.Slots["b"]; b.QueueDepth != 0 || b.Running || b.LastUsed != nil {
		t.Fatalf("slot b = %+v", b)
	}
	if st.SingleQueueRepos["o/r"] != "a" {
		t.Fatalf("affinity = %v", st.SingleQueueRepos)
	}
}

func TestDefaultSlots(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(Config{})
	st := s.GetStatus()
	if st.TotalSlots != 3 {
		t.Fatalf("total = %d", st.TotalSlots)
	}
	for _, name := range []string{"eamonn", "harry", "darren"} {
		if _, ok := st.Slots[name]; !ok {
			t.Fatalf("missing default slot %s", name)
		}
	}
}
