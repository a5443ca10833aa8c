package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskforge/internal/agent"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/delegation"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/modelcache"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
)

type nopLoader struct{}

func (nopLoader) Load(ctx context.Context, model string) error   { return nil }
func (nopLoader) Unload(ctx context.Context, model string) error { return nil }

// starvedView wraps the cache but never has room for the listed models.
type starvedView struct {
	*modelcache.Manager
	starved map[string]bool
}

func (v starvedView) Satisfiable(model string, cost float64) bool {
	return !v.starved[model] && v.Manager.Satisfiable(model, cost)
}

// behaviour is what a fake control loop does with a running task. run is
// the number of times the task has been started before.
type behaviour func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome

// fakeLoop stands in for agent.Loop, dispatching on the task's agent role.
type fakeLoop struct {
	sched  *scheduler.Scheduler
	mu     sync.Mutex
	roles  map[string]behaviour
	starts map[string]int
}

func (f *fakeLoop) Run(ctx context.Context, taskID string) agent.Outcome {
	task, ok := f.sched.Get(taskID)
	if !ok {
		return agent.Outcome{TaskID: taskID, Status: scheduler.TaskFailed, Err: scheduler.ErrTaskNotFound}
	}
	if err := f.sched.MarkRunning(taskID); err != nil {
		return agent.Outcome{TaskID: taskID, Status: task.Status, Err: err}
	}

	f.mu.Lock()
	run := f.starts[taskID]
	f.starts[taskID]++
	fn := f.roles[task.AssignedAgent]
	f.mu.Unlock()

	if fn == nil {
		return complete(f.sched, taskID, "ok")
	}
	return fn(ctx, task, run)
}

func complete(s *scheduler.Scheduler, id, result string) agent.Outcome {
	_ = s.MarkComplete(id, result)
	return agent.Outcome{TaskID: id, Status: scheduler.TaskComplete, Result: result}
}

func failed(s *scheduler.Scheduler, id, msg string) agent.Outcome {
	_ = s.MarkFailed(id, msg)
	return agent.Outcome{TaskID: id, Status: scheduler.TaskFailed, Err: errors.New(msg), Reason: recovery.ReasonModelError}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return events.Envelope{Event: e}
}

func (r *recorder) ofType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	sched    *scheduler.Scheduler
	mgr      *delegation.Manager
	loop     *fakeLoop
	store    *persistence.SQLiteStore
	recovery *recovery.Store
	events   *recorder
	cache    *modelcache.Manager
	orch     *Orchestrator
}

type harnessOpts struct {
	policy  delegation.FailurePolicy
	starved []string
	cfg     func(*Config)
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	registry := config.NewRegistry(config.DefaultConfig().Agents)
	cache := modelcache.New(16, 0.125, nopLoader{})

	var view scheduler.ResourceView = cache
	if len(opts.starved) > 0 {
		sv := starvedView{Manager: cache, starved: make(map[string]bool)}
		for _, m := range opts.starved {
			sv.starved[m] = true
		}
		view = sv
	}

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rec, err := recovery.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		sched:    scheduler.New(registry, view),
		store:    store,
		recovery: rec,
		events:   &recorder{},
		cache:    cache,
	}
	policy := opts.policy
	if policy == "" {
		policy = delegation.PolicyFailFast
	}
	h.mgr = delegation.New(h.sched, registry,
		delegation.WithConversation(store),
		delegation.WithRecovery(rec),
		delegation.WithPolicy(policy),
	)
	h.loop = &fakeLoop{sched: h.sched, roles: make(map[string]behaviour), starts: make(map[string]int)}

	cfg := Config{
		Scheduler:   h.sched,
		Loop:        h.loop,
		Delegation:  h.mgr,
		Tasks:       store,
		Recovery:    rec,
		Cache:       cache,
		KeepWarm:    cache,
		Events:      h.events,
		PollInitial: time.Millisecond,
		PollMax:     5 * time.Millisecond,
		MaxWait:     50 * time.Millisecond,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) delegate(t *testing.T, ctx context.Context, parent *scheduler.Task, targets ...string) agent.Outcome {
	for _, target := range targets {
		if _, err := h.mgr.Delegate(ctx, parent.ID, delegation.Request{TargetAgent: target, Description: target + " part"}); err != nil {
			t.Errorf("Delegate to %s: %v", target, err)
			return failed(h.sched, parent.ID, err.Error())
		}
	}
	return agent.Outcome{TaskID: parent.ID, Status: scheduler.TaskWaiting}
}

// coordinator delegates to targets on its first start and completes on
// the next one.
func (h *harness) coordinator(t *testing.T, result string, targets ...string) behaviour {
	return func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		if run == 0 {
			return h.delegate(t, ctx, task, targets...)
		}
		return complete(h.sched, task.ID, result)
	}
}

func (h *harness) byRole(t *testing.T, role string) *scheduler.Task {
	t.Helper()
	for _, task := range h.sched.Tasks() {
		if task.AssignedAgent == role {
			return task
		}
	}
	t.Fatalf("no task for role %s", role)
	return nil
}

func TestRun_SequentialDelegation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.loop.roles["orchestrator"] = h.coordinator(t, "assembled", "coder", "writer")

	res, err := h.orch.Run(context.Background(), "build the feature", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() || res.Output != "assembled" || res.Tasks != 3 || res.RootID == "" {
		t.Fatalf("result = %+v", res)
	}

	root, _ := h.sched.Get(res.RootID)
	if root.AssignedAgent != "orchestrator" || root.Priority != 0 || root.Description != "build the feature" {
		t.Errorf("root = %+v", root)
	}
	if got := len(h.events.ofType(events.EventTypeBatchFormed)); got != 4 {
		t.Errorf("batches = %d, want 4 (root, coder, writer, root)", got)
	}
	if len(h.events.ofType(events.EventTypeRunProgress)) == 0 {
		t.Error("expected run.progress events")
	}

	snaps, err := h.store.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 {
		t.Errorf("snapshots = %d, want 3", len(snaps))
	}
	if stats := h.orch.Stats(); stats.Tasks.Complete != 3 {
		t.Errorf("stats = %+v", stats.Tasks)
	}
}

func TestRun_ParallelBatchRunsSiblingsConcurrently(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.loop.roles["orchestrator"] = h.coordinator(t, "assembled", "coder", "writer")

	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := make(chan struct{})
	go func() {
		arrived.Wait()
		close(barrier)
	}()

	var concurrent, maxConcurrent atomic.Int32
	sibling := func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		current := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			max := maxConcurrent.Load()
			if current <= max || maxConcurrent.CompareAndSwap(max, current) {
				break
			}
		}
		arrived.Done()
		select {
		case <-barrier:
		case <-time.After(2 * time.Second):
			return failed(h.sched, task.ID, "sibling never ran alongside")
		}
		return complete(h.sched, task.ID, task.AssignedAgent+" done")
	}
	h.loop.roles["coder"] = sibling
	h.loop.roles["writer"] = sibling

	res, err := h.orch.Run(context.Background(), "build in parallel", true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	if maxConcurrent.Load() != 2 {
		t.Errorf("max concurrent = %d, want 2", maxConcurrent.Load())
	}

	var sawPair bool
	for _, e := range h.events.ofType(events.EventTypeBatchFormed) {
		if len(e.(events.BatchFormedEvent).TaskIDs) == 2 {
			sawPair = true
		}
	}
	if !sawPair {
		t.Error("expected one batch holding both siblings")
	}
}

func TestRun_FailingSiblingDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.loop.roles["orchestrator"] = h.coordinator(t, "unused", "coder", "writer")
	h.loop.roles["coder"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		return failed(h.sched, task.ID, "compile error")
	}
	h.loop.roles["writer"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return failed(h.sched, task.ID, "aborted")
		}
		return complete(h.sched, task.ID, "docs written")
	}

	res, err := h.orch.Run(context.Background(), "build and document", true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != scheduler.TaskFailed || !strings.Contains(res.Error, "compile error") {
		t.Fatalf("result = %+v", res)
	}
	if writer := h.byRole(t, "writer"); writer.Status != scheduler.TaskComplete {
		t.Errorf("writer status = %s, want complete", writer.Status)
	}
	if !h.recovery.HasCheckpoint(res.RootID) {
		t.Error("failed root should have a checkpoint")
	}
}

func TestRun_WaitAllDecidesAfterEverySibling(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: delegation.PolicyWaitAll})
	h.loop.roles["orchestrator"] = h.coordinator(t, "unused", "coder", "writer")
	h.loop.roles["coder"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		return failed(h.sched, task.ID, "compile error")
	}

	res, err := h.orch.Run(context.Background(), "build and document", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != scheduler.TaskFailed || !strings.Contains(res.Error, "1 of 2 subtasks failed") {
		t.Fatalf("result = %+v", res)
	}
	if writer := h.byRole(t, "writer"); writer.Status != scheduler.TaskComplete {
		t.Errorf("writer status = %s", writer.Status)
	}
}

func TestRun_StuckRunFails(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	// A loop that returns without settling its task leaves nothing ready
	// and nothing waiting.
	h.loop.roles["orchestrator"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		return agent.Outcome{TaskID: task.ID, Status: scheduler.TaskRunning}
	}

	res, err := h.orch.Run(context.Background(), "hang", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != scheduler.TaskFailed || res.Error != ErrStuck.Error() {
		t.Fatalf("result = %+v", res)
	}
	state, err := h.recovery.LoadCheckpoint(res.RootID)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if state.Reason != recovery.ReasonRunStuck {
		t.Errorf("reason = %s", state.Reason)
	}
}

func TestRun_WaitingBacksOffThenTimesOut(t *testing.T) {
	h := newHarness(t, harnessOpts{starved: []string{"qwen2.5-coder:7b"}})
	h.loop.roles["orchestrator"] = h.coordinator(t, "unused", "coder")

	var sleeps atomic.Int32
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)
		return sleepCtx(ctx, d)
	}

	start := time.Now()
	res, err := h.orch.Run(context.Background(), "needs a coder", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != scheduler.TaskFailed || res.Error != ErrWaitTimeout.Error() {
		t.Fatalf("result = %+v", res)
	}
	if sleeps.Load() < 2 {
		t.Errorf("expected repeated backoff sleeps, got %d", sleeps.Load())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait was not bounded: %v", elapsed)
	}
	if coder := h.byRole(t, "coder"); coder.Status != scheduler.TaskCancelled {
		t.Errorf("leftover coder status = %s, want cancelled", coder.Status)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.loop.roles["orchestrator"] = h.coordinator(t, "unused", "coder")
	h.loop.roles["coder"] = func(_ context.Context, task *scheduler.Task, run int) agent.Outcome {
		cancel()
		return complete(h.sched, task.ID, "done just in time")
	}

	res, err := h.orch.Run(ctx, "interrupted", false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Status != scheduler.TaskCancelled {
		t.Errorf("root status = %s, want cancelled", res.Status)
	}
}

func TestCancelAll_StopsRunningTree(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.loop.roles["orchestrator"] = h.coordinator(t, "unused", "coder")

	started := make(chan struct{})
	h.loop.roles["coder"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		close(started)
		deadline := time.After(2 * time.Second)
		for {
			if cur, _ := h.sched.Get(task.ID); cur.CancelRequested {
				_ = h.sched.MarkCancelled(task.ID)
				return agent.Outcome{TaskID: task.ID, Status: scheduler.TaskCancelled}
			}
			select {
			case <-deadline:
				return failed(h.sched, task.ID, "cancel flag never set")
			case <-time.After(time.Millisecond):
			}
		}
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := h.orch.Run(context.Background(), "long job", false)
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("coder never started")
	}
	if err := h.orch.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != scheduler.TaskCancelled {
			t.Errorf("root status = %s, want cancelled", res.Status)
		}
		if coder := h.byRole(t, "coder"); coder.Status != scheduler.TaskCancelled {
			t.Errorf("coder status = %s", coder.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after CancelAll")
	}
}

func TestCancelTask_ReportsUnstartedChildToParent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	root := scheduler.NewTask("coordinate", "orchestrator", 0)
	if err := h.sched.Admit(root); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.MarkRunning(root.ID); err != nil {
		t.Fatal(err)
	}
	child, err := h.mgr.Delegate(ctx, root.ID, delegation.Request{TargetAgent: "coder", Description: "code"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.orch.CancelTask(ctx, child.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if c, _ := h.sched.Get(child.ID); c.Status != scheduler.TaskCancelled {
		t.Errorf("child status = %s", c.Status)
	}
	if r, _ := h.sched.Get(root.ID); r.Status != scheduler.TaskFailed {
		t.Errorf("parent status = %s, want failed under fail_fast", r.Status)
	}
	if err := h.orch.CancelTask(ctx, "missing"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRun_UnknownRootAgent(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: func(c *Config) { c.RootAgent = "ghost" }})
	if _, err := h.orch.Run(context.Background(), "anything", false); !errors.Is(err, scheduler.ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if h.sched.Counts().Total != 0 {
		t.Error("rejected root must not be admitted")
	}
}

// loads makes the task's model resident, the way the control loop does.
func (h *harness) loads() behaviour {
	return func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		if err := h.cache.EnsureLoaded(ctx, task.ModelName, task.VRAMRequired); err != nil {
			return failed(h.sched, task.ID, err.Error())
		}
		return complete(h.sched, task.ID, task.AssignedAgent+" done")
	}
}

func TestRun_RootModelSurvivesChildLoads(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	const rootModel = "qwen2.5:7b"

	var residentOnResume, pinnedDuringRun bool
	h.loop.roles["orchestrator"] = func(ctx context.Context, task *scheduler.Task, run int) agent.Outcome {
		if run == 0 {
			if err := h.cache.EnsureLoaded(ctx, task.ModelName, task.VRAMRequired); err != nil {
				return failed(h.sched, task.ID, err.Error())
			}
			pinnedDuringRun = h.cache.IsKeepWarm(rootModel)
			return h.delegate(t, ctx, task, "coder", "writer")
		}
		residentOnResume = h.cache.IsLoaded(rootModel)
		return complete(h.sched, task.ID, "assembled")
	}
	h.loop.roles["coder"] = h.loads()
	h.loop.roles["writer"] = h.loads()

	// 14GB tracked: root, coder and writer models cannot all be resident.
	res, err := h.orch.Run(context.Background(), "build and document", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	if !pinnedDuringRun {
		t.Error("root model should be keep-warm while the run is active")
	}
	if !residentOnResume {
		t.Error("root model was evicted by its children's loads")
	}
	if h.cache.IsLoaded("qwen2.5-coder:7b") {
		t.Error("the idle coder model should have been evicted for the writer")
	}
	if h.cache.IsKeepWarm(rootModel) {
		t.Error("root model should be evictable again after the run")
	}

	// A model configured keep-warm stays pinned after the run.
	h.cache.AddKeepWarm(rootModel)
	h.loop.roles["orchestrator"] = nil
	if _, err := h.orch.Run(context.Background(), "again", false); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !h.cache.IsKeepWarm(rootModel) {
		t.Error("configured keep-warm was removed by the run")
	}
}
