package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/modelcache"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
)

type nopLoader struct{}

func (nopLoader) Load(ctx context.Context, model string) error   { return nil }
func (nopLoader) Unload(ctx context.Context, model string) error { return nil }

type prewarmCall struct {
	model string
	cost  float64
}

type fakePrewarmer struct {
	mu    sync.Mutex
	calls []prewarmCall
}

func (f *fakePrewarmer) PreWarm(ctx context.Context, model string, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prewarmCall{model, cost})
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
	mgr      *Manager
	store    *persistence.SQLiteStore
	recovery *recovery.Store
	warm     *fakePrewarmer
	events   *recorder
}

func newHarness(t *testing.T, policy FailurePolicy) *harness {
	t.Helper()
	registry := config.NewRegistry(config.DefaultConfig().Agents)
	cache := modelcache.New(16, 0.125, nopLoader{})

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
		sched:    scheduler.New(registry, cache),
		store:    store,
		recovery: rec,
		warm:     &fakePrewarmer{},
		events:   &recorder{},
	}
	h.mgr = New(h.sched, registry,
		WithConversation(store),
		WithPrewarmer(h.warm),
		WithRecovery(rec),
		WithEvents(h.events),
		WithPolicy(policy),
	)
	return h
}

// root admits a running task for agent with its own conversation session.
func (h *harness) root(t *testing.T, agent string, priority int) *scheduler.Task {
	t.Helper()
	task := scheduler.NewTask("coordinate the work", agent, priority)
	task.Context["project"] = "taskforge"
	sessionID, err := h.store.CreateSession(context.Background(), task.ID, agent)
	if err != nil {
		t.Fatal(err)
	}
	task.SessionID = sessionID
	if err := h.sched.Admit(task); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := h.sched.MarkRunning(task.ID); err != nil {
		t.Fatal(err)
	}
	return task
}

func (h *harness) delegate(t *testing.T, parentID, target string) *scheduler.Task {
	t.Helper()
	child, err := h.mgr.Delegate(context.Background(), parentID, Request{TargetAgent: target, Description: "do " + target + " work"})
	if err != nil {
		t.Fatalf("Delegate to %s: %v", target, err)
	}
	return child
}

func (h *harness) status(t *testing.T, id string) scheduler.TaskStatus {
	t.Helper()
	task, ok := h.sched.Get(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task.Status
}

func (h *harness) finish(t *testing.T, id, result string) {
	t.Helper()
	if err := h.sched.MarkRunning(id); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.MarkComplete(id, result); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.ChildCompleted(context.Background(), id); err != nil {
		t.Fatalf("ChildCompleted: %v", err)
	}
}

func (h *harness) fail(t *testing.T, id, msg string) {
	t.Helper()
	if err := h.sched.MarkFailed(id, msg); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.ChildFailed(context.Background(), id); err != nil {
		t.Fatalf("ChildFailed: %v", err)
	}
}

func TestDelegate_CreatesChild(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	parent := h.root(t, "orchestrator", 3)

	child, err := h.mgr.Delegate(context.Background(), parent.ID, Request{
		TargetAgent:     "coder",
		Description:     "implement the flag",
		TaskType:        "code",
		Context:         map[string]string{"file": "main.go", "project": "override"},
		Constraints:     []string{"no new deps"},
		SuccessCriteria: []string{"tests pass"},
	})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	if child.ParentID != parent.ID || child.Priority != 4 || child.TaskType != "code" {
		t.Errorf("child = %+v", child)
	}
	if child.Status != scheduler.TaskPending || child.ModelName != "qwen2.5-coder:7b" || child.VRAMRequired != 5 {
		t.Errorf("child admission fields = %+v", child)
	}
	wantCtx := map[string]string{
		"file":             "main.go",
		"project":          "override",
		"constraints":      "no new deps",
		"success_criteria": "tests pass",
		"delegated_by":     "orchestrator",
	}
	for k, v := range wantCtx {
		if child.Context[k] != v {
			t.Errorf("context[%q] = %q, want %q", k, child.Context[k], v)
		}
	}

	p, _ := h.sched.Get(parent.ID)
	if p.Status != scheduler.TaskWaiting {
		t.Errorf("parent status = %s, want waiting", p.Status)
	}
	if len(p.SubtaskIDs) != 1 || p.SubtaskIDs[0] != child.ID {
		t.Errorf("parent subtasks = %v", p.SubtaskIDs)
	}

	if len(h.warm.calls) != 1 || h.warm.calls[0] != (prewarmCall{"qwen2.5-coder:7b", 5}) {
		t.Errorf("prewarm calls = %+v", h.warm.calls)
	}
	if got := h.events.ofType(events.EventTypeTaskDelegated); len(got) != 1 {
		t.Errorf("delegated events = %d, want 1", len(got))
	}
}

func TestDelegate_Rejections(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	coder := h.root(t, "coder", 0)
	before := len(h.sched.Tasks())

	tests := []struct {
		name    string
		parent  string
		req     Request
		wantErr error
	}{
		{"outside allow-list", coder.ID, Request{TargetAgent: "writer", Description: "x"}, ErrUnauthorized},
		{"unknown target", coder.ID, Request{TargetAgent: "poet", Description: "x"}, ErrUnknownTarget},
		{"unknown parent", "ghost", Request{TargetAgent: "tester", Description: "x"}, scheduler.ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.Delegate(context.Background(), tt.parent, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := h.mgr.Delegate(context.Background(), coder.ID, Request{TargetAgent: "tester", Description: "  "}); err == nil {
		t.Error("empty description should be rejected")
	}
	if got := len(h.sched.Tasks()); got != before {
		t.Errorf("rejected delegations admitted tasks: %d -> %d", before, got)
	}
	if s := h.status(t, coder.ID); s != scheduler.TaskRunning {
		t.Errorf("parent status after rejections = %s, want running", s)
	}
}

func TestChildCompleted_ResumesParentWithResult(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	p := h.root(t, "orchestrator", 0)
	child := h.delegate(t, p.ID, "writer")

	h.finish(t, child.ID, "X")

	if s := h.status(t, p.ID); s != scheduler.TaskPending {
		t.Fatalf("parent status = %s, want pending", s)
	}
	sess, err := h.store.LoadSession(context.Background(), p.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range sess.Messages {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "X") {
			found = true
		}
	}
	if !found {
		t.Errorf("parent conversation lacks a tool entry with the result: %+v", sess.Messages)
	}

	next, ok := h.sched.NextTask()
	if !ok || next.ID != p.ID {
		t.Errorf("NextTask after resume = %v, %v; want parent", next, ok)
	}
}

func TestChildCompleted_WaitsForEverySibling(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	p := h.root(t, "orchestrator", 0)
	a := h.delegate(t, p.ID, "writer")
	b := h.delegate(t, p.ID, "reviewer")

	h.finish(t, a.ID, "draft")
	if s := h.status(t, p.ID); s != scheduler.TaskWaiting {
		t.Fatalf("parent resumed with a sibling outstanding: %s", s)
	}
	h.finish(t, b.ID, "approved")
	if s := h.status(t, p.ID); s != scheduler.TaskPending {
		t.Fatalf("parent status = %s, want pending", s)
	}
}

func TestChildFailed_FailFast(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	p := h.root(t, "orchestrator", 0)
	a := h.delegate(t, p.ID, "writer")
	b := h.delegate(t, p.ID, "reviewer")

	h.fail(t, a.ID, "max_iterations")

	parent, _ := h.sched.Get(p.ID)
	if parent.Status != scheduler.TaskFailed {
		t.Fatalf("parent status = %s, want failed", parent.Status)
	}
	if !strings.Contains(parent.Error, a.ID) {
		t.Errorf("parent error %q does not name the failed child", parent.Error)
	}
	if s := h.status(t, b.ID); s != scheduler.TaskPending {
		t.Errorf("sibling status = %s, want pending", s)
	}

	state, err := h.recovery.LoadCheckpoint(p.ID)
	if err != nil {
		t.Fatalf("parent checkpoint: %v", err)
	}
	if state.Reason != recovery.ReasonDelegationFailed || state.Context["child_id"] != a.ID {
		t.Errorf("checkpoint = %+v", state)
	}

	// A late sibling success must not resurrect the parent
	h.finish(t, b.ID, "ok")
	if s := h.status(t, p.ID); s != scheduler.TaskFailed {
		t.Errorf("parent status after late success = %s", s)
	}
}

func TestChildFailed_PropagatesUpward(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	root := h.root(t, "orchestrator", 0)
	mid := h.delegate(t, root.ID, "coder")
	leaf := h.delegate(t, mid.ID, "tester")

	h.fail(t, leaf.ID, "tool_exhaustion")

	for _, id := range []string{mid.ID, root.ID} {
		if s := h.status(t, id); s != scheduler.TaskFailed {
			t.Errorf("task %s status = %s, want failed", id, s)
		}
		if !h.recovery.HasCheckpoint(id) {
			t.Errorf("task %s has no checkpoint", id)
		}
	}
	if got := h.events.ofType(events.EventTypeTaskFailed); len(got) != 2 {
		t.Errorf("failed events = %d, want 2", len(got))
	}
}

func TestChildFailed_CancelledChildCounts(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	p := h.root(t, "orchestrator", 0)
	child := h.delegate(t, p.ID, "writer")

	if _, err := h.sched.CancelTree(child.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.ChildFailed(context.Background(), child.ID); err != nil {
		t.Fatal(err)
	}
	parent, _ := h.sched.Get(p.ID)
	if parent.Status != scheduler.TaskFailed || !strings.Contains(parent.Error, "cancelled") {
		t.Errorf("parent = %s %q", parent.Status, parent.Error)
	}
}

func TestChildFailed_WaitAll(t *testing.T) {
	h := newHarness(t, PolicyWaitAll)
	p := h.root(t, "orchestrator", 0)
	a := h.delegate(t, p.ID, "writer")
	b := h.delegate(t, p.ID, "reviewer")

	h.fail(t, a.ID, "model_error")
	if s := h.status(t, p.ID); s != scheduler.TaskWaiting {
		t.Fatalf("wait_all failed the parent early: %s", s)
	}

	h.finish(t, b.ID, "fine")
	parent, _ := h.sched.Get(p.ID)
	if parent.Status != scheduler.TaskFailed || !strings.Contains(parent.Error, "1 of 2 subtasks failed") {
		t.Errorf("parent = %s %q", parent.Status, parent.Error)
	}
}

func TestChildCompleted_RootIsNoop(t *testing.T) {
	h := newHarness(t, PolicyFailFast)
	root := h.root(t, "orchestrator", 0)
	if err := h.sched.MarkComplete(root.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.ChildCompleted(context.Background(), root.ID); err != nil {
		t.Errorf("ChildCompleted(root) = %v", err)
	}
	if err := h.mgr.ChildCompleted(context.Background(), "ghost"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("unknown child err = %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]FailurePolicy{"": PolicyFailFast, "fail_fast": PolicyFailFast, "wait_all": PolicyWaitAll} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); err == nil {
		t.Error("unknown policy should fail")
	}
}

func TestDelegateToolSpecAndParse(t *testing.T) {
	spec := ToolSpec([]string{"coder", "tester"})
	var schema struct {
		Properties map[string]struct {
			Enum []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(spec.Parameters, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if got := schema.Properties["target_agent"].Enum; len(got) != 2 || got[1] != "tester" {
		t.Errorf("target enum = %v", got)
	}

	req, err := ParseRequest(json.RawMessage(`{"target_agent":" tester ","description":"run tests","constraints":["fast"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.TargetAgent != "tester" || req.Description != "run tests" || len(req.Constraints) != 1 {
		t.Errorf("request = %+v", req)
	}
	for _, bad := range []string{``, `{"description":"x"}`, `[1]`} {
		if _, err := ParseRequest(json.RawMessage(bad)); err == nil {
			t.Errorf("ParseRequest(%q) should fail", bad)
		}
	}
}
