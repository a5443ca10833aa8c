package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	id, err := a.CreateSession(ctx, "task-1", "coder")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.LoadSession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second store sees first store's session: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "task-1", "coder")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := store.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if sess.TaskID != "task-1" || sess.AgentRole != "coder" || sess.Status != SessionActive {
		t.Errorf("session = %+v", sess)
	}
	if sess.Messages == nil || len(sess.Messages) != 0 {
		t.Errorf("new session messages = %#v, want empty non-nil slice", sess.Messages)
	}

	history := []llm.Message{
		{Role: llm.RoleSystem, Content: "You implement features."},
		{Role: llm.RoleUser, Content: "Add a flag"},
		{Role: llm.RoleAssistant, Content: "", ToolCalls: []llm.ToolCall{
			{Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`), Source: llm.SourceStructured},
		}},
	}
	if err := store.SaveSession(ctx, id, history); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := store.AppendMessage(ctx, id, llm.Message{Role: llm.RoleTool, Content: "package main", ToolName: "read_file"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sess, err = store.LoadSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(sess.Messages))
	}
	call := sess.Messages[2].ToolCalls
	if len(call) != 1 || call[0].Name != "read_file" || string(call[0].Arguments) != `{"path":"main.go"}` {
		t.Errorf("tool calls = %+v", call)
	}
	if last := sess.Messages[3]; last.Role != llm.RoleTool || last.ToolName != "read_file" {
		t.Errorf("last message = %+v", last)
	}

	// SaveSession replaces rather than appends
	if err := store.SaveSession(ctx, id, history[:1]); err != nil {
		t.Fatal(err)
	}
	sess, _ = store.LoadSession(ctx, id)
	if len(sess.Messages) != 1 {
		t.Errorf("after replace got %d messages, want 1", len(sess.Messages))
	}

	if err := store.CompleteSession(ctx, id, SessionCompleted); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	sess, _ = store.LoadSession(ctx, id)
	if sess.Status != SessionCompleted || sess.CompletedAt.IsZero() {
		t.Errorf("completed session = %+v", sess)
	}
}

func TestSessionNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.LoadSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LoadSession err = %v", err)
	}
	if err := store.AppendMessage(ctx, "nope", llm.Message{Role: llm.RoleUser}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("AppendMessage err = %v", err)
	}
	if err := store.SaveSession(ctx, "nope", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SaveSession err = %v", err)
	}
	if err := store.CompleteSession(ctx, "nope", SessionFailed); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("CompleteSession err = %v", err)
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &scheduler.Task{
		ID:            "task-1",
		ParentID:      "root",
		Description:   "Write docs",
		TaskType:      "docs",
		AssignedAgent: "writer",
		Status:        scheduler.TaskComplete,
		Priority:      2,
		CreatedAt:     created,
		CompletedAt:   created.Add(time.Minute),
		SubtaskIDs:    []string{"c1", "c2"},
		DependsOn:     []string{"dep-1"},
		Context:       map[string]string{"tone": "terse"},
		Result:        "done",
		SessionID:     "sess-1",
		Iterations:    4,
		ModelName:     "llama3.1:8b",
		VRAMRequired:  5,
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ParentID != "root" || got.AssignedAgent != "writer" || got.Status != scheduler.TaskComplete {
		t.Errorf("task = %+v", got)
	}
	if got.Priority != 2 || got.Iterations != 4 || got.VRAMRequired != 5 || got.ModelName != "llama3.1:8b" {
		t.Errorf("numeric fields = %+v", got)
	}
	if len(got.SubtaskIDs) != 2 || got.SubtaskIDs[1] != "c2" || len(got.DependsOn) != 1 {
		t.Errorf("edges = %v / %v", got.SubtaskIDs, got.DependsOn)
	}
	if got.Context["tone"] != "terse" {
		t.Errorf("context = %v", got.Context)
	}
	if !got.CreatedAt.Equal(created) || !got.StartedAt.IsZero() {
		t.Errorf("timestamps created=%v started=%v", got.CreatedAt, got.StartedAt)
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := &scheduler.Task{ID: "t", Description: "x", AssignedAgent: "coder", Status: scheduler.TaskRunning}
	for i := 0; i < 3; i++ {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	task.Status = scheduler.TaskFailed
	task.Error = "max_iterations"
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != scheduler.TaskFailed || tasks[0].Error != "max_iterations" {
		t.Errorf("task = %+v", tasks[0])
	}
}

func TestListTasksOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"b", "a", "c"} {
		task := &scheduler.Task{ID: id, Description: id, AssignedAgent: "coder", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("order = %v, want [b a c]", ids)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetTask(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	id, err := store.CreateSession(ctx, "task-1", "writer")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, id, llm.Message{Role: llm.RoleUser, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	sess, err := reopened.LoadSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", sess.Messages)
	}
}
