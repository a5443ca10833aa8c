// Package delegation spawns child tasks on behalf of a running parent and
// reconciles child outcomes back into it.
//
// A parent that delegates moves to Waiting. It returns to Pending only
// once every one of its subtasks is Complete. How a failed child affects
// the parent is governed by the FailurePolicy.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
)

var (
	ErrUnauthorized  = errors.New("delegation not authorized")
	ErrUnknownTarget = errors.New("unknown delegation target")
)

// FailurePolicy decides what a failed child does to its parent.
type FailurePolicy string

const (
	// PolicyFailFast fails the parent as soon as any child fails.
	PolicyFailFast FailurePolicy = "fail_fast"
	// PolicyWaitAll decides the parent once every child is terminal.
	PolicyWaitAll FailurePolicy = "wait_all"
)

// ParsePolicy maps a configuration value to a FailurePolicy. Empty means fail_fast.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyFailFast:
		return PolicyFailFast, nil
	case PolicyWaitAll:
		return PolicyWaitAll, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Request describes the child task a parent wants.
type Request struct {
	TargetAgent     string            `json:"target_agent"`
	Description     string            `json:"description"`
	TaskType        string            `json:"task_type,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Constraints     []string          `json:"constraints,omitempty"`
	SuccessCriteria []string          `json:"success_criteria,omitempty"`
}

// Conversation appends entries to a task's conversation.
type Conversation interface {
	AppendMessage(ctx context.Context, sessionID string, msg llm.Message) error
}

// Prewarmer starts loading a model in the background.
type Prewarmer interface {
	PreWarm(ctx context.Context, model string, cost float64)
}

// Checkpointer records failed tasks for later recovery.
type Checkpointer interface {
	SaveCheckpoint(taskID string, state recovery.State) error
}

// Manager implements the delegation protocol over a scheduler.
type Manager struct {
	mu       sync.Mutex // serializes reconciliation of sibling outcomes
	sched    *scheduler.Scheduler
	agents   scheduler.AgentLookup
	conv     Conversation
	cache    Prewarmer
	recovery Checkpointer
	events   events.Emitter
	policy   FailurePolicy
}

// Option configures a Manager.
type Option func(*Manager)

func WithConversation(c Conversation) Option { return func(m *Manager) { m.conv = c } }
func WithPrewarmer(p Prewarmer) Option       { return func(m *Manager) { m.cache = p } }
func WithRecovery(c Checkpointer) Option     { return func(m *Manager) { m.recovery = c } }
func WithEvents(e events.Emitter) Option     { return func(m *Manager) { m.events = e } }
func WithPolicy(p FailurePolicy) Option      { return func(m *Manager) { m.policy = p } }

// New creates a delegation manager.
func New(sched *scheduler.Scheduler, agents scheduler.AgentLookup, opts ...Option) *Manager {
	m := &Manager{
		sched:  sched,
		agents: agents,
		events: events.Discard,
		policy: PolicyFailFast,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the configured failure policy.
func (m *Manager) Policy() FailurePolicy { return m.policy }

// Delegate validates req against the parent's allow-list, admits the child
// one priority level below the parent, and moves the parent to Waiting.
func (m *Manager) Delegate(ctx context.Context, parentID string, req Request) (*scheduler.Task, error) {
	parent, ok := m.sched.Get(parentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, parentID)
	}
	parentDef, ok := m.agents.Lookup(parent.AssignedAgent)
	if !ok {
		return nil, fmt.Errorf("%w: %q", scheduler.ErrUnknownAgent, parent.AssignedAgent)
	}
	if _, ok := m.agents.Lookup(req.TargetAgent); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, req.TargetAgent)
	}
	if !parentDef.CanDelegate(req.TargetAgent) {
		return nil, fmt.Errorf("%w: %s may not delegate to %s", ErrUnauthorized, parent.AssignedAgent, req.TargetAgent)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("delegation to %s has no description", req.TargetAgent)
	}

	child := scheduler.NewTask(req.Description, req.TargetAgent, parent.Priority+1)
	child.ParentID = parent.ID
	child.TaskType = req.TaskType
	child.Context = childContext(parent, req)

	if err := m.sched.Admit(child); err != nil {
		return nil, fmt.Errorf("admit subtask: %w", err)
	}
	if err := m.sched.Update(parent.ID, func(t *scheduler.Task) {
		t.SubtaskIDs = append(t.SubtaskIDs, child.ID)
	}); err != nil {
		return nil, err
	}
	if err := m.sched.MarkWaiting(parent.ID); err != nil {
		return nil, err
	}

	admitted, _ := m.sched.Get(child.ID)
	if m.cache != nil && admitted != nil {
		m.cache.PreWarm(ctx, admitted.ModelName, admitted.VRAMRequired)
	}

	m.events.Emit(events.TaskDelegatedEvent{ID: parent.ID, ChildID: child.ID, TargetAgent: req.TargetAgent})
	if p, ok := m.sched.Get(parent.ID); ok {
		m.events.Emit(events.TaskWaitingEvent{ID: p.ID, Subtasks: len(p.SubtaskIDs)})
	}
	return admitted, nil
}

// childContext layers the request's context, constraints and success
// criteria over the parent's context.
func childContext(parent *scheduler.Task, req Request) map[string]string {
	out := make(map[string]string, len(parent.Context)+len(req.Context)+3)
	for k, v := range parent.Context {
		out[k] = v
	}
	for k, v := range req.Context {
		out[k] = v
	}
	if len(req.Constraints) > 0 {
		out["constraints"] = strings.Join(req.Constraints, "\n")
	}
	if len(req.SuccessCriteria) > 0 {
		out["success_criteria"] = strings.Join(req.SuccessCriteria, "\n")
	}
	out["delegated_by"] = parent.AssignedAgent
	out["parent_task"] = parent.Description
	return out
}

// ChildCompleted feeds a finished child's result into its parent's
// conversation and resumes the parent once all of its subtasks are Complete.
func (m *Manager) ChildCompleted(ctx context.Context, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	child, parent, err := m.lookupPair(childID)
	if err != nil || parent == nil {
		return err
	}

	m.appendToParent(ctx, parent, fmt.Sprintf("Subtask %s (%s) completed:\n%s", child.ID, child.AssignedAgent, child.Result))
	if parent.Status.IsTerminal() {
		return nil
	}
	return m.reconcileLocked(ctx, parent)
}

// ChildFailed propagates a failed or cancelled child to its parent
// according to the failure policy, recursing up the tree when a parent
// is failed in turn.
func (m *Manager) ChildFailed(ctx context.Context, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	child, parent, err := m.lookupPair(childID)
	if err != nil || parent == nil {
		return err
	}

	reason := child.Error
	if child.Status == scheduler.TaskCancelled && reason == "" {
		reason = "cancelled"
	}
	m.appendToParent(ctx, parent, fmt.Sprintf("Subtask %s (%s) failed: %s", child.ID, child.AssignedAgent, reason))
	if parent.Status.IsTerminal() {
		return nil
	}

	if m.policy == PolicyFailFast {
		msg := fmt.Sprintf("subtask %s (%s) failed: %s", child.ID, child.AssignedAgent, reason)
		return m.failLocked(ctx, parent, msg, map[string]string{"child_id": child.ID, "child_agent": child.AssignedAgent})
	}
	return m.reconcileLocked(ctx, parent)
}

func (m *Manager) lookupPair(childID string) (*scheduler.Task, *scheduler.Task, error) {
	child, ok := m.sched.Get(childID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, childID)
	}
	if child.ParentID == "" {
		return child, nil, nil
	}
	parent, ok := m.sched.Get(child.ParentID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: parent %s of %s", scheduler.ErrTaskNotFound, child.ParentID, childID)
	}
	return child, parent, nil
}

// reconcileLocked resumes parent when every subtask is Complete. Under
// wait_all it fails parent once every subtask is terminal and any failed.
func (m *Manager) reconcileLocked(ctx context.Context, parent *scheduler.Task) error {
	allComplete, allTerminal := true, true
	var failed []string
	for _, id := range parent.SubtaskIDs {
		sub, ok := m.sched.Get(id)
		if !ok {
			return fmt.Errorf("%w: subtask %s of %s", scheduler.ErrTaskNotFound, id, parent.ID)
		}
		if sub.Status != scheduler.TaskComplete {
			allComplete = false
		}
		switch {
		case sub.Status == scheduler.TaskFailed || sub.Status == scheduler.TaskCancelled:
			failed = append(failed, sub.ID)
		case !sub.Status.IsTerminal():
			allTerminal = false
		}
	}

	if allComplete {
		if err := m.sched.Readmit(parent.ID); err != nil {
			return fmt.Errorf("resume parent %s: %w", parent.ID, err)
		}
		return nil
	}
	if m.policy == PolicyWaitAll && allTerminal && len(failed) > 0 {
		sort.Strings(failed)
		msg := fmt.Sprintf("%d of %d subtasks failed: %s", len(failed), len(parent.SubtaskIDs), strings.Join(failed, ", "))
		return m.failLocked(ctx, parent, msg, map[string]string{"failed_children": strings.Join(failed, ",")})
	}
	return nil
}

// failLocked fails task, checkpoints it and continues with its own parent.
func (m *Manager) failLocked(ctx context.Context, task *scheduler.Task, msg string, details map[string]string) error {
	if err := m.sched.MarkFailed(task.ID, msg); err != nil {
		return err
	}
	failed, _ := m.sched.Get(task.ID)
	if failed == nil {
		failed = task
	}

	if m.recovery != nil {
		state := recovery.State{
			TaskID:    failed.ID,
			Task:      recovery.EncodeTask(failed),
			SessionID: failed.SessionID,
			Iteration: failed.Iterations,
			Reason:    recovery.ReasonDelegationFailed,
			Context:   details,
			Error:     msg,
		}
		if err := m.recovery.SaveCheckpoint(failed.ID, state); err != nil {
			log.Printf("WARNING: checkpoint for %s: %v", failed.ID, err)
		}
	}
	m.events.Emit(events.TaskFailedEvent{ID: failed.ID, Reason: string(recovery.ReasonDelegationFailed), Err: msg})

	if failed.ParentID == "" {
		return nil
	}
	grandparent, ok := m.sched.Get(failed.ParentID)
	if !ok || grandparent.Status.IsTerminal() {
		return nil
	}
	m.appendToParent(ctx, grandparent, fmt.Sprintf("Subtask %s (%s) failed: %s", failed.ID, failed.AssignedAgent, msg))
	if m.policy == PolicyFailFast {
		return m.failLocked(ctx, grandparent, fmt.Sprintf("subtask %s (%s) failed: %s", failed.ID, failed.AssignedAgent, msg),
			map[string]string{"child_id": failed.ID, "child_agent": failed.AssignedAgent})
	}
	return m.reconcileLocked(ctx, grandparent)
}

// appendToParent records a subtask outcome as a tool-role entry so the
// parent's model sees it on its next turn.
func (m *Manager) appendToParent(ctx context.Context, parent *scheduler.Task, content string) {
	if m.conv == nil || parent.SessionID == "" {
		return
	}
	msg := llm.Message{Role: llm.RoleTool, ToolName: DelegateTool, Content: content}
	if err := m.conv.AppendMessage(ctx, parent.SessionID, msg); err != nil {
		log.Printf("WARNING: recording subtask outcome for %s: %v", parent.ID, err)
	}
}

// Capable reports whether an agent definition may delegate at all.
func Capable(def config.AgentDefinition) bool {
	return len(def.CanDelegateTo) > 0
}
