// Package agent drives a single task through repeated model turns until it
// completes, fails, pauses on delegated subtasks, or is cancelled.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/delegation"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/modelcache"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/tools"
)

var (
	ErrIterationLimit = errors.New("iteration limit reached without completion")
	ErrToolExhaustion = errors.New("tool calls keep failing")
	ErrModelFailures  = errors.New("model calls keep failing")
)

// Outcome is how one Run ended. Failures are reported here, never as a
// returned error, so one task cannot abort its siblings.
type Outcome struct {
	TaskID     string
	Status     scheduler.TaskStatus // Complete, Failed, Waiting or Cancelled
	Result     string
	Err        error
	Reason     recovery.FailureReason
	Iterations int
}

// ModelLoader makes a model resident and holds it while a task runs on it.
type ModelLoader interface {
	Acquire(ctx context.Context, model string, cost float64) error
	Release(model string)
}

// ToolExecutor dispatches tool calls.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) tools.Result
	Specs(allow []string) []llm.ToolSpec
}

// Delegator spawns subtasks for a running parent.
type Delegator interface {
	Delegate(ctx context.Context, parentID string, req delegation.Request) (*scheduler.Task, error)
}

// SessionStore persists task conversations.
type SessionStore interface {
	CreateSession(ctx context.Context, taskID, agentRole string) (string, error)
	LoadSession(ctx context.Context, sessionID string) (*persistence.Session, error)
	SaveSession(ctx context.Context, sessionID string, messages []llm.Message) error
	CompleteSession(ctx context.Context, sessionID, status string) error
}

// Checkpointer stores recovery checkpoints for failed tasks.
type Checkpointer interface {
	SaveCheckpoint(taskID string, state recovery.State) error
	ClearCheckpoint(taskID string) error
}

// MemoryProvider supplies extra context messages, e.g. from retrieval.
type MemoryProvider interface {
	BuildContext(ctx context.Context, projectID string, task *scheduler.Task, conversation []llm.Message, maxTokens int) ([]llm.Message, error)
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Scheduler *scheduler.Scheduler
	Agents    scheduler.AgentLookup
	Client    llm.Client
	Models    ModelLoader
	Sessions  SessionStore
	Tools     ToolExecutor   // Optional; nil offers no tools
	Delegator Delegator      // Optional; nil disables delegation
	Recovery  Checkpointer   // Optional; nil skips checkpoints
	Memory    MemoryProvider // Optional
	Events    events.Emitter // Optional

	Stuck                  config.StuckConfig
	CompletionMarker       string // Default "TASK_COMPLETE"
	CheckpointInterval     int    // Save the conversation every N iterations (default 5)
	MaxConsecutiveFailures int    // Model or tool failures in a row before giving up (default 3)
	MemoryTokens           int    // Budget passed to the memory provider (default 2048)
}

// Loop is the per-task control loop. One Loop serves many concurrent Runs.
type Loop struct {
	cfg LoopConfig
	now func() time.Time
}

// NewLoop creates a control loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.CompletionMarker == "" {
		cfg.CompletionMarker = "TASK_COMPLETE"
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.MemoryTokens <= 0 {
		cfg.MemoryTokens = 2048
	}
	return &Loop{cfg: cfg, now: time.Now}
}

// run is the state of one Run call.
type run struct {
	l           *Loop
	ctx         context.Context
	task        *scheduler.Task
	def         config.AgentDefinition
	history     []llm.Message
	iter        int
	started     time.Time
	canDelegate bool
}

// Run drives taskID until it reaches a terminal state or waits on subtasks.
func (l *Loop) Run(ctx context.Context, taskID string) (out Outcome) {
	task, ok := l.cfg.Scheduler.Get(taskID)
	if !ok {
		return Outcome{TaskID: taskID, Status: scheduler.TaskFailed, Err: fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)}
	}
	r := &run{l: l, ctx: ctx, task: task, iter: task.Iterations, started: l.now()}

	defer func() {
		if p := recover(); p != nil {
			out = r.fail(recovery.ReasonPanic, fmt.Errorf("panic in control loop: %v", p), nil)
		}
	}()

	def, ok := l.cfg.Agents.Lookup(task.AssignedAgent)
	if !ok {
		return r.fail(recovery.ReasonModelError, fmt.Errorf("%w: %q", scheduler.ErrUnknownAgent, task.AssignedAgent), nil)
	}
	r.def = def
	r.canDelegate = l.cfg.Delegator != nil && delegation.Capable(def)

	if r.cancelRequested() {
		return r.cancel()
	}
	if err := l.cfg.Scheduler.MarkRunning(task.ID); err != nil {
		return Outcome{TaskID: task.ID, Status: task.Status, Err: err, Iterations: r.iter}
	}
	l.cfg.Events.Emit(events.TaskStartedEvent{ID: task.ID, Description: task.Description, AgentRole: def.Name, Model: task.ModelName})

	if err := r.openSession(); err != nil {
		return r.fail(recovery.ReasonModelError, err, nil)
	}

	if err := l.cfg.Models.Acquire(ctx, task.ModelName, task.VRAMRequired); err != nil {
		if ctx.Err() != nil {
			return r.cancel()
		}
		details := map[string]string{
			"model":       task.ModelName,
			"required_gb": fmt.Sprintf("%.1f", task.VRAMRequired),
		}
		var capErr *modelcache.CapacityError
		if errors.As(err, &capErr) {
			details["available_gb"] = fmt.Sprintf("%.1f", capErr.Available)
		}
		return r.fail(recovery.ReasonModelLoad, fmt.Errorf("load model %s: %w", task.ModelName, err), details)
	}
	defer l.cfg.Models.Release(task.ModelName)

	return r.loop()
}

func (r *run) loop() Outcome {
	l := r.l
	specs := r.toolSpecs()
	offered := make(map[string]bool, len(specs))
	for _, s := range specs {
		offered[s.Name] = true
	}
	known := func(name string) bool { return offered[name] }

	detector := NewDetector(l.cfg.Stuck)
	nudges, modelFailures, toolFailures := 0, 0, 0

	for r.iter < r.def.MaxIterations {
		if r.cancelRequested() {
			return r.cancel()
		}
		r.iter++
		iter := r.iter
		_ = l.cfg.Scheduler.Update(r.task.ID, func(t *scheduler.Task) { t.Iterations = iter })

		resp, err := l.cfg.Client.Chat(r.ctx, r.task.ModelName, r.messages(), specs)
		if err != nil {
			if r.ctx.Err() != nil {
				return r.cancel()
			}
			modelFailures++
			log.Printf("WARNING: task %s iteration %d: model call failed: %v", r.task.ID, iter, err)
			if modelFailures >= l.cfg.MaxConsecutiveFailures {
				return r.fail(recovery.ReasonModelError, fmt.Errorf("%w: %v", ErrModelFailures, err),
					map[string]string{"model": r.task.ModelName})
			}
			continue
		}
		modelFailures = 0
		l.cfg.Events.Emit(events.TaskOutputEvent{ID: r.task.ID, Iteration: iter, Content: resp.Content})

		calls := NormalizeCalls(resp, known)
		r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		if strings.Contains(resp.Content, l.cfg.CompletionMarker) {
			return r.complete(extractResult(resp.Content, l.cfg.CompletionMarker))
		}

		detector.Record(resp.Content, calls)
		reason, stuck := detector.Check()

		delegated, succeeded := 0, 0
		for _, call := range calls {
			res, isDelegation := r.dispatch(call)
			if isDelegation && res.Success {
				delegated++
			}
			if res.Success {
				succeeded++
			}
			r.history = append(r.history, llm.Message{Role: llm.RoleTool, ToolName: call.Name, Content: res.Text()})
		}

		if len(calls) > 0 {
			if succeeded == 0 {
				toolFailures++
			} else {
				toolFailures = 0
			}
			if toolFailures >= l.cfg.MaxConsecutiveFailures {
				return r.fail(recovery.ReasonToolExhaustion, ErrToolExhaustion,
					map[string]string{"consecutive_failures": fmt.Sprint(toolFailures)})
			}
		}

		if delegated > 0 {
			r.persist(context.WithoutCancel(r.ctx))
			return Outcome{TaskID: r.task.ID, Status: scheduler.TaskWaiting, Iterations: r.iter}
		}

		if stuck && nudges < l.cfg.Stuck.MaxNudges {
			nudges++
			detector.Reset()
			r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: nudgeFor(reason)})
			l.cfg.Events.Emit(events.TaskStuckEvent{ID: r.task.ID, Reason: string(reason), Nudge: nudges})
		} else if len(calls) == 0 {
			r.history = append(r.history, continuePrompt(l.cfg.CompletionMarker))
		}

		if iter%l.cfg.CheckpointInterval == 0 {
			r.persist(r.ctx)
		}
	}

	return r.fail(recovery.ReasonIterationLimit, ErrIterationLimit,
		map[string]string{"max_iterations": fmt.Sprint(r.def.MaxIterations)})
}

// dispatch runs one tool call. The second return reports whether the call
// was a delegation.
func (r *run) dispatch(call llm.ToolCall) (tools.Result, bool) {
	l := r.l
	if call.Name == delegation.DelegateTool {
		if !r.canDelegate {
			return tools.Result{Error: fmt.Sprintf("agent %s cannot delegate", r.def.Name)}, true
		}
		req, err := delegation.ParseRequest(call.Arguments)
		if err != nil {
			return tools.Result{Error: err.Error()}, true
		}
		child, err := l.cfg.Delegator.Delegate(r.ctx, r.task.ID, req)
		if err != nil {
			return tools.Result{Error: fmt.Sprintf("delegation failed: %v", err)}, true
		}
		return tools.Result{Success: true, Output: fmt.Sprintf("Delegated to %s as task %s.", req.TargetAgent, child.ID)}, true
	}

	var res tools.Result
	switch {
	case !r.def.AllowsTool(call.Name):
		res = tools.Result{Error: fmt.Sprintf("tool %q is not available to agent %s", call.Name, r.def.Name)}
	case l.cfg.Tools == nil:
		res = tools.Result{Error: fmt.Sprintf("unknown tool %q", call.Name)}
	default:
		res = l.cfg.Tools.Execute(r.ctx, call.Name, call.Arguments)
	}
	out := res.Output
	if !res.Success {
		out = res.Error
	}
	l.cfg.Events.Emit(events.ToolCallEvent{ID: r.task.ID, Tool: call.Name, Success: res.Success, Output: out})
	return res, false
}

func (r *run) toolSpecs() []llm.ToolSpec {
	var specs []llm.ToolSpec
	if r.l.cfg.Tools != nil && len(r.def.Tools) > 0 {
		specs = r.l.cfg.Tools.Specs(r.def.Tools)
	}
	if r.canDelegate {
		specs = append(specs, delegation.ToolSpec(r.def.CanDelegateTo))
	}
	return specs
}

// messages returns the prompt for the next turn, with memory context
// spliced in after the system message.
func (r *run) messages() []llm.Message {
	mem := r.l.cfg.Memory
	if mem == nil || len(r.history) == 0 {
		return r.history
	}
	extra, err := mem.BuildContext(r.ctx, r.task.Context["project"], r.task, r.history, r.l.cfg.MemoryTokens)
	if err != nil {
		log.Printf("WARNING: task %s: memory context: %v", r.task.ID, err)
		return r.history
	}
	if len(extra) == 0 {
		return r.history
	}
	out := make([]llm.Message, 0, len(r.history)+len(extra))
	out = append(out, r.history[0])
	out = append(out, extra...)
	return append(out, r.history[1:]...)
}

// openSession resumes the task's conversation or starts a new one.
func (r *run) openSession() error {
	sessions := r.l.cfg.Sessions
	if r.task.SessionID != "" {
		sess, err := sessions.LoadSession(r.ctx, r.task.SessionID)
		switch {
		case err != nil:
			log.Printf("WARNING: task %s: resuming session %s: %v", r.task.ID, r.task.SessionID, err)
			r.task.SessionID = ""
		case len(sess.Messages) > 0:
			r.history = sess.Messages
			return nil
		}
	}
	if r.task.SessionID == "" {
		id, err := sessions.CreateSession(r.ctx, r.task.ID, r.def.Name)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		r.task.SessionID = id
		_ = r.l.cfg.Scheduler.Update(r.task.ID, func(t *scheduler.Task) { t.SessionID = id })
	}
	r.history = initialMessages(r.def, r.task, r.l.cfg.CompletionMarker, r.canDelegate)
	if err := sessions.SaveSession(r.ctx, r.task.SessionID, r.history); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *run) persist(ctx context.Context) {
	if r.task.SessionID == "" {
		return
	}
	if err := r.l.cfg.Sessions.SaveSession(ctx, r.task.SessionID, r.history); err != nil {
		log.Printf("WARNING: task %s: checkpoint conversation: %v", r.task.ID, err)
	}
}

func (r *run) finishSession(ctx context.Context, status string) {
	if r.task.SessionID == "" {
		return
	}
	r.persist(ctx)
	if err := r.l.cfg.Sessions.CompleteSession(ctx, r.task.SessionID, status); err != nil {
		log.Printf("WARNING: task %s: complete session: %v", r.task.ID, err)
	}
}

func (r *run) cancelRequested() bool {
	if r.ctx.Err() != nil {
		return true
	}
	t, ok := r.l.cfg.Scheduler.Get(r.task.ID)
	return ok && t.CancelRequested
}

func (r *run) complete(result string) Outcome {
	l := r.l
	bg := context.WithoutCancel(r.ctx)
	r.finishSession(bg, persistence.SessionCompleted)

	if err := l.cfg.Scheduler.MarkComplete(r.task.ID, result); err != nil {
		log.Printf("WARNING: task %s: mark complete: %v", r.task.ID, err)
	}
	if l.cfg.Recovery != nil {
		if err := l.cfg.Recovery.ClearCheckpoint(r.task.ID); err != nil {
			log.Printf("WARNING: task %s: clear checkpoint: %v", r.task.ID, err)
		}
	}
	l.cfg.Events.Emit(events.TaskCompletedEvent{ID: r.task.ID, Result: result, Iterations: r.iter, Duration: l.now().Sub(r.started)})
	return Outcome{TaskID: r.task.ID, Status: scheduler.TaskComplete, Result: result, Iterations: r.iter}
}

func (r *run) cancel() Outcome {
	l := r.l
	r.finishSession(context.WithoutCancel(r.ctx), persistence.SessionCancelled)
	if err := l.cfg.Scheduler.MarkCancelled(r.task.ID); err != nil {
		log.Printf("WARNING: task %s: mark cancelled: %v", r.task.ID, err)
	}
	l.cfg.Events.Emit(events.TaskCancelledEvent{ID: r.task.ID})
	return Outcome{TaskID: r.task.ID, Status: scheduler.TaskCancelled, Iterations: r.iter}
}

// fail marks the task Failed and writes a recovery checkpoint.
func (r *run) fail(reason recovery.FailureReason, err error, details map[string]string) Outcome {
	l := r.l
	r.finishSession(context.WithoutCancel(r.ctx), persistence.SessionFailed)

	if mErr := l.cfg.Scheduler.MarkFailed(r.task.ID, err.Error()); mErr != nil {
		log.Printf("WARNING: task %s: mark failed: %v", r.task.ID, mErr)
	}
	if l.cfg.Recovery != nil {
		snapshot, ok := l.cfg.Scheduler.Get(r.task.ID)
		if !ok {
			snapshot = r.task
		}
		state := recovery.State{
			TaskID:    r.task.ID,
			Task:      recovery.EncodeTask(snapshot),
			SessionID: r.task.SessionID,
			Iteration: r.iter,
			Reason:    reason,
			Context:   details,
			Error:     err.Error(),
		}
		if cErr := l.cfg.Recovery.SaveCheckpoint(r.task.ID, state); cErr != nil {
			log.Printf("ERROR: task %s: write recovery checkpoint: %v", r.task.ID, cErr)
		}
	}
	l.cfg.Events.Emit(events.TaskFailedEvent{ID: r.task.ID, Reason: string(reason), Err: err.Error(), Duration: l.now().Sub(r.started)})
	return Outcome{TaskID: r.task.ID, Status: scheduler.TaskFailed, Err: err, Reason: reason, Iterations: r.iter}
}
