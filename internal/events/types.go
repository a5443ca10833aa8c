package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Event type constants
const (
	EventTypeTaskAdmitted  = "task.admitted"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeToolCall      = "task.tool_call"
	EventTypeTaskStuck     = "task.stuck"
	EventTypeTaskDelegated = "task.delegated"
	EventTypeTaskWaiting   = "task.waiting"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeModelLoaded   = "model.loaded"
	EventTypeModelEvicted  = "model.evicted"
	EventTypeModelFailed   = "model.load_failed"
	EventTypeBatchFormed   = "batch.formed"
	EventTypeRunProgress   = "run.progress"
)

// Envelope wraps an event with the bus-assigned sequence number and timestamp.
// Seq is strictly increasing across all emits on one bus, so consumers can
// rebuild a total order over events from concurrently running tasks.
type Envelope struct {
	Seq       uint64
	Timestamp time.Time
	Event     Event
}

// TaskAdmittedEvent is published when the scheduler accepts a task.
type TaskAdmittedEvent struct {
	ID        string
	ParentID  string
	AgentRole string
	Priority  int
	Model     string
}

func (e TaskAdmittedEvent) EventType() string { return EventTypeTaskAdmitted }
func (e TaskAdmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID          string
	Description string
	AgentRole   string
	Model       string
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published for every model response.
type TaskOutputEvent struct {
	ID        string
	Iteration int
	Content   string
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// ToolCallEvent is published after a tool call has been dispatched.
type ToolCallEvent struct {
	ID      string
	Tool    string
	Success bool
	Output  string
}

func (e ToolCallEvent) EventType() string { return EventTypeToolCall }
func (e ToolCallEvent) TaskID() string    { return e.ID }

// TaskStuckEvent is published when stuck detection trips and a nudge is injected.
type TaskStuckEvent struct {
	ID     string
	Reason string
	Nudge  int
}

func (e TaskStuckEvent) EventType() string { return EventTypeTaskStuck }
func (e TaskStuckEvent) TaskID() string    { return e.ID }

// TaskDelegatedEvent is published when a task spawns a child.
type TaskDelegatedEvent struct {
	ID          string
	ChildID     string
	TargetAgent string
}

func (e TaskDelegatedEvent) EventType() string { return EventTypeTaskDelegated }
func (e TaskDelegatedEvent) TaskID() string    { return e.ID }

// TaskWaitingEvent is published when a task pauses on its subtasks.
type TaskWaitingEvent struct {
	ID       string
	Subtasks int
}

func (e TaskWaitingEvent) EventType() string { return EventTypeTaskWaiting }
func (e TaskWaitingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID         string
	Result     string
	Iterations int
	Duration   time.Duration
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID       string
	Reason   string
	Err      string
	Duration time.Duration
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task reaches the Cancelled state.
type TaskCancelledEvent struct {
	ID string
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// ModelLoadedEvent is published on a cache miss that finished loading.
type ModelLoadedEvent struct {
	Model    string
	VRAMGB   float64
	LoadTime time.Duration
}

func (e ModelLoadedEvent) EventType() string { return EventTypeModelLoaded }
func (e ModelLoadedEvent) TaskID() string    { return "" }

// ModelEvictedEvent is published for every LRU eviction.
type ModelEvictedEvent struct {
	Model    string
	VRAMGB   float64
	UseCount int
}

func (e ModelEvictedEvent) EventType() string { return EventTypeModelEvicted }
func (e ModelEvictedEvent) TaskID() string    { return "" }

// ModelLoadFailedEvent is published when a load could not be satisfied.
type ModelLoadFailedEvent struct {
	Model    string
	Required float64
	Err      string
}

func (e ModelLoadFailedEvent) EventType() string { return EventTypeModelFailed }
func (e ModelLoadFailedEvent) TaskID() string    { return "" }

// BatchFormedEvent is published when the orchestrator dispatches a batch.
type BatchFormedEvent struct {
	TaskIDs []string
}

func (e BatchFormedEvent) EventType() string { return EventTypeBatchFormed }
func (e BatchFormedEvent) TaskID() string    { return "" }

// RunProgressEvent is published when run progress changes.
type RunProgressEvent struct {
	RootID    string
	Total     int
	Completed int
	Running   int
	Waiting   int
	Failed    int
	Cancelled int
	Pending   int
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return e.RootID }
