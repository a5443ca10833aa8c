package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Queued, waiting for dependencies or capacity
	TaskRunning                     // Control loop is driving it
	TaskWaiting                     // Paused on delegated subtasks
	TaskBlocked                     // A dependency can never complete
	TaskComplete                    // Finished successfully
	TaskFailed                      // Finished with error
	TaskCancelled                   // Cancelled cooperatively
)

var statusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskRunning:   "running",
	TaskWaiting:   "waiting",
	TaskBlocked:   "blocked",
	TaskComplete:  "complete",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseTaskStatus maps a status name back to its value.
func ParseTaskStatus(name string) (TaskStatus, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskCancelled
}

// Task represents a unit of work assigned to one agent role.
type Task struct {
	ID              string
	ParentID        string
	Description     string
	TaskType        string
	AssignedAgent   string // Key into the agent registry
	Status          TaskStatus
	Priority        int // Lower is scheduled first
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	SubtaskIDs      []string // Append-only, owned by the parent
	DependsOn       []string // Task IDs that must reach TaskComplete
	Context         map[string]string
	Result          string
	Error           string
	SessionID       string
	CancelRequested bool
	Iterations      int

	// Populated by the scheduler from the agent registry at admission.
	ModelName    string
	VRAMRequired float64
}

// NewTask creates a pending task with a fresh ID.
func NewTask(description, agent string, priority int) *Task {
	return &Task{
		ID:            uuid.NewString(),
		Description:   description,
		AssignedAgent: agent,
		Priority:      priority,
		Status:        TaskPending,
		CreatedAt:     time.Now(),
		Context:       make(map[string]string),
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.SubtaskIDs != nil {
		cp.SubtaskIDs = append([]string(nil), task.SubtaskIDs...)
	}
	if task.Context != nil {
		cp.Context = make(map[string]string, len(task.Context))
		for k, v := range task.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
