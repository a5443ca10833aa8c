package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/modelcache"
)

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrInvalidState  = errors.New("invalid status transition")
)

// AgentLookup resolves an agent role to its definition.
type AgentLookup interface {
	Lookup(role string) (config.AgentDefinition, bool)
}

// ResourceView is the read side of the model cache the scheduler needs.
type ResourceView interface {
	Satisfiable(model string, cost float64) bool
	TrackedCapacity() float64
	Snapshot() modelcache.Snapshot
}

// StatusCounts is a per-status tally of admitted tasks.
type StatusCounts struct {
	Total     int
	Pending   int
	Running   int
	Waiting   int
	Blocked   int
	Complete  int
	Failed    int
	Cancelled int
}

// Scheduler owns every admitted task and the priority queue over the
// pending ones. All methods are safe for concurrent use; returned tasks
// are copies.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string // admission order
	queue     *taskQueue
	queued    map[string]bool
	agents    AgentLookup
	resources ResourceView
	events    events.Emitter
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEvents publishes task.admitted and blocked-task failures.
func WithEvents(e events.Emitter) Option {
	return func(s *Scheduler) { s.events = e }
}

// New creates a scheduler over the given agent registry and resource view.
func New(agents AgentLookup, resources ResourceView, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[string]*Task),
		queue:     newTaskQueue(),
		queued:    make(map[string]bool),
		agents:    agents,
		resources: resources,
		events:    events.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit validates task, fills its resource fields from the agent registry
// and enqueues it. Rejected tasks never enter the queue.
func (s *Scheduler) Admit(task *Task) error {
	s.mu.Lock()

	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	agent, ok := s.agents.Lookup(task.AssignedAgent)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAgent, task.AssignedAgent)
	}
	if err := s.checkEdgesLocked(task); err != nil {
		s.mu.Unlock()
		return err
	}

	t := cloneTask(task)
	t.ModelName = agent.Model
	t.VRAMRequired = agent.VRAMGB
	t.Status = TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Context == nil {
		t.Context = make(map[string]string)
	}

	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	s.enqueueLocked(t)
	ev := events.TaskAdmittedEvent{
		ID:        t.ID,
		ParentID:  t.ParentID,
		AgentRole: t.AssignedAgent,
		Priority:  t.Priority,
		Model:     t.ModelName,
	}
	s.mu.Unlock()

	s.events.Emit(ev)
	return nil
}

// checkEdgesLocked rejects unknown references and cycles for a candidate.
func (s *Scheduler) checkEdgesLocked(task *Task) error {
	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return fmt.Errorf("%w: task %s depends on itself", ErrCycle, task.ID)
		}
		if _, ok := s.tasks[dep]; !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrTaskNotFound, dep, task.ID)
		}
	}
	if task.ParentID != "" {
		if task.ParentID == task.ID {
			return fmt.Errorf("%w: task %s is its own parent", ErrCycle, task.ID)
		}
		if _, ok := s.tasks[task.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrTaskNotFound, task.ParentID, task.ID)
		}
	}

	graph := make(map[string]*Task, len(s.tasks)+1)
	for id, t := range s.tasks {
		graph[id] = t
	}
	graph[task.ID] = task
	if _, err := topoOrder(graph); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) enqueueLocked(t *Task) {
	if s.queued[t.ID] {
		return
	}
	s.queue.push(t.ID, t.Priority)
	s.queued[t.ID] = true
}

// Readmit returns a Waiting task to Pending and enqueues it again.
func (s *Scheduler) Readmit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() || t.Status == TaskRunning {
		return fmt.Errorf("%w: cannot readmit %s task %s", ErrInvalidState, t.Status, id)
	}
	t.Status = TaskPending
	s.enqueueLocked(t)
	return nil
}

// depsComplete reports whether every dependency has reached Complete.
func (s *Scheduler) depsComplete(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.tasks[dep]
		if !ok || d.Status != TaskComplete {
			return false
		}
	}
	return true
}

// blockingDep returns the first dependency that can never complete.
func (s *Scheduler) blockingDep(t *Task) (*Task, bool) {
	for _, dep := range t.DependsOn {
		d, ok := s.tasks[dep]
		if !ok {
			continue
		}
		switch d.Status {
		case TaskFailed, TaskCancelled, TaskBlocked:
			return d, true
		}
	}
	return nil, false
}

// candidate pops the next live entry. Entries for tasks that are no
// longer Pending are dropped; tasks with a dead dependency become Blocked.
func (s *Scheduler) candidate(blocked *[]events.Event) (queueEntry, *Task, bool) {
	for {
		e, ok := s.queue.pop()
		if !ok {
			return queueEntry{}, nil, false
		}
		t := s.tasks[e.taskID]
		if t == nil || t.Status != TaskPending {
			delete(s.queued, e.taskID)
			continue
		}
		if dep, dead := s.blockingDep(t); dead {
			delete(s.queued, e.taskID)
			t.Status = TaskBlocked
			t.Error = fmt.Sprintf("dependency %s is %s", dep.ID, dep.Status)
			t.CompletedAt = s.now()
			*blocked = append(*blocked, events.TaskFailedEvent{ID: t.ID, Reason: "blocked", Err: t.Error})
			continue
		}
		return e, t, true
	}
}

func (s *Scheduler) oversized(t *Task) bool {
	return t.VRAMRequired > s.resources.TrackedCapacity()
}

// NextTask returns the highest-priority pending task whose dependencies are
// complete and whose model the cache can currently satisfy. Skipped tasks
// keep their queue position. A task larger than the whole budget is
// returned anyway so it fails fast on load.
func (s *Scheduler) NextTask() (*Task, bool) {
	var blocked []events.Event
	defer func() { s.emitAll(blocked) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []queueEntry
	defer func() {
		for _, e := range skipped {
			s.queue.restore(e)
		}
	}()

	for {
		e, t, ok := s.candidate(&blocked)
		if !ok {
			return nil, false
		}
		if !s.depsComplete(t) {
			skipped = append(skipped, e)
			continue
		}
		if !s.oversized(t) && !s.resources.Satisfiable(t.ModelName, t.VRAMRequired) {
			skipped = append(skipped, e)
			continue
		}
		delete(s.queued, t.ID)
		return cloneTask(t), true
	}
}

// ReadyBatch greedily collects pending tasks in priority order whose
// combined marginal cost fits the budget. The budget is free capacity plus
// capacity reclaimable from idle evictable models. A model already charged
// to the batch costs nothing more; a resident model costs nothing but is
// pinned and stops counting as reclaimable. Tasks related to a batch member
// by parent/child or depends_on are held back for a later batch.
func (s *Scheduler) ReadyBatch() []*Task {
	var blocked []events.Event
	defer func() { s.emitAll(blocked) }()

	snap := s.resources.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	resident := make(map[string]modelcache.LoadedModel, len(snap.Models))
	var reclaimable float64
	for _, m := range snap.Models {
		resident[m.Name] = m
		if evictable(m) {
			reclaimable += m.VRAMGB
		}
	}
	budget := snap.Free + reclaimable
	var committed float64
	charged := make(map[string]bool)

	var (
		batch   []*Task
		skipped []queueEntry
	)
	defer func() {
		for _, e := range skipped {
			s.queue.restore(e)
		}
	}()

	for {
		e, t, ok := s.candidate(&blocked)
		if !ok {
			break
		}
		if !s.depsComplete(t) || relatedToBatch(t, batch) {
			skipped = append(skipped, e)
			continue
		}

		if s.oversized(t) {
			// Runs alone so its load failure cannot take siblings with it.
			if len(batch) == 0 {
				delete(s.queued, t.ID)
				return []*Task{cloneTask(t)}
			}
			skipped = append(skipped, e)
			continue
		}

		var cost float64
		switch m, loaded := resident[t.ModelName]; {
		case charged[t.ModelName]:
		case loaded:
			if evictable(m) {
				// Pinning removes it from the reclaimable pool.
				cost = m.VRAMGB
			}
		default:
			cost = t.VRAMRequired
		}
		if committed+cost > budget {
			skipped = append(skipped, e)
			continue
		}

		committed += cost
		charged[t.ModelName] = true
		delete(s.queued, t.ID)
		batch = append(batch, t)
	}

	out := make([]*Task, len(batch))
	for i, t := range batch {
		out[i] = cloneTask(t)
	}
	return out
}

func evictable(m modelcache.LoadedModel) bool {
	return !m.KeepWarm && !m.Loading
}

func relatedToBatch(t *Task, batch []*Task) bool {
	for _, b := range batch {
		if t.ParentID == b.ID || b.ParentID == t.ID || contains(t.DependsOn, b.ID) || contains(b.DependsOn, t.ID) {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) emitAll(evs []events.Event) {
	for _, ev := range evs {
		s.events.Emit(ev)
	}
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Tasks returns copies of all tasks in admission order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneTask(s.tasks[id]))
	}
	return out
}

// Update applies fn to the stored task under the scheduler lock.
func (s *Scheduler) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	fn(t)
	return nil
}

func (s *Scheduler) transition(id string, to TaskStatus, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidState, id, t.Status)
	}
	t.Status = to
	if fn != nil {
		fn(t)
	}
	return nil
}

// MarkRunning moves a dispatched task to Running.
func (s *Scheduler) MarkRunning(id string) error {
	return s.transition(id, TaskRunning, func(t *Task) {
		if t.StartedAt.IsZero() {
			t.StartedAt = s.now()
		}
	})
}

// MarkWaiting pauses a task on its delegated subtasks.
func (s *Scheduler) MarkWaiting(id string) error {
	return s.transition(id, TaskWaiting, nil)
}

// MarkComplete records the result of a finished task.
func (s *Scheduler) MarkComplete(id, result string) error {
	return s.transition(id, TaskComplete, func(t *Task) {
		t.Result = result
		t.Error = ""
		t.CompletedAt = s.now()
	})
}

// MarkFailed records a terminal failure.
func (s *Scheduler) MarkFailed(id, errMsg string) error {
	return s.transition(id, TaskFailed, func(t *Task) {
		t.Error = errMsg
		t.CompletedAt = s.now()
	})
}

// MarkCancelled moves a task to the Cancelled terminal state.
func (s *Scheduler) MarkCancelled(id string) error {
	return s.transition(id, TaskCancelled, func(t *Task) {
		t.CompletedAt = s.now()
	})
}

// CancelTree requests cancellation of id and all of its descendants.
// Running tasks get the cooperative flag and stop at their next iteration
// boundary; other non-terminal tasks are cancelled immediately. The IDs of
// tasks cancelled immediately are returned.
func (s *Scheduler) CancelTree(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var cancelled []string
	for _, tid := range append([]string{id}, s.descendantsLocked(id)...) {
		t := s.tasks[tid]
		if t.Status.IsTerminal() {
			continue
		}
		t.CancelRequested = true
		if t.Status != TaskRunning {
			t.Status = TaskCancelled
			t.CompletedAt = s.now()
			cancelled = append(cancelled, tid)
		}
	}
	return cancelled, nil
}

func (s *Scheduler) descendantsLocked(id string) []string {
	var out []string
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		t, ok := s.tasks[cur]
		if !ok {
			continue
		}
		for _, child := range t.SubtaskIDs {
			out = append(out, child)
			frontier = append(frontier, child)
		}
	}
	return out
}

// Counts tallies tasks by status.
func (s *Scheduler) Counts() StatusCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c StatusCounts
	for _, t := range s.tasks {
		c.Total++
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskRunning:
			c.Running++
		case TaskWaiting:
			c.Waiting++
		case TaskBlocked:
			c.Blocked++
		case TaskComplete:
			c.Complete++
		case TaskFailed:
			c.Failed++
		case TaskCancelled:
			c.Cancelled++
		}
	}
	return c
}

// HasOutstandingWork reports whether any task can still make progress.
// Blocked tasks never can.
func (s *Scheduler) HasOutstandingWork() bool {
	c := s.Counts()
	return c.Pending+c.Running+c.Waiting > 0
}
