// Package orchestrator drives a request from its root task to a terminal
// state, running ready tasks one at a time or in capacity-bounded batches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskforge/internal/agent"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/modelcache"
	"github.com/aristath/taskforge/internal/recovery"
	"github.com/aristath/taskforge/internal/scheduler"
)

var (
	ErrStuck       = errors.New("run stuck: no task is ready and none is waiting")
	ErrWaitTimeout = errors.New("timed out waiting for delegated subtasks")
	ErrBusy        = errors.New("a run is already in progress")
)

// Result is the final state of one Run.
type Result struct {
	RootID   string
	Status   scheduler.TaskStatus
	Output   string
	Error    string
	Tasks    int
	Duration time.Duration
}

// Success reports whether the root task completed.
func (r Result) Success() bool { return r.Status == scheduler.TaskComplete }

// TaskRunner executes one task's control loop.
type TaskRunner interface {
	Run(ctx context.Context, taskID string) agent.Outcome
}

// Reconciler feeds finished children back to their parents.
type Reconciler interface {
	ChildCompleted(ctx context.Context, childID string) error
	ChildFailed(ctx context.Context, childID string) error
}

// TaskStore receives snapshots of terminal tasks.
type TaskStore interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
}

// Checkpointer stores recovery checkpoints for runs that fail outside a loop.
type Checkpointer interface {
	SaveCheckpoint(taskID string, state recovery.State) error
}

// CacheStats exposes the model cache counters.
type CacheStats interface {
	Stats() modelcache.Stats
}

// KeepWarmer exempts models from cache eviction.
type KeepWarmer interface {
	IsKeepWarm(model string) bool
	AddKeepWarm(model string)
	RemoveKeepWarm(model string)
}

// Config wires an Orchestrator.
type Config struct {
	Scheduler  *scheduler.Scheduler
	Loop       TaskRunner
	Delegation Reconciler
	Tasks      TaskStore      // Optional
	Recovery   Checkpointer   // Optional
	Cache      CacheStats     // Optional
	KeepWarm   KeepWarmer     // Optional; pins the root model for the run
	Events     events.Emitter // Optional

	RootAgent        string        // Role of the root task (default "orchestrator")
	ConcurrencyLimit int           // Max concurrent loops per batch (default 4)
	PollInitial      time.Duration // First wait while subtasks are in flight (default 100ms)
	PollMax          time.Duration // Longest single wait (default 2s)
	MaxWait          time.Duration // Total wait before the run is failed (default 10m)
}

// Orchestrator owns the run loop. One Run is active at a time.
type Orchestrator struct {
	cfg     Config
	running sync.Mutex

	mu    sync.Mutex
	roots []string
	saved map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.RootAgent == "" {
		cfg.RootAgent = "orchestrator"
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = 100 * time.Millisecond
	}
	if cfg.PollMax < cfg.PollInitial {
		cfg.PollMax = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Minute
	}
	return &Orchestrator{
		cfg:   cfg,
		saved: make(map[string]bool),
		sleep: sleepCtx,
		now:   time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run admits request as a root task and drives the scheduler until the
// root reaches a terminal state. The returned error is non-nil only when
// the root could not be admitted or ctx was cancelled; task failures are
// reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, request string, parallel bool) (Result, error) {
	if !o.running.TryLock() {
		return Result{}, ErrBusy
	}
	defer o.running.Unlock()

	started := o.now()
	root := scheduler.NewTask(request, o.cfg.RootAgent, 0)
	if err := o.cfg.Scheduler.Admit(root); err != nil {
		return Result{}, fmt.Errorf("admit root task: %w", err)
	}
	o.mu.Lock()
	o.roots = append(o.roots, root.ID)
	o.mu.Unlock()
	defer o.pinRootModel(root.ID)()

	wait := o.newBackoff()
	var runErr error

	for o.cfg.Scheduler.HasOutstandingWork() {
		if err := ctx.Err(); err != nil {
			runErr = err
			o.CancelTask(context.WithoutCancel(ctx), root.ID)
			break
		}

		batch := o.nextBatch(parallel)
		if len(batch) == 0 {
			if o.cfg.Scheduler.Counts().Waiting == 0 {
				o.failRoot(ctx, root.ID, recovery.ReasonRunStuck, ErrStuck)
				break
			}
			d := wait.NextBackOff()
			if d == backoff.Stop {
				o.failRoot(ctx, root.ID, recovery.ReasonWaitTimeout, ErrWaitTimeout)
				break
			}
			// A cancelled sleep is handled at the top of the loop.
			_ = o.sleep(ctx, d)
			continue
		}
		wait.Reset()

		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
		}
		o.cfg.Events.Emit(events.BatchFormedEvent{TaskIDs: ids})

		for _, out := range o.runBatch(ctx, batch) {
			o.settle(ctx, out)
		}
		o.snapshot(ctx)
		o.emitProgress(root.ID)

		if t, ok := o.cfg.Scheduler.Get(root.ID); ok && t.Status.IsTerminal() {
			// Leftover work under a decided root is never needed.
			o.CancelTask(ctx, root.ID)
			break
		}
	}

	o.snapshot(context.WithoutCancel(ctx))
	return o.result(root.ID, started), runErr
}

// pinRootModel keeps the root's model resident while its children run and
// returns the func that unpins it. Models already configured keep-warm are
// left alone.
func (o *Orchestrator) pinRootModel(rootID string) func() {
	kw := o.cfg.KeepWarm
	if kw == nil {
		return func() {}
	}
	root, ok := o.cfg.Scheduler.Get(rootID)
	if !ok || root.ModelName == "" || kw.IsKeepWarm(root.ModelName) {
		return func() {}
	}
	kw.AddKeepWarm(root.ModelName)
	return func() { kw.RemoveKeepWarm(root.ModelName) }
}

func (o *Orchestrator) nextBatch(parallel bool) []*scheduler.Task {
	if parallel {
		return o.cfg.Scheduler.ReadyBatch()
	}
	if t, ok := o.cfg.Scheduler.NextTask(); ok {
		return []*scheduler.Task{t}
	}
	return nil
}

// runBatch runs every task in batch concurrently and waits for all of
// them. Outcomes are collected per task so one failure never cancels
// its siblings.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*scheduler.Task) []agent.Outcome {
	outcomes := make([]agent.Outcome, len(batch))
	if len(batch) == 1 {
		outcomes[0] = o.cfg.Loop.Run(ctx, batch[0].ID)
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.ConcurrencyLimit)
	for i, task := range batch {
		g.Go(func() error {
			outcomes[i] = o.cfg.Loop.Run(ctx, task.ID)
			return nil // Return nil to not abort errgroup
		})
	}
	_ = g.Wait()
	return outcomes
}

// settle hands a finished task to its parent.
func (o *Orchestrator) settle(ctx context.Context, out agent.Outcome) {
	var err error
	switch out.Status {
	case scheduler.TaskComplete:
		err = o.cfg.Delegation.ChildCompleted(ctx, out.TaskID)
	case scheduler.TaskFailed, scheduler.TaskCancelled:
		if out.Err != nil {
			log.Printf("WARNING: task %s %s: %v", out.TaskID, out.Status, out.Err)
		}
		err = o.cfg.Delegation.ChildFailed(context.WithoutCancel(ctx), out.TaskID)
	}
	if err != nil {
		log.Printf("ERROR: reconciling task %s: %v", out.TaskID, err)
	}
}

// failRoot ends a run that can make no further progress.
func (o *Orchestrator) failRoot(ctx context.Context, rootID string, reason recovery.FailureReason, cause error) {
	sched := o.cfg.Scheduler
	root, ok := sched.Get(rootID)
	if !ok || root.Status.IsTerminal() {
		return
	}
	if err := sched.MarkFailed(rootID, cause.Error()); err != nil {
		log.Printf("WARNING: failing root %s: %v", rootID, err)
		return
	}
	c := sched.Counts()
	log.Printf("ERROR: run %s: %v (pending=%d waiting=%d blocked=%d)", rootID, cause, c.Pending, c.Waiting, c.Blocked)

	if o.cfg.Recovery != nil {
		snap, _ := sched.Get(rootID)
		state := recovery.State{
			TaskID:    rootID,
			Task:      recovery.EncodeTask(snap),
			SessionID: root.SessionID,
			Iteration: root.Iterations,
			Reason:    reason,
			Context: map[string]string{
				"pending": fmt.Sprint(c.Pending),
				"waiting": fmt.Sprint(c.Waiting),
				"blocked": fmt.Sprint(c.Blocked),
			},
			Error: cause.Error(),
		}
		if err := o.cfg.Recovery.SaveCheckpoint(rootID, state); err != nil {
			log.Printf("ERROR: task %s: write recovery checkpoint: %v", rootID, err)
		}
	}
	o.cfg.Events.Emit(events.TaskFailedEvent{ID: rootID, Reason: string(reason), Err: cause.Error()})
	o.CancelTask(ctx, rootID)
}

// CancelTask cancels id and its descendants. Running tasks stop at their
// next iteration boundary. Tasks cancelled before they ran are reported to
// their parents here, since no loop will report them.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) error {
	cancelled, err := o.cfg.Scheduler.CancelTree(id)
	if err != nil {
		return err
	}
	inTree := make(map[string]bool, len(cancelled))
	for _, cid := range cancelled {
		inTree[cid] = true
	}
	for _, cid := range cancelled {
		o.cfg.Events.Emit(events.TaskCancelledEvent{ID: cid})
		t, ok := o.cfg.Scheduler.Get(cid)
		if !ok || t.ParentID == "" || inTree[t.ParentID] {
			continue
		}
		if err := o.cfg.Delegation.ChildFailed(ctx, cid); err != nil {
			log.Printf("WARNING: reporting cancelled task %s: %v", cid, err)
		}
	}
	return nil
}

// CancelAll cancels every run this orchestrator has started.
func (o *Orchestrator) CancelAll(ctx context.Context) error {
	o.mu.Lock()
	roots := append([]string(nil), o.roots...)
	o.mu.Unlock()

	var errs []error
	for _, id := range roots {
		if err := o.CancelTask(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the run and the model cache.
type Stats struct {
	Tasks scheduler.StatusCounts
	Cache modelcache.Stats
}

// Stats returns current task counts and cache statistics.
func (o *Orchestrator) Stats() Stats {
	s := Stats{Tasks: o.cfg.Scheduler.Counts()}
	if o.cfg.Cache != nil {
		s.Cache = o.cfg.Cache.Stats()
	}
	return s
}

// snapshot persists every terminal task not saved yet.
func (o *Orchestrator) snapshot(ctx context.Context) {
	if o.cfg.Tasks == nil {
		return
	}
	for _, t := range o.cfg.Scheduler.Tasks() {
		if !t.Status.IsTerminal() {
			continue
		}
		o.mu.Lock()
		done := o.saved[t.ID]
		o.mu.Unlock()
		if done {
			continue
		}
		if err := o.cfg.Tasks.SaveTask(ctx, t); err != nil {
			log.Printf("WARNING: snapshot task %s: %v", t.ID, err)
			continue
		}
		o.mu.Lock()
		o.saved[t.ID] = true
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emitProgress(rootID string) {
	c := o.cfg.Scheduler.Counts()
	o.cfg.Events.Emit(events.RunProgressEvent{
		RootID:    rootID,
		Total:     c.Total,
		Completed: c.Complete,
		Running:   c.Running,
		Waiting:   c.Waiting,
		Failed:    c.Failed + c.Blocked,
		Cancelled: c.Cancelled,
		Pending:   c.Pending,
	})
}

func (o *Orchestrator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.PollInitial
	b.MaxInterval = o.cfg.PollMax
	b.MaxElapsedTime = o.cfg.MaxWait
	b.Multiplier = 2
	b.Reset()
	return b
}

func (o *Orchestrator) result(rootID string, started time.Time) Result {
	res := Result{RootID: rootID, Tasks: o.cfg.Scheduler.Counts().Total, Duration: o.now().Sub(started)}
	if t, ok := o.cfg.Scheduler.Get(rootID); ok {
		res.Status = t.Status
		res.Output = t.Result
		res.Error = t.Error
	}
	return res
}
