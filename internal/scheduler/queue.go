package scheduler

import (
	"container/heap"
)

// queueEntry is one slot in the queue arena.
type queueEntry struct {
	taskID   string
	priority int
	seq      uint64 // insertion order, FIFO tie-break
}

// taskQueue is a min-heap of arena indices ordered by (priority, seq).
// Popped slots go on a free list, so a skip-and-requeue scan costs
// O(log n) per candidate and never rebuilds the heap.
type taskQueue struct {
	arena []queueEntry
	free  []int
	heap  []int
	seq   uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) Len() int { return len(q.heap) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.arena[q.heap[i]], q.arena[q.heap[j]]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) { q.heap[i], q.heap[j] = q.heap[j], q.heap[i] }

func (q *taskQueue) Push(x any) { q.heap = append(q.heap, x.(int)) }

func (q *taskQueue) Pop() any {
	n := len(q.heap)
	idx := q.heap[n-1]
	q.heap = q.heap[:n-1]
	return idx
}

// push enqueues a task with a fresh insertion sequence.
func (q *taskQueue) push(taskID string, priority int) {
	q.seq++
	q.pushEntry(queueEntry{taskID: taskID, priority: priority, seq: q.seq})
}

// restore re-enqueues a previously popped entry, keeping its original
// sequence so a skipped task does not lose its FIFO position.
func (q *taskQueue) restore(e queueEntry) {
	q.pushEntry(e)
}

func (q *taskQueue) pushEntry(e queueEntry) {
	var idx int
	if n := len(q.free); n > 0 {
		idx = q.free[n-1]
		q.free = q.free[:n-1]
		q.arena[idx] = e
	} else {
		idx = len(q.arena)
		q.arena = append(q.arena, e)
	}
	heap.Push(q, idx)
}

// pop removes the highest-priority entry.
func (q *taskQueue) pop() (queueEntry, bool) {
	if len(q.heap) == 0 {
		return queueEntry{}, false
	}
	idx := heap.Pop(q).(int)
	e := q.arena[idx]
	q.arena[idx] = queueEntry{}
	q.free = append(q.free, idx)
	return e, true
}
