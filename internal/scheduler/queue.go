package scheduler

import (
	"container/heap"
	"time"
)

// Reminder is one pending reminder entry. An entry leaves the queue by
// firing or by cancellation, never both.
type Reminder struct {
	TaskID      int64     `json:"task_id"`
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	DueDate     time.Time `json:"due_date"`
	TriggerTime time.Time `json:"trigger_time"`
}

type entry struct {
	reminder  Reminder
	cancelled bool
	index     int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].reminder.TriggerTime.Before(h[j].reminder.TriggerTime)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap on trigger_time with a task_id side index for
// reschedule and cancellation. Classic heaps lack O(log n) arbitrary
// removal, so cancellation tombstones the entry and the pop path skips
// it. Queue is not goroutine safe; the owning scheduler serializes
// access.
type Queue struct {
	heap  entryHeap
	index map[int64]*entry
}

func NewQueue() *Queue {
	return &Queue{
		index: make(map[int64]*entry),
	}
}

// Upsert inserts a fresh entry for the reminder's task, replacing any
// previous one (remove-then-reinsert through the side index).
func (q *Queue) Upsert(r Reminder) {
	if old, ok := q.index[r.TaskID]; ok {
		heap.Remove(&q.heap, old.index)
	}
	e := &entry{reminder: r}
	heap.Push(&q.heap, e)
	q.index[r.TaskID] = e
}

// Restore reinserts a popped reminder after a failed fire. A fresher
// entry scheduled for the task while the fire was in flight wins; the
// stale reminder is dropped instead of clobbering it.
func (q *Queue) Restore(r Reminder) {
	if _, ok := q.index[r.TaskID]; ok {
		return
	}
	e := &entry{reminder: r}
	heap.Push(&q.heap, e)
	q.index[r.TaskID] = e
}

// Cancel tombstones the task's entry. Returns false when no pending
// entry exists. The entry stays in the heap until popped.
func (q *Queue) Cancel(taskID int64) bool {
	e, ok := q.index[taskID]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(q.index, taskID)
	return true
}

// PopDue removes and returns every non-cancelled entry with trigger_time
// at or before now, in trigger order. Tombstoned entries are discarded
// silently.
func (q *Queue) PopDue(now time.Time) []Reminder {
	var due []Reminder
	for q.heap.Len() > 0 {
		head := q.heap[0]
		if head.reminder.TriggerTime.After(now) {
			break
		}
		heap.Pop(&q.heap)
		if head.cancelled {
			continue
		}
		delete(q.index, head.reminder.TaskID)
		due = append(due, head.reminder)
	}
	return due
}

// Pending returns a copy of every live entry, for snapshotting.
func (q *Queue) Pending() []Reminder {
	out := make([]Reminder, 0, len(q.index))
	for _, e := range q.index {
		out = append(out, e.reminder)
	}
	return out
}

// Len counts live (non-tombstoned) entries.
func (q *Queue) Len() int {
	return len(q.index)
}
