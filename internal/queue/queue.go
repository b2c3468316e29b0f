// Package queue implements the ready queue: a binary heap of jobs ordered by
// effective key, indexed by task id.
package queue

import (
	"container/heap"
	"slices"

	"github.com/nadmax/rtsched/internal/task"
)

type item struct {
	job   *task.Job
	index int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	return h[i].job.EffectiveKey().Less(h[j].job.EffectiveKey())
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue holds at most one job per task.
type Queue struct {
	h      jobHeap
	byTask map[task.ID]*item
}

func New() *Queue {
	return &Queue{
		byTask: make(map[task.ID]*item),
	}
}

// Push inserts job. A job of the same task already queued is removed and
// returned.
func (q *Queue) Push(job *task.Job) *task.Job {
	replaced, _ := q.Remove(job.TaskID)

	it := &item{job: job}
	heap.Push(&q.h, it)
	q.byTask[job.TaskID] = it
	return replaced
}

func (q *Queue) PopMin() (*task.Job, bool) {
	if len(q.h) == 0 {
		return nil, false
	}

	it := heap.Pop(&q.h).(*item)
	delete(q.byTask, it.job.TaskID)
	return it.job, true
}

func (q *Queue) Peek() (*task.Job, bool) {
	if len(q.h) == 0 {
		return nil, false
	}

	return q.h[0].job, true
}

func (q *Queue) Remove(id task.ID) (*task.Job, bool) {
	it, ok := q.byTask[id]
	if !ok {
		return nil, false
	}

	heap.Remove(&q.h, it.index)
	delete(q.byTask, id)
	return it.job, true
}

// Fix restores heap order after the effective key of a queued job changed.
func (q *Queue) Fix(id task.ID) bool {
	it, ok := q.byTask[id]
	if !ok {
		return false
	}

	heap.Fix(&q.h, it.index)
	return true
}

func (q *Queue) Get(id task.ID) (*task.Job, bool) {
	it, ok := q.byTask[id]
	if !ok {
		return nil, false
	}

	return it.job, true
}

func (q *Queue) Contains(id task.ID) bool {
	_, ok := q.byTask[id]
	return ok
}

func (q *Queue) Len() int {
	return len(q.h)
}

// Jobs returns the queued jobs in dispatch order.
func (q *Queue) Jobs() []*task.Job {
	jobs := make([]*task.Job, len(q.h))
	for i, it := range q.h {
		jobs[i] = it.job
	}

	slices.SortFunc(jobs, func(a, b *task.Job) int {
		ka, kb := a.EffectiveKey(), b.EffectiveKey()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		default:
			return 0
		}
	})

	return jobs
}
