// Package jobqueue holds jobs waiting for admission, ordered by priority.
package jobqueue

import (
	"container/heap"
	"fmt"

	"basegraph.app/jobagent/internal/model"
)

type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s is already queued", e.JobID)
}

// Queue orders pending jobs by priority ascending, FIFO among equal priorities.
// It is not safe for concurrent use; the broker owns it from a single goroutine.
type Queue struct {
	items           items
	byID            map[string]*item
	seq             uint64
	defaultPriority int
}

type item struct {
	job      model.Job
	priority int
	seq      uint64
	index    int
}

func New(defaultPriority int) *Queue {
	return &Queue{
		byID:            make(map[string]*item),
		defaultPriority: defaultPriority,
	}
}

// Enqueue inserts job, failing with *DuplicateJobError when its id is already queued.
func (q *Queue) Enqueue(job model.Job) error {
	if _, ok := q.byID[job.ID]; ok {
		return &DuplicateJobError{JobID: job.ID}
	}
	q.seq++
	it := &item{job: job, priority: job.PriorityOr(q.defaultPriority), seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[job.ID] = it
	return nil
}

// Dequeue removes the most urgent job. ok is false when the queue is empty.
func (q *Queue) Dequeue() (job model.Job, ok bool) {
	if len(q.items) == 0 {
		return model.Job{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.job.ID)
	return it.job, true
}

// Remove takes the job with the given id out of the queue, if present.
func (q *Queue) Remove(jobID string) (job model.Job, ok bool) {
	it, ok := q.byID[jobID]
	if !ok {
		return model.Job{}, false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	return it.job, true
}

func (q *Queue) Has(jobID string) bool {
	_, ok := q.byID[jobID]
	return ok
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) IsEmpty() bool { return len(q.items) == 0 }

// Jobs returns the queued jobs in dequeue order without modifying the queue.
func (q *Queue) Jobs() []model.Job {
	sorted := make(items, len(q.items))
	copy(sorted, q.items)
	out := make([]model.Job, 0, len(sorted))
	for len(sorted) > 0 {
		best := 0
		for i := range sorted {
			if sorted.less(sorted[i], sorted[best]) {
				best = i
			}
		}
		out = append(out, sorted[best].job)
		sorted = append(sorted[:best], sorted[best+1:]...)
	}
	return out
}

type items []*item

func (h items) less(a, b *item) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (h items) Len() int           { return len(h) }
func (h items) Less(i, j int) bool { return h.less(h[i], h[j]) }

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
