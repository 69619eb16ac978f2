package scheduler

import "time"

type entryState int

const (
	statePending entryState = iota
	stateFiring
)

type entry struct {
	id    uint
	due   time.Time
	state entryState
	// index is the heap position while pending, -1 otherwise.
	index int
	// requeue holds a due time registered while the entry was firing.
	requeue *time.Time
}

// dueQueue orders pending entries by due time, then id.
type dueQueue []*entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id < q[j].id
	}
	return q[i].due.Before(q[j].due)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
