package bulk

import "container/heap"

// taskQueue orders ready tasks parents-first: lower depth wins, and within
// one depth the plan's submission order is preserved.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Depth != q[j].Depth {
		return q[i].Depth < q[j].Depth
	}
	return q[i].Seq < q[j].Seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

func (q taskQueue) peek() *Task { return q[0] }

func newTaskQueue(tasks ...*Task) *taskQueue {
	q := taskQueue(append([]*Task(nil), tasks...))
	heap.Init(&q)
	return &q
}
