package ratelimit

type pendingOp struct {
	priority int
	seq      uint64
	admit    chan struct{}
	// index in the heap, -1 once popped.
	index int
}

// opQueue is a container/heap ordered by priority (high first) then by
// arrival sequence.
type opQueue []*pendingOp

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q opQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *opQueue) Push(x any) {
	op := x.(*pendingOp)
	op.index = len(*q)
	*q = append(*q, op)
}

func (q *opQueue) Pop() any {
	old := *q
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.index = -1
	*q = old[:n-1]
	return op
}
