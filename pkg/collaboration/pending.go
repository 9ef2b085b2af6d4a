package collaboration

// PendingQueue holds operations applied locally but not yet accepted by the
// remote store, in application order.
type PendingQueue struct {
	ops []*Operation
}

// Push appends op unless it is already queued.
func (q *PendingQueue) Push(op *Operation) {
	if q.index(op) >= 0 {
		return
	}
	q.ops = append(q.ops, op)
}

// Head returns the oldest operation, or nil.
func (q *PendingQueue) Head() *Operation {
	if len(q.ops) == 0 {
		return nil
	}
	return q.ops[0]
}

// Remove drops op wherever it currently sits.
func (q *PendingQueue) Remove(op *Operation) bool {
	i := q.index(op)
	if i < 0 {
		return false
	}
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return true
}

// Replace swaps in a rebuilt queue.
func (q *PendingQueue) Replace(ops []*Operation) {
	q.ops = ops
}

// Ops returns a copy of the queue, oldest first.
func (q *PendingQueue) Ops() []*Operation {
	out := make([]*Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Len returns the queue length.
func (q *PendingQueue) Len() int { return len(q.ops) }

func (q *PendingQueue) index(op *Operation) int {
	for i, o := range q.ops {
		if o == op {
			return i
		}
	}
	return -1
}
