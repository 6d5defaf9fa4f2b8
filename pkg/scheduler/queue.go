package scheduler

// jobQueue fulfills the heap interface: higher priority first, equal
// priorities in submission order
type jobQueue[T any] []*job[T]

func (q jobQueue[T]) Len() int { return len(q) }

func (q jobQueue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue[T]) Push(x any) {
	j := x.(*job[T]) //nolint:forcetypeassert // Only jobs are pushed
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue[T]) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[0 : n-1]
	return j
}
