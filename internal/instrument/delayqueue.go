package instrument

import "container/heap"

// action is deferred work, run once the clock reaches ready.
type action struct {
	ready int64
	order uint64 // insertion order, keeps equal ready times FIFO
	run   func()
}

// delayQueue holds actions postponed by the artificial delay. It is owned
// by the client loop and needs no locking.
type delayQueue struct {
	items actionHeap
	next  uint64
}

func (q *delayQueue) push(ready int64, run func()) {
	heap.Push(&q.items, &action{ready: ready, order: q.next, run: run})
	q.next++
}

// runReady executes every action whose ready time is at or before now, in
// ready order. It returns how many ran.
func (q *delayQueue) runReady(now int64) int {
	n := 0
	for q.items.Len() > 0 && q.items[0].ready <= now {
		a := heap.Pop(&q.items).(*action)
		a.run()
		n++
	}
	return n
}

func (q *delayQueue) len() int { return q.items.Len() }

// ---------------------------------------------------------------------------
// actionHeap implements a min-heap sorted by ready time.
// ---------------------------------------------------------------------------

type actionHeap []*action

func (h actionHeap) Len() int { return len(h) }
func (h actionHeap) Less(i, j int) bool {
	if h[i].ready != h[j].ready {
		return h[i].ready < h[j].ready
	}
	return h[i].order < h[j].order
}
func (h actionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x any)   { *h = append(*h, x.(*action)) }

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
