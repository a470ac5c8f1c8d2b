package scheduler

import (
	"container/heap"
	"time"
)

// entry is one pending fire in the queue.
type entry struct {
	defID string
	at    time.Time
	index int
}

// fireQueue is a min-heap of pending fires ordered by fire time, ties
// broken by definition id so draining order is deterministic.
type fireQueue struct {
	items []*entry
	byDef map[string]*entry
}

func newFireQueue() *fireQueue {
	q := &fireQueue{byDef: make(map[string]*entry)}
	heap.Init(q)
	return q
}

func (q *fireQueue) Len() int { return len(q.items) }

func (q *fireQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.defID < b.defID
}

func (q *fireQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *fireQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
	q.byDef[e.defID] = e
}

func (q *fireQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.byDef, e.defID)
	return e
}

// set inserts or moves the definition's pending fire.
func (q *fireQueue) set(defID string, at time.Time) {
	if e, ok := q.byDef[defID]; ok {
		e.at = at
		heap.Fix(q, e.index)
		return
	}
	heap.Push(q, &entry{defID: defID, at: at})
}

// remove drops the definition's pending fire if present.
func (q *fireQueue) remove(defID string) {
	if e, ok := q.byDef[defID]; ok {
		heap.Remove(q, e.index)
	}
}

// peek returns the earliest pending fire without removing it.
func (q *fireQueue) peek() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// pop removes and returns the earliest pending fire.
func (q *fireQueue) pop() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(q).(*entry), true
}
