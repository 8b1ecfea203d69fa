package deadnode

import "time"

// expiryEntry is one pending liveness deadline.
type expiryEntry struct {
	deadline time.Time
	nodeID   string
}

// expiryHeap is a min-heap over deadlines, driven through container/heap.
// No example repo carries a priority-queue dependency; container/heap is
// the stdlib tool for a single in-process min-heap (see DESIGN.md).
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
