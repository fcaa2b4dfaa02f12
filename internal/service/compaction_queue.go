package service

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/devrev/pairdb/region-server/internal/model"
)

// ErrPollInterrupted is returned by Poll when the wait is cut short by an
// interrupt signal rather than a timeout. It is the shutdown wakeup, not
// a failure.
var ErrPollInterrupted = errors.New("compaction queue poll interrupted")

// compactionRequest is one queued entry. Requests are ordered by
// (priority, sequence): a numerically smaller priority is more urgent,
// and the sequence number — assigned at enqueue time — keeps requests
// FIFO within a priority class. The priority may be raised while queued;
// the sequence never changes.
type compactionRequest struct {
	region   Region
	priority model.CompactionPriority
	seq      uint64
	index    int
}

// PriorityCompactionQueue is a priority-ordered, deduplicating queue of
// regions awaiting compaction. At most one entry exists per region; a
// second Add for a queued region can only raise its priority. Multiple
// producers call Add concurrently; the single compaction worker calls
// Poll. One mutex guards both internal structures (the heap and the
// dedup map) so they cannot diverge.
type PriorityCompactionQueue struct {
	mu      sync.Mutex
	heap    requestHeap
	entries map[string]*compactionRequest
	nextSeq uint64
	notify  chan struct{}
}

// NewPriorityCompactionQueue creates an empty queue.
func NewPriorityCompactionQueue() *PriorityCompactionQueue {
	return &PriorityCompactionQueue{
		entries: make(map[string]*compactionRequest),
		notify:  make(chan struct{}, 1),
	}
}

// Add enqueues a compaction request for the region, or upgrades the
// priority of an already-queued one when the new priority is strictly
// more urgent. It returns true only when a new entry was inserted; both
// "already queued, unchanged" and "already queued, upgraded" return
// false. Callers use the return purely to decide whether to log.
func (q *PriorityCompactionQueue) Add(region Region, priority model.CompactionPriority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := region.EncodedName()
	if existing, ok := q.entries[key]; ok {
		if priority.Compare(existing.priority) < 0 {
			existing.priority = priority
			heap.Fix(&q.heap, existing.index)
		}
		return false
	}

	req := &compactionRequest{
		region:   region,
		priority: priority,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.heap, req)
	q.entries[key] = req

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true
}

// Poll removes and returns the most urgent, earliest-enqueued region,
// blocking up to timeout when the queue is empty. It returns (nil, nil)
// on timeout and (nil, ErrPollInterrupted) when woken by the interrupt
// channel.
func (q *PriorityCompactionQueue) Poll(timeout time.Duration, interrupt <-chan struct{}) (Region, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			req := heap.Pop(&q.heap).(*compactionRequest)
			delete(q.entries, req.region.EncodedName())
			q.mu.Unlock()
			return req.region, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-interrupt:
			return nil, ErrPollInterrupted
		}
	}
}

// Size returns the number of distinct regions currently queued. The
// value is a point-in-time snapshot used for telemetry.
func (q *PriorityCompactionQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Priority reports the queued priority for a region, for telemetry and
// tests. The second return is false when the region is not queued.
func (q *PriorityCompactionQueue) Priority(encodedName string) (model.CompactionPriority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.entries[encodedName]
	if !ok {
		return 0, false
	}
	return req.priority, true
}

// Clear discards every queued entry. Only used during shutdown.
func (q *PriorityCompactionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.entries = make(map[string]*compactionRequest)
}

// requestHeap implements heap.Interface ordered by (priority, seq).
type requestHeap []*compactionRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if c := h[i].priority.Compare(h[j].priority); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	req := x.(*compactionRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}
