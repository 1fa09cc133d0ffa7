package redpanda

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// priorityBuffer is the in-process staging area between the Kafka fetcher
// and the worker pool. Jobs pop in effective-priority order, where a job
// waiting past its tier's SLA gains one priority level per aging interval
// so low-priority work can never starve.
type priorityBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  bufferHeap
	aging  time.Duration
	closed bool
	now    func() time.Time
}

type bufferedJob struct {
	job       domain.Job
	enqueued  time.Time
	seq       uint64
	effective int
	index     int
}

func newPriorityBuffer(aging time.Duration) *priorityBuffer {
	b := &priorityBuffer{aging: aging, now: time.Now}
	b.cond = sync.NewCond(&b.mu)
	return b
}

var bufferSeq uint64

// Push adds a job and wakes one waiting worker.
func (b *priorityBuffer) Push(j domain.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	bufferSeq++
	heap.Push(&b.items, &bufferedJob{
		job:       j,
		enqueued:  b.now(),
		seq:       bufferSeq,
		effective: int(j.Priority),
	})
	b.cond.Signal()
}

// Pop blocks until a job is available or the buffer is closed. The second
// return is false once the buffer is closed and drained.
func (b *priorityBuffer) Pop() (domain.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 {
		if b.closed {
			return domain.Job{}, false
		}
		b.cond.Wait()
	}
	// re-establish heap order under current aging before popping
	b.items.refreshEffective(b.now(), b.aging)
	heap.Init(&b.items)
	bj := heap.Pop(&b.items).(*bufferedJob)
	return bj.job, true
}

// PopTimeout is Pop with an idle deadline. The third return is true when
// the wait timed out with the buffer still open and empty.
func (b *priorityBuffer) PopTimeout(d time.Duration) (domain.Job, bool, bool) {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() { b.cond.Broadcast() })
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 {
		if b.closed {
			return domain.Job{}, false, false
		}
		if !time.Now().Before(deadline) {
			return domain.Job{}, false, true
		}
		b.cond.Wait()
	}
	b.items.refreshEffective(b.now(), b.aging)
	heap.Init(&b.items)
	bj := heap.Pop(&b.items).(*bufferedJob)
	return bj.job, true, false
}

// Len reports the buffered backlog.
func (b *priorityBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close wakes all waiters; queued items drain before Pop reports closed.
func (b *priorityBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

type bufferHeap []*bufferedJob

func (h bufferHeap) Len() int { return len(h) }

func (h bufferHeap) Less(i, j int) bool {
	if h[i].effective != h[j].effective {
		return h[i].effective < h[j].effective
	}
	// FIFO among equals
	return h[i].seq < h[j].seq
}

func (h bufferHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *bufferHeap) Push(x any) {
	bj := x.(*bufferedJob)
	bj.index = len(*h)
	*h = append(*h, bj)
}

func (h *bufferHeap) Pop() any {
	old := *h
	n := len(old)
	bj := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return bj
}

// tierSLA is how long a job of the given priority may wait before aging
// starts promoting it.
func tierSLA(p domain.JobPriority) time.Duration {
	switch p {
	case domain.PriorityUrgent:
		return 0
	case domain.PriorityHigh:
		return 30 * time.Second
	case domain.PriorityNormal:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// refreshEffective recomputes each entry's aged priority. Only the wait
// past the tier's SLA counts toward promotion.
func (h bufferHeap) refreshEffective(now time.Time, aging time.Duration) {
	for _, bj := range h {
		eff := int(bj.job.Priority)
		if aging > 0 {
			if over := now.Sub(bj.enqueued) - tierSLA(bj.job.Priority); over > 0 {
				eff -= int(over / aging)
			}
		}
		if eff < int(domain.PriorityUrgent) {
			eff = int(domain.PriorityUrgent)
		}
		bj.effective = eff
	}
}
