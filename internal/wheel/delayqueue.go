package wheel

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type queued struct {
	b   *Bucket
	exp int64 // expiration when offered
}

// bucketHeap is a min-heap ordered by expiration.
type bucketHeap []queued

func (h bucketHeap) Len() int           { return len(h) }
func (h bucketHeap) Less(i, j int) bool { return h[i].exp < h[j].exp }
func (h bucketHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *bucketHeap) Push(x any)        { *h = append(*h, x.(queued)) }
func (h *bucketHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return x
}

// DelayQueue hands out buckets once their expiration has passed.
type DelayQueue struct {
	mu     sync.Mutex
	pq     bucketHeap
	wakeup chan struct{}
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{wakeup: make(chan struct{}, 1)}
}

// Offer queues b at its current expiration and wakes a waiting Poll when b
// became the earliest bucket.
func (q *DelayQueue) Offer(b *Bucket) {
	q.mu.Lock()
	heap.Push(&q.pq, queued{b: b, exp: b.Expiration()})
	head := q.pq[0].b == b
	q.mu.Unlock()

	if head {
		select {
		case q.wakeup <- struct{}{}:
		default:
		}
	}
}

// PollExpired pops the head if it expired at nowMs. It never blocks.
func (q *DelayQueue) PollExpired(nowMs int64) *Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shiftLocked(nowMs)
}

// Poll waits up to maxWait for the head bucket to expire. It returns nil on
// timeout or when ctx ends; a done ctx never pops a bucket.
func (q *DelayQueue) Poll(ctx context.Context, maxWait time.Duration, nowMs func() int64) *Bucket {
	until := time.Now().Add(maxWait)
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := nowMs()
		q.mu.Lock()
		if b := q.shiftLocked(now); b != nil {
			q.mu.Unlock()
			return b
		}
		wait := time.Until(until)
		if len(q.pq) > 0 {
			if d := time.Duration(q.pq[0].exp-now) * time.Millisecond; d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-q.wakeup:
			t.Stop()
		case <-t.C:
		}
	}
}

// Peek returns the earliest queued expiration.
func (q *DelayQueue) Peek() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return 0, false
	}
	return q.pq[0].exp, true
}

func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *DelayQueue) shiftLocked(nowMs int64) *Bucket {
	if len(q.pq) == 0 || q.pq[0].exp > nowMs {
		return nil
	}
	return heap.Pop(&q.pq).(queued).b
}
