package wheel

import (
	"sync"
	"sync/atomic"
)

// Bucket holds the entries of one tier slot. The list is intrusive and
// circular around a sentinel root so insert and unlink are O(1).
type Bucket struct {
	// -1 while empty
	expiration atomic.Int64

	mu   sync.Mutex
	root Entry
	n    int
}

func newBucket() *Bucket {
	b := &Bucket{}
	b.root.next = &b.root
	b.root.prev = &b.root
	b.expiration.Store(-1)
	return b
}

func (b *Bucket) Expiration() int64 { return b.expiration.Load() }

// SetExpiration stores ms and reports whether the value changed. A change
// means the bucket must be (re-)offered to the delay queue.
func (b *Bucket) SetExpiration(ms int64) bool {
	return b.expiration.Swap(ms) != ms
}

// Add appends e unless it is already linked into some bucket.
func (b *Bucket) Add(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !e.bucket.CompareAndSwap(nil, b) {
		return false
	}
	tail := b.root.prev
	e.prev = tail
	e.next = &b.root
	tail.next = e
	b.root.prev = e
	b.n++
	return true
}

// Remove unlinks e if this bucket holds it.
func (b *Bucket) Remove(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.bucket.Load() != b {
		return false
	}
	b.unlinkLocked(e)
	return true
}

// Flush empties the bucket, resets its expiration and passes every entry,
// oldest first, to sink. sink runs without the bucket lock held, so it may
// add entries back into this bucket.
func (b *Bucket) Flush(sink func(*Entry)) {
	b.mu.Lock()
	detached := make([]*Entry, 0, b.n)
	for e := b.root.next; e != &b.root; e = b.root.next {
		b.unlinkLocked(e)
		detached = append(detached, e)
	}
	b.expiration.Store(-1)
	b.mu.Unlock()

	for _, e := range detached {
		sink(e)
	}
}

func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *Bucket) unlinkLocked(e *Entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
	e.bucket.Store(nil)
	b.n--
}

// contains walks the list; tests use it to check placement.
func (b *Bucket) contains(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for it := b.root.next; it != &b.root; it = it.next {
		if it == e {
			return true
		}
	}
	return false
}
