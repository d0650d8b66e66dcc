package wheel

import (
	"sync/atomic"
	"time"
)

// Entry is one scheduled occurrence of a task. Its deadline is fixed;
// re-arming a recurring task uses a new Entry.
type Entry struct {
	deadline int64
	task     any

	bucket    atomic.Pointer[Bucket]
	cancelled atomic.Bool

	// guarded by the holding bucket's mutex
	prev, next *Entry
}

func NewEntry(deadline time.Time, task any) *Entry {
	return &Entry{deadline: timeToMs(deadline), task: task}
}

func (e *Entry) Deadline() time.Time { return msToTime(e.deadline) }
func (e *Entry) DeadlineMs() int64   { return e.deadline }
func (e *Entry) Task() any           { return e.task }

// Scheduled reports whether the entry currently sits in a bucket.
// It is false once fired, cancelled, or while a cascade moves it.
func (e *Entry) Scheduled() bool { return e.bucket.Load() != nil }

func (e *Entry) Cancelled() bool { return e.cancelled.Load() }

// Cancel marks the entry cancelled and unlinks it from its bucket.
// It returns true only for the call that removed it from a bucket; an entry
// caught mid-cascade is still dropped by the wheel because of the mark.
func (e *Entry) Cancel() bool {
	e.cancelled.Store(true)
	// The entry can migrate between buckets while we chase it.
	for b := e.bucket.Load(); b != nil; b = e.bucket.Load() {
		if b.Remove(e) {
			return true
		}
	}
	return false
}
