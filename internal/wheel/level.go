package wheel

import "sync/atomic"

type placement int

const (
	placed placement = iota
	due
	overflow
	dropped
)

// level is one tier of the wheel.
type level struct {
	tier      int
	tickMs    int64
	wheelSize int64
	interval  int64
	// top tiers keep far deadlines in their last slot instead of overflowing
	top bool

	currentTime atomic.Int64 // multiple of tickMs
	buckets     []*Bucket
}

func newLevel(tier int, tickMs, wheelSize, startMs int64, top bool) *level {
	l := &level{
		tier:      tier,
		tickMs:    tickMs,
		wheelSize: wheelSize,
		interval:  tickMs * wheelSize,
		top:       top,
		buckets:   make([]*Bucket, wheelSize),
	}
	for i := range l.buckets {
		l.buckets[i] = newBucket()
	}
	l.currentTime.Store(truncate(startMs, tickMs))
	return l
}

// add places e in this tier. offer receives buckets whose expiration changed.
func (l *level) add(e *Entry, offer func(*Bucket)) placement {
	cur := l.currentTime.Load()
	d := e.deadline

	switch {
	case d-cur < l.tickMs:
		return due
	case d-cur >= l.interval:
		if !l.top {
			return overflow
		}
		// Park in the farthest slot; the entry cascades again when it expires.
		d = cur + l.interval - l.tickMs
	}

	l.insert(e, d, offer)
	return placed
}

// addNextTick places e in the bucket of the tick after the current one.
// Used for entries that are already due but must not fire on this path.
func (l *level) addNextTick(e *Entry, offer func(*Bucket)) {
	l.insert(e, l.currentTime.Load()+l.tickMs, offer)
}

// insert links e into the bucket covering slot.
func (l *level) insert(e *Entry, slot int64, offer func(*Bucket)) {
	b := l.buckets[(slot/l.tickMs)%l.wheelSize]
	if b.SetExpiration(truncate(slot, l.tickMs)) {
		offer(b)
	}
	b.Add(e)
}

// advanceClock moves currentTime to the tick containing ms. It reports
// whether the tier moved so the caller can propagate upward.
func (l *level) advanceClock(ms int64) bool {
	cur := l.currentTime.Load()
	if ms < cur+l.tickMs {
		return false
	}
	l.currentTime.Store(truncate(ms, l.tickMs))
	return true
}

func (l *level) pending() int {
	n := 0
	for _, b := range l.buckets {
		n += b.Len()
	}
	return n
}
