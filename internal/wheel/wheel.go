package wheel

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cronwheel/internal/metrics"
	"cronwheel/internal/runtime/supervisor"
	logx "cronwheel/pkg/logx"
)

var ErrInvalidConfig = errors.New("wheel: invalid config")

// FireFunc receives entries whose deadline arrived. It runs on the driver
// goroutine (or the caller of Add) and must only hand the task off.
type FireFunc func(e *Entry)

type Config struct {
	Tick         time.Duration
	WheelSize    int
	MaxTiers     int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick == 0 {
		c.Tick = time.Second
	}
	if c.WheelSize == 0 {
		c.WheelSize = 20
	}
	if c.MaxTiers <= 0 {
		c.MaxTiers = 12
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Tick < time.Millisecond {
		return fmt.Errorf("%w: tick %s is below 1ms", ErrInvalidConfig, c.Tick)
	}
	if c.WheelSize < 2 {
		return fmt.Errorf("%w: wheel_size must be >= 2, got %d", ErrInvalidConfig, c.WheelSize)
	}
	return nil
}

type Option func(*Wheel)

func WithClock(c Clock) Option {
	return func(w *Wheel) {
		if c != nil {
			w.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(w *Wheel) { w.log = log } }

func WithMetrics(r *metrics.Recorder) Option { return func(w *Wheel) { w.rec = r } }

// Wheel owns every tier, the delay queue and the driver loop.
type Wheel struct {
	cfg      Config
	tickMs   int64
	size     int64
	maxTiers int

	fire  FireFunc
	clock Clock
	log   logx.Logger
	rec   *metrics.Recorder

	// read: placing entries; write: expiring buckets
	mu sync.RWMutex

	tierMu sync.Mutex
	tiers  atomic.Pointer[[]*level]

	queue *DelayQueue

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, fire FireFunc, opts ...Option) (*Wheel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fire == nil {
		return nil, fmt.Errorf("%w: nil fire func", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	w := &Wheel{
		cfg:    cfg,
		tickMs: cfg.Tick.Milliseconds(),
		size:   int64(cfg.WheelSize),
		fire:   fire,
		clock:  systemClock{},
		queue:  NewDelayQueue(),
	}
	for _, o := range opts {
		o(w)
	}
	w.maxTiers = tierLimit(w.tickMs, w.size, cfg.MaxTiers)

	first := []*level{newLevel(0, w.tickMs, w.size, timeToMs(w.clock.Now()), w.maxTiers == 1)}
	w.tiers.Store(&first)
	return w, nil
}

// tierLimit caps the tier count so no tier interval overflows int64.
func tierLimit(tickMs, size int64, want int) int {
	n := 1
	interval := tickMs * size
	for n < want && interval <= math.MaxInt64/size {
		interval *= size
		n++
	}
	return n
}

func (w *Wheel) Now() time.Time { return w.clock.Now() }
func (w *Wheel) nowMs() int64   { return timeToMs(w.clock.Now()) }
func (w *Wheel) Config() Config { return w.cfg }

// Schedule wraps task in a new Entry due at deadline and adds it.
func (w *Wheel) Schedule(deadline time.Time, task any) *Entry {
	e := NewEntry(deadline, task)
	w.Add(e)
	return e
}

// Add places e, or fires it right away when its deadline falls in the
// current tick. Adding an entry that is already scheduled is a no-op.
func (w *Wheel) Add(e *Entry) {
	if e == nil || e.Scheduled() {
		return
	}
	w.mu.RLock()
	p := w.place(e)
	w.mu.RUnlock()

	if p == due {
		w.fireEntry(e)
	}
}

// AddNext is Add for callers running inside a fire callback: an entry due in
// the current tick waits for the next tick instead of firing inline, so
// occurrences finer than the tick fire once per tick and in deadline order.
func (w *Wheel) AddNext(e *Entry) {
	if e == nil || e.Scheduled() {
		return
	}
	w.mu.RLock()
	if w.place(e) == due {
		(*w.tiers.Load())[0].addNextTick(e, w.queue.Offer)
		w.rec.EntryScheduled(0)
	}
	w.mu.RUnlock()
}

// Cancel removes e before it fires. Safe to call repeatedly.
func (w *Wheel) Cancel(e *Entry) bool {
	if e == nil {
		return false
	}
	if e.Cancel() {
		w.rec.EntryCancelled()
		return true
	}
	return false
}

// place walks the tiers from finest to coarsest. Callers hold w.mu.
func (w *Wheel) place(e *Entry) placement {
	if e.Cancelled() {
		w.rec.EntryCancelled()
		return dropped
	}
	for tier := 0; ; tier++ {
		switch w.ensureTier(tier).add(e, w.queue.Offer) {
		case placed:
			w.rec.EntryScheduled(tier)
			return placed
		case due:
			return due
		}
	}
}

// ensureTier returns tier n, creating the tiers up to it on first use.
func (w *Wheel) ensureTier(n int) *level {
	if ts := *w.tiers.Load(); n < len(ts) {
		return ts[n]
	}

	w.tierMu.Lock()
	defer w.tierMu.Unlock()

	ts := *w.tiers.Load()
	if n < len(ts) {
		return ts[n]
	}
	grown := append(make([]*level, 0, n+1), ts...)
	for i := len(ts); i <= n; i++ {
		prev := grown[i-1]
		grown = append(grown, newLevel(i, prev.interval, w.size, prev.currentTime.Load(), i == w.maxTiers-1))
	}
	w.tiers.Store(&grown)
	return grown[n]
}

// advanceClock moves tier 0 to ms and carries the change upward.
// Callers hold the write lock.
func (w *Wheel) advanceClock(ms int64) {
	for _, l := range *w.tiers.Load() {
		if !l.advanceClock(ms) {
			return
		}
	}
}

// Advance expires every bucket due at now and fires what became due.
// It returns the number of fired entries.
func (w *Wheel) Advance(now time.Time) int {
	ms := timeToMs(now)
	return w.expire(w.queue.PollExpired(ms), ms)
}

func (w *Wheel) expire(b *Bucket, nowMs int64) int {
	if b == nil {
		return 0
	}

	var fired []*Entry
	w.mu.Lock()
	for ; b != nil; b = w.queue.PollExpired(nowMs) {
		w.rec.BucketExpired()
		w.advanceClock(b.Expiration())
		b.Flush(func(e *Entry) {
			switch w.place(e) {
			case due:
				fired = append(fired, e)
			case placed:
				w.rec.EntryCascaded()
			}
		})
	}
	w.mu.Unlock()

	for _, e := range fired {
		w.fireEntry(e)
	}
	return len(fired)
}

// advanceIdle keeps the clock fresh while nothing expires. Skipped when a
// queued bucket is already due, since moving past it would alias its slot.
func (w *Wheel) advanceIdle(nowMs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if exp, ok := w.queue.Peek(); ok && exp <= nowMs {
		return
	}
	w.advanceClock(nowMs)
}

func (w *Wheel) fireEntry(e *Entry) {
	if e.Cancelled() {
		w.rec.EntryCancelled()
		return
	}
	w.rec.EntryFired()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("wheel fire callback panicked",
				logx.Int64("deadline_ms", e.deadline),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	w.fire(e)
}

// Len counts entries currently held in buckets.
func (w *Wheel) Len() int {
	n := 0
	for _, l := range *w.tiers.Load() {
		n += l.pending()
	}
	return n
}

func (w *Wheel) Tiers() int { return len(*w.tiers.Load()) }

type TierSnapshot struct {
	Tier        int           `json:"tier"`
	Tick        time.Duration `json:"tick"`
	Span        time.Duration `json:"span"`
	CurrentTime time.Time     `json:"current_time"`
	Pending     int           `json:"pending"`
}

type Snapshot struct {
	Now           time.Time      `json:"now"`
	Pending       int            `json:"pending"`
	QueuedBuckets int            `json:"queued_buckets"`
	MaxTiers      int            `json:"max_tiers"`
	Tiers         []TierSnapshot `json:"tiers"`
}

func (w *Wheel) Snapshot() Snapshot {
	snap := Snapshot{
		Now:           w.Now(),
		QueuedBuckets: w.queue.Len(),
		MaxTiers:      w.maxTiers,
	}
	for _, l := range *w.tiers.Load() {
		ts := TierSnapshot{
			Tier:        l.tier,
			Tick:        time.Duration(l.tickMs) * time.Millisecond,
			CurrentTime: msToTime(l.currentTime.Load()),
			Pending:     l.pending(),
		}
		// spans of the coarsest tiers do not fit a Duration
		if l.interval <= math.MaxInt64/int64(time.Millisecond) {
			ts.Span = time.Duration(l.interval) * time.Millisecond
		}
		snap.Pending += ts.Pending
		snap.Tiers = append(snap.Tiers, ts)
	}
	return snap
}
