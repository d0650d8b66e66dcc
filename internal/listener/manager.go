package listener

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "cronwheel/pkg/logx"
)

// Manager holds the registered listeners. Notifications iterate over a
// snapshot, so listeners may register or remove listeners from inside a
// callback.
type Manager struct {
	log logx.Logger

	mu        sync.Mutex
	seq       uint64
	listeners []registered

	// failures with nobody listening are logged, but not unboundedly
	orphanLimit      *rate.Limiter
	orphanSuppressed atomic.Uint64
}

type registered struct {
	id uint64
	l  Listener
}

func NewManager(log logx.Logger) *Manager {
	return &Manager{
		log:         log,
		orphanLimit: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Add registers l and returns a func that removes it. Removing twice is harmless.
func (m *Manager) Add(l Listener) (remove func()) {
	if l == nil {
		return func() {}
	}
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.listeners = append(m.listeners, registered{id: id, l: l})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, r := range m.listeners {
			if r.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *Manager) snapshot() []registered {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registered(nil), m.listeners...)
}

func (m *Manager) NotifyTaskStart(info TaskInfo) {
	for _, r := range m.snapshot() {
		m.call(info, func() { r.l.OnTaskStart(info) })
	}
}

func (m *Manager) NotifyTaskSucceeded(info TaskInfo) {
	for _, r := range m.snapshot() {
		m.call(info, func() { r.l.OnTaskSucceeded(info) })
	}
}

// NotifyTaskFailed delivers err to every listener. With no listener
// registered the failure is logged at error level instead.
func (m *Manager) NotifyTaskFailed(info TaskInfo, err error) {
	ls := m.snapshot()
	if len(ls) == 0 {
		m.logOrphanFailure(info, err)
		return
	}
	for _, r := range ls {
		m.call(info, func() { r.l.OnTaskFailed(info, err) })
	}
}

func (m *Manager) NotifyTaskSkipped(info TaskInfo, reason error) {
	for _, r := range m.snapshot() {
		if sl, ok := r.l.(SkipListener); ok {
			m.call(info, func() { sl.OnTaskSkipped(info, reason) })
		}
	}
}

func (m *Manager) logOrphanFailure(info TaskInfo, err error) {
	if !m.orphanLimit.Allow() {
		m.orphanSuppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("task", info.Task),
		logx.String("schedule_id", info.ScheduleID),
		logx.Err(err),
	}
	if n := m.orphanSuppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	m.log.Error("task failed", fields...)
}

// call shields the notifier from a panicking listener.
func (m *Manager) call(info TaskInfo, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked",
				logx.String("task", info.Task),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn()
}
