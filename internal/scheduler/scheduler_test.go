package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/listener"
	"cronwheel/internal/pattern"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/wheel"
	logx "cronwheel/pkg/logx"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return f.err
}

func (f *fakeEngine) enqueued() []engine.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Task(nil), f.tasks...)
}

type failures struct {
	mu   sync.Mutex
	errs []error
	info []listener.TaskInfo
}

func (f *failures) listener() listener.Listener {
	return listener.Funcs{Failed: func(i listener.TaskInfo, err error) {
		f.mu.Lock()
		f.errs = append(f.errs, err)
		f.info = append(f.info, i)
		f.mu.Unlock()
	}}
}

func (f *failures) list() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

type harness struct {
	s     *Service
	clock *wheel.ManualClock
	eng   *fakeEngine
	fails *failures
	bus   eventbus.Bus
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: wheel.NewManualClock(t0), eng: &fakeEngine{}, fails: &failures{}, bus: eventbus.New()}
	m := listener.NewManager(logx.Nop())
	m.Add(h.fails.listener())
	opts = append([]Option{WithClock(h.clock), WithBus(h.bus)}, opts...)
	s, err := New(cfg, h.eng, m, logx.Nop(), opts...)
	require.NoError(t, err)
	h.s = s
	return h
}

// step moves the manual clock forward and drives the wheel.
func (h *harness) step(d time.Duration) int {
	return h.s.w.Advance(h.clock.Add(d))
}

func noop(context.Context) error { return nil }

// sequence returns the given times in order, then "no next time".
func sequence(times ...time.Time) pattern.Evaluator {
	var i atomic.Int32
	return pattern.EvaluatorFunc(func(string, time.Time) (time.Time, error) {
		n := int(i.Add(1)) - 1
		if n >= len(times) {
			return time.Time{}, nil
		}
		return times[n], nil
	})
}

func TestTwoFiresThenRemoval(t *testing.T) {
	h := newHarness(t, Config{Enabled: true}, WithEvaluator(sequence(t0.Add(time.Second), t0.Add(2*time.Second))))
	exhausted, unsub := h.bus.Subscribe(4, eventbus.ScheduleExhausted)
	defer unsub()

	id, err := h.s.Schedule("@custom", Task{Name: "twice", Run: noop})
	require.NoError(t, err)
	require.Len(t, h.s.Snapshot().Schedules, 1)

	assert.Equal(t, 1, h.step(time.Second))
	assert.Equal(t, 1, h.step(time.Second))

	tasks := h.eng.enqueued()
	require.Len(t, tasks, 2)
	assert.WithinDuration(t, t0.Add(time.Second), tasks[0].Deadline, 0)
	assert.WithinDuration(t, t0.Add(2*time.Second), tasks[1].Deadline, 0)
	assert.Equal(t, string(id), tasks[0].ScheduleID)

	// exhausted: gone for good, nothing left on the wheel
	assert.Empty(t, h.s.Snapshot().Schedules)
	assert.Equal(t, 0, h.s.w.Len())
	for i := 0; i < 30; i++ {
		assert.Equal(t, 0, h.step(time.Second))
	}
	assert.Len(t, h.eng.enqueued(), 2)
	assert.False(t, h.s.Cancel(id))
	assert.Empty(t, h.fails.list(), "exhaustion is not a failure")

	select {
	case ev := <-exhausted:
		assert.Equal(t, "twice", ev.Data.(ScheduleEvent).Name)
	default:
		t.Fatal("schedule.exhausted not published")
	}
}

func TestIntervalFiresEverySecond(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	_, err := h.s.AddInterval("tick", time.Second, 0, noop)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.step(time.Second), "step %d", i)
	}
	tasks := h.eng.enqueued()
	require.Len(t, tasks, 5)
	for i := 1; i < len(tasks); i++ {
		assert.Equal(t, time.Second, tasks[i].Deadline.Sub(tasks[i-1].Deadline))
	}
	info := h.s.Snapshot().Schedules[0]
	assert.Equal(t, uint64(5), info.Fires)
	assert.WithinDuration(t, t0.Add(6*time.Second), info.Next, 0)
}

func TestCoarseTickFiresOncePerTickInOrder(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, Tick: time.Minute})
	_, err := h.s.AddInterval("fast", time.Second, 0, noop)
	require.NoError(t, err)
	assert.Empty(t, h.eng.enqueued(), "nothing runs at registration")

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, h.step(time.Minute), "tick %d", i)
	}
	tasks := h.eng.enqueued()
	require.Len(t, tasks, 3)
	assert.WithinDuration(t, t0.Add(time.Second), tasks[0].Deadline, 0)
	for i := 1; i < len(tasks); i++ {
		assert.True(t, tasks[i].Deadline.After(tasks[i-1].Deadline), "deadline %d out of order", i)
	}
	assert.Equal(t, 1, h.s.w.Len())
}

func TestStopStartFiresMissedOccurrenceOnce(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.s.Start(ctx)
	_, err := h.s.AddInterval("resume", 5*time.Second, 0, noop)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	h.s.Stop(context.Background())
	require.False(t, h.s.Running())

	// the occurrence comes due while the driver is stopped
	h.clock.Add(7 * time.Second)
	h.s.Start(ctx)
	defer h.s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(h.eng.enqueued()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	tasks := h.eng.enqueued()
	require.Len(t, tasks, 1)
	assert.WithinDuration(t, t0.Add(5*time.Second), tasks[0].Deadline, 0)
	assert.WithinDuration(t, t0.Add(12*time.Second), h.s.Snapshot().Schedules[0].Next, 0)
}

func TestCronFiresAfterLongGap(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, Timezone: "UTC"})
	_, err := h.s.AddCron("quarter", "*/15 * * * *", time.Minute, noop)
	require.NoError(t, err)
	assert.WithinDuration(t, t0.Add(15*time.Minute), h.s.Snapshot().Schedules[0].Next, 0)

	fired := 0
	for i := 0; i < 60*60; i++ {
		fired += h.step(time.Second)
	}
	assert.Equal(t, 4, fired)
	for _, task := range h.eng.enqueued() {
		assert.Zero(t, task.Deadline.Minute()%15)
		assert.Equal(t, time.Minute, task.Timeout)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	id, err := h.s.AddInterval("gone", 3*time.Second, 0, noop)
	require.NoError(t, err)

	assert.True(t, h.s.Cancel(id))
	assert.False(t, h.s.Cancel(id))
	assert.False(t, h.s.Remove("gone"))

	for i := 0; i < 10; i++ {
		h.step(time.Second)
	}
	assert.Empty(t, h.eng.enqueued())
	assert.Equal(t, 0, h.s.w.Len())
}

func TestCancelAfterFire(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	id, err := h.s.AddInterval("self", time.Second, 0, noop)
	require.NoError(t, err)

	assert.Equal(t, 1, h.step(time.Second))
	require.True(t, h.s.Cancel(id))
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, h.step(time.Second))
	}
	assert.Len(t, h.eng.enqueued(), 1)
}

func TestUpsertByName(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	first, err := h.s.AddInterval("job", 2*time.Second, 0, noop)
	require.NoError(t, err)
	second, err := h.s.AddInterval("job", 5*time.Second, 0, noop)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.False(t, h.s.Cancel(first), "replaced registration is gone")
	got, ok := h.s.Lookup("job")
	require.True(t, ok)
	assert.Equal(t, second, got)

	for i := 0; i < 5; i++ {
		h.step(time.Second)
	}
	assert.Len(t, h.eng.enqueued(), 1)
}

func TestRegistrationErrors(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, Timezone: "UTC"})

	_, err := h.s.Schedule("", Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = h.s.Schedule("not a cron", Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = h.s.Schedule("* * * * *", Task{Run: noop})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = h.s.Schedule("* * * * *", Task{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = h.s.AddOnce("past", t0.Add(-time.Minute), 0, noop)
	assert.ErrorIs(t, err, ErrNoNextTime)

	_, err = h.s.AddDaily("bad", "25:00", 0, noop)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	assert.Empty(t, h.s.Snapshot().Schedules)
	assert.Equal(t, 0, h.s.w.Len())
}

func TestRegistrationRejectsEvaluatorFailures(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, Config{}, WithEvaluator(pattern.EvaluatorFunc(func(string, time.Time) (time.Time, error) {
		return time.Time{}, boom
	})))
	_, err := h.s.Schedule("@x", Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	h = newHarness(t, Config{}, WithEvaluator(pattern.EvaluatorFunc(func(_ string, after time.Time) (time.Time, error) {
		return after, nil
	})))
	_, err = h.s.Schedule("@x", Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	h = newHarness(t, Config{}, WithEvaluator(sequence()))
	_, err = h.s.Schedule("@x", Task{Name: "x", Run: noop})
	assert.ErrorIs(t, err, ErrNoNextTime)
}

func TestOnceFiresOnceAndRemovesItself(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	_, err := h.s.AddOnce("later", t0.Add(3*time.Second), 0, noop)
	require.NoError(t, err)

	fired := 0
	for i := 0; i < 10; i++ {
		fired += h.step(time.Second)
	}
	assert.Equal(t, 1, fired)
	assert.Empty(t, h.s.Snapshot().Schedules)
	assert.Equal(t, OverlapAllow, h.eng.enqueued()[0].Opt.Overlap)
}

func TestEvaluationErrorDropsSchedule(t *testing.T) {
	var calls atomic.Int32
	eval := pattern.EvaluatorFunc(func(string, time.Time) (time.Time, error) {
		if calls.Add(1) == 1 {
			return t0.Add(time.Second), nil
		}
		return time.Time{}, errors.New("calendar went away")
	})
	h := newHarness(t, Config{Enabled: true}, WithEvaluator(eval))
	dropped, unsub := h.bus.Subscribe(4, eventbus.ScheduleDropped)
	defer unsub()

	id, err := h.s.Schedule("@flaky", Task{Name: "flaky", Run: noop})
	require.NoError(t, err)

	assert.Equal(t, 1, h.step(time.Second))
	// the occurrence that fired still runs
	assert.Len(t, h.eng.enqueued(), 1)

	errs := h.fails.list()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrEvaluation)
	h.fails.mu.Lock()
	assert.Equal(t, string(id), h.fails.info[0].ScheduleID)
	h.fails.mu.Unlock()
	assert.Empty(t, h.s.Snapshot().Schedules)
	assert.Equal(t, 0, h.step(time.Minute))
	assert.Equal(t, int32(2), calls.Load(), "never retried")

	select {
	case ev := <-dropped:
		assert.ErrorIs(t, ev.Data.(ScheduleEvent).Err, ErrEvaluation)
	default:
		t.Fatal("schedule.dropped not published")
	}
}

func TestNextNotAfterReferenceDropsSchedule(t *testing.T) {
	h := newHarness(t, Config{Enabled: true}, WithEvaluator(sequence(t0.Add(time.Second), t0.Add(time.Second))))
	_, err := h.s.Schedule("@stuck", Task{Name: "stuck", Run: noop})
	require.NoError(t, err)

	assert.Equal(t, 1, h.step(time.Second))
	errs := h.fails.list()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrEvaluation)
	assert.Empty(t, h.s.Snapshot().Schedules)
}

func TestEnqueueErrorsDoNotStopSchedule(t *testing.T) {
	h := newHarness(t, Config{Enabled: true})
	h.eng.err = engine.ErrQueueFull
	_, err := h.s.AddInterval("busy", time.Second, 0, noop)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, h.step(time.Second))
	}
	assert.Len(t, h.eng.enqueued(), 3)
	assert.Len(t, h.s.Snapshot().Schedules, 1)
	assert.Empty(t, h.fails.list())
}

func TestStartupSpreadDelaysFirstIntervalRun(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, StartupSpread: true})
	_, err := h.s.AddInterval("spread", 10*time.Second, 0, noop)
	require.NoError(t, err)

	info := h.s.Snapshot().Schedules[0]
	assert.GreaterOrEqual(t, info.StartupSpread, time.Duration(0))
	assert.Less(t, info.StartupSpread, 10*time.Second)
	assert.WithinDuration(t, t0.Add(10*time.Second+info.StartupSpread), info.Next, 0)
}

func TestAddWeekly(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, Timezone: "UTC"})
	// t0 is a Thursday
	id, err := h.s.AddWeekly("standup", time.Monday, "09:30", time.Minute, noop)
	require.NoError(t, err)

	info := h.s.Snapshot().Schedules[0]
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "30 9 * * 1", info.Expr)
	assert.WithinDuration(t, time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC), info.Next, 0)

	_, err = h.s.AddWeekly("late", time.Friday, "9:75", 0, noop)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Len(t, h.s.Snapshot().Schedules, 1)
}

func TestApplyTimezoneRearms(t *testing.T) {
	h := newHarness(t, Config{Enabled: true, Timezone: "UTC"})
	_, err := h.s.AddDaily("morning", "09:00", 0, noop)
	require.NoError(t, err)
	assert.WithinDuration(t, t0.Add(9*time.Hour), h.s.Snapshot().Schedules[0].Next, 0)

	// 09:00 in Jakarta (UTC+7) is 02:00 UTC
	h.s.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
	snap := h.s.Snapshot()
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
	assert.True(t, snap.Schedules[0].Next.Equal(t0.Add(2*time.Hour)), "next = %s", snap.Schedules[0].Next)
	assert.Equal(t, 1, h.s.w.Len(), "old entry replaced, not duplicated")
}

func TestSchedulerWithEngineEndToEnd(t *testing.T) {
	m := listener.NewManager(logx.Nop())
	var ran atomic.Int32
	m.Add(listener.Funcs{Succeeded: func(listener.TaskInfo) { ran.Add(1) }})

	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), m)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s, err := New(Config{Enabled: true, PollInterval: 20 * time.Millisecond}, eng, m, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())
	require.True(t, s.Running())

	_, err = s.AddInterval("heartbeat", time.Second, 0, func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ran.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	require.NotNil(t, snap.Engine)
	assert.NotEmpty(t, snap.Engine.History)
}
