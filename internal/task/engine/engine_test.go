package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronwheel/internal/listener"
	logx "cronwheel/pkg/logx"
)

type outcomes struct {
	mu        sync.Mutex
	started   []listener.TaskInfo
	succeeded []listener.TaskInfo
	failed    []error
	failedAt  []listener.TaskInfo
	skipped   []error
}

func (o *outcomes) listener() listener.Funcs {
	return listener.Funcs{
		Start: func(i listener.TaskInfo) {
			o.mu.Lock()
			o.started = append(o.started, i)
			o.mu.Unlock()
		},
		Succeeded: func(i listener.TaskInfo) {
			o.mu.Lock()
			o.succeeded = append(o.succeeded, i)
			o.mu.Unlock()
		},
		Failed: func(i listener.TaskInfo, err error) {
			o.mu.Lock()
			o.failed = append(o.failed, err)
			o.failedAt = append(o.failedAt, i)
			o.mu.Unlock()
		},
		Skipped: func(i listener.TaskInfo, err error) {
			o.mu.Lock()
			o.skipped = append(o.skipped, err)
			o.mu.Unlock()
		},
	}
}

func (o *outcomes) counts() (started, ok, failed, skipped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started), len(o.succeeded), len(o.failed), len(o.skipped)
}

func newEngine(t *testing.T, cfg Config) (*Service, *outcomes) {
	t.Helper()
	cfg.Enabled = true
	m := listener.NewManager(logx.Nop())
	o := &outcomes{}
	m.Add(o.listener())
	s := New(cfg, logx.Nop(), m)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, o
}

func TestEngineRunsTask(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 2})
	deadline := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.Enqueue(Task{
		Name:       "hello",
		ScheduleID: "sched-1",
		Deadline:   deadline,
		Run:        func(context.Context) error { return nil },
	}))

	require.Eventually(t, func() bool {
		_, ok, _, _ := o.counts()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)

	o.mu.Lock()
	info := o.succeeded[0]
	o.mu.Unlock()
	assert.Equal(t, "hello", info.Task)
	assert.Equal(t, "sched-1", info.ScheduleID)
	assert.Equal(t, deadline, info.Deadline)
	assert.NotEmpty(t, info.RunID)
	assert.Equal(t, 1, info.Attempt)

	snap := s.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Empty(t, snap.History[0].Error)
}

func TestEngineRetriesThenFails(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 1, CircuitTripFailures: -1})
	var calls atomic.Int32

	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("nope")
		},
	}))

	require.Eventually(t, func() bool {
		_, _, failed, _ := o.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.EqualError(t, o.failed[0], "nope")
	assert.Equal(t, 3, o.failedAt[0].Attempt)
}

func TestEngineNoRetry(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	permanent := errors.New("bad command")

	require.NoError(t, s.Enqueue(Task{
		Name: "once",
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(permanent)
		},
	}))

	require.Eventually(t, func() bool {
		_, _, failed, _ := o.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	o.mu.Lock()
	assert.ErrorIs(t, o.failed[0], permanent)
	o.mu.Unlock()
}

func TestEnginePanicBecomesFailure(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bug") }}))

	require.Eventually(t, func() bool {
		_, _, failed, _ := o.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the worker survived
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }}))
	require.Eventually(t, func() bool {
		_, ok, _, _ := o.counts()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineOverlapSkip(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	task := Task{
		Name: "slow",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}

	require.NoError(t, s.Enqueue(task))
	<-started
	assert.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)
	close(release)

	require.Eventually(t, func() bool {
		_, ok, _, skipped := o.counts()
		return ok == 1 && skipped == 1
	}, 2*time.Second, 5*time.Millisecond)

	// gate released after the run
	require.Eventually(t, func() bool { return s.Enqueue(Task{Name: "slow", Opt: task.Opt, Run: func(context.Context) error { return nil }}) == nil }, time.Second, 5*time.Millisecond)
}

func TestEngineQueueFull(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	require.NoError(t, s.Enqueue(Task{Name: "a", Run: block}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: block}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: block}), ErrQueueFull)
	close(release)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.DroppedQueueFull)
	_, _, _, skipped := o.counts()
	assert.Equal(t, 1, skipped)
}

func TestEngineCircuitOpens(t *testing.T) {
	s, o := newEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitOpenFor: time.Hour})
	var calls atomic.Int32
	fail := Task{Name: "down", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("unreachable")
	}}

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Enqueue(fail))
		require.Eventually(t, func() bool {
			_, _, failed, _ := o.counts()
			return failed == i
		}, 2*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, s.Enqueue(fail))
	require.Eventually(t, func() bool {
		_, _, _, skipped := o.counts()
		return skipped == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	o.mu.Lock()
	assert.ErrorIs(t, o.skipped[0], ErrCircuitOpen)
	o.mu.Unlock()

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CircuitTotal)
	assert.Equal(t, 1, snap.CircuitOpen)
}

func TestEngineNotRunning(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
	assert.Error(t, s.Enqueue(Task{Run: func(context.Context) error { return nil }}))
}

func TestBackoffDelay(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(opt, 1, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(opt, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(opt, 10, nil))

	hinted := RetryAfter(errors.New("429"), 5*time.Second)
	assert.Equal(t, time.Second, backoffDelayWithHint(opt, 1, hinted, nil))
}
