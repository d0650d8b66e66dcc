package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"cronwheel/internal/metrics"
	logx "cronwheel/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if qt.enqueuedAt.IsZero() || queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt, queueDelay)
		return
	}

	info := qt.info()
	info.StartedAt = start

	var done func(success bool)
	if cb := s.circuits.get(qt.task.Name, cfg, qt.opt); cb != nil {
		d, err := cb.Allow()
		if err != nil {
			s.log.Debug("task skipped: circuit open", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err))
			s.metrics.TaskDropped(qt.task.Name, "circuit_open")
			s.notify.NotifyTaskSkipped(info, fmt.Errorf("%w: %v", ErrCircuitOpen, err))
			s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, ScheduleID: qt.task.ScheduleID, Started: start, QueueDelay: queueDelay, Error: "circuit_open"})
			return
		}
		done = d
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	info.Attempt = 1
	s.notify.NotifyTaskStart(info)

	attempts, err := s.runAttempts(ctx, stopCh, qt, rng)

	dur := time.Since(start)
	if done != nil {
		done(err == nil)
	}

	info.Attempt = attempts
	info.Duration = dur
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, ScheduleID: qt.task.ScheduleID, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.metrics.TaskFinished(qt.task.Name, metrics.OutcomeFailure, dur)
		s.notify.NotifyTaskFailed(info, err)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.metrics.TaskFinished(qt.task.Name, metrics.OutcomeSuccess, dur)
		s.notify.NotifyTaskSucceeded(info)
	}
	s.record(item)
}

// runAttempts runs the task until it succeeds, fails permanently or runs out
// of retries. It returns the last error and the number of attempts made.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		cancel := context.CancelFunc(func() {})
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		}
		err = s.runGuarded(runCtx, qt.task)
		cancel()
		if err == nil {
			return attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
	return attempts, err
}

// runGuarded turns a task panic into an error so one bad task cannot kill a worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := min(max(ra.RetryAfter(), 0), maxD)
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return min(jitter(d, opt.RetryJitter, rng), maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
