package scheduler

import (
	"fmt"
	"time"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/listener"
	"cronwheel/internal/task/engine"
	"cronwheel/internal/wheel"
	logx "cronwheel/pkg/logx"
)

// arm puts the occurrence at next on the wheel unless sc was cancelled.
// An occurrence inside the current tick waits for the next one.
func (s *Service) arm(sc *schedule, next time.Time) {
	e := wheel.NewEntry(next, sc)
	sc.mu.Lock()
	if sc.cancelled {
		sc.mu.Unlock()
		return
	}
	sc.entry = e
	sc.next = next
	sc.mu.Unlock()
	s.w.AddNext(e)
}

func (s *Service) disarm(sc *schedule) {
	sc.mu.Lock()
	sc.cancelled = true
	e := sc.entry
	sc.entry = nil
	sc.next = time.Time{}
	sc.mu.Unlock()
	if e != nil {
		s.w.Cancel(e)
	}
}

// onFire runs on the wheel driver. The occurrence is handed off before the
// next one is armed; enqueueing never blocks and its outcome does not affect
// re-arming.
func (s *Service) onFire(e *wheel.Entry) {
	sc, ok := e.Task().(*schedule)
	if !ok {
		return
	}
	deadline := e.Deadline()

	sc.mu.Lock()
	if sc.cancelled || sc.entry != e {
		sc.mu.Unlock()
		return
	}
	sc.entry = nil
	sc.prev = deadline
	sc.fires++
	sc.mu.Unlock()

	s.dispatch(sc, deadline)
	s.rearm(sc, s.w.Now(), deadline)
}

// rearm computes the occurrence after max(now, deadline) and arms it.
// The wheel fires up to one tick early, so evaluating from now alone could
// return the occurrence that is firing right now.
func (s *Service) rearm(sc *schedule, now, deadline time.Time) {
	ref := now
	if deadline.After(ref) {
		ref = deadline
	}

	s.mu.Lock()
	eval := s.eval
	current := s.schedules[sc.id] == sc
	s.mu.Unlock()
	if !current {
		return
	}

	// a timezone re-arm replaces whatever is pending
	sc.mu.Lock()
	old := sc.entry
	sc.entry = nil
	sc.mu.Unlock()
	if old != nil {
		s.w.Cancel(old)
	}

	next, err := eval.NextFireTime(sc.expr, ref)
	switch {
	case err != nil:
		s.drop(sc, deadline, fmt.Errorf("%w: %s: %v", ErrEvaluation, sc.expr, err))
	case next.IsZero():
		s.exhaust(sc)
	case !next.After(ref):
		s.drop(sc, deadline, fmt.Errorf("%w: %s: next fire time %s is not after %s",
			ErrEvaluation, sc.expr, next.Format(time.RFC3339Nano), ref.Format(time.RFC3339Nano)))
	default:
		s.arm(sc, next)
	}
}

// exhaust removes a schedule whose expression has no further fire times.
func (s *Service) exhaust(sc *schedule) {
	if !s.unregister(sc) {
		return
	}
	s.log.Debug("schedule exhausted", logx.String("name", sc.name), logx.String("id", string(sc.id)), logx.String("expr", sc.expr))
	s.publish(eventbus.ScheduleExhausted, sc, nil)
}

// drop removes a schedule whose next fire time could not be computed. It is
// not retried; the failure goes to the task listeners.
func (s *Service) drop(sc *schedule, deadline time.Time, err error) {
	if !s.unregister(sc) {
		return
	}
	s.log.Warn("schedule dropped", logx.String("name", sc.name), logx.String("id", string(sc.id)), logx.Err(err))
	s.publish(eventbus.ScheduleDropped, sc, err)
	s.notify.NotifyTaskFailed(listener.TaskInfo{
		Task:       sc.name,
		ScheduleID: string(sc.id),
		Deadline:   deadline,
	}, err)
}

func (s *Service) unregister(sc *schedule) bool {
	s.mu.Lock()
	removed := s.detachLocked(sc.id) != nil
	s.mu.Unlock()
	if removed {
		s.disarm(sc)
	}
	return removed
}

// ScheduleEvent is the Data of schedule.* events.
type ScheduleEvent struct {
	ID   Handle
	Name string
	Expr string
	Err  error
}

func (s *Service) publish(typ string, sc *schedule, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.w.Now(), Data: ScheduleEvent{ID: sc.id, Name: sc.name, Expr: sc.expr, Err: err}})
}

// dispatch hands the fired occurrence to the engine without blocking.
func (s *Service) dispatch(sc *schedule, deadline time.Time) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:       sc.name,
		ScheduleID: string(sc.id),
		Deadline:   deadline,
		Timeout:    sc.task.Timeout,
		Run:        sc.task.Run,
		Opt:        sc.task.Opt,
		State:      sc.state,
	})
	if err != nil {
		s.reportEnqueueError(sc, err)
	}
}
