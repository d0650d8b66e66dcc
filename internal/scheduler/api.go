package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronwheel/internal/pattern"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

// Schedule registers t under expr and arms its first occurrence.
//
// expr is anything pattern.Normalize accepts: cron ("*/5 * * * *", "@daily"),
// intervals ("55m", "02:30", "@every 1h") or one-shots ("@at <RFC3339>").
// Registration is an upsert by task name: an existing schedule with the same
// name is cancelled first. An expression without a next fire time is
// rejected and never reaches the wheel.
func (s *Service) Schedule(expr string, t Task) (Handle, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", fmt.Errorf("%w: name required", ErrInvalidTask)
	}
	if t.Run == nil {
		return "", fmt.Errorf("%w: %s: Run is nil", ErrInvalidTask, t.Name)
	}
	spec, err := pattern.Normalize(expr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	sc := &schedule{
		id:    Handle(uuid.NewString()),
		name:  t.Name,
		expr:  spec.Expr,
		kind:  spec.Kind.String(),
		task:  t,
		state: &engine.RunState{},
	}

	s.mu.Lock()
	eval := s.eval
	if s.cfg.StartupSpread && spec.Kind == pattern.KindInterval {
		sc.spread = pattern.StartupSpread(spec.Every, t.Name)
	}
	s.mu.Unlock()

	now := s.w.Now()
	next, err := eval.NextFireTime(sc.expr, now)
	switch {
	case err != nil:
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	case next.IsZero():
		return "", fmt.Errorf("%w: %q", ErrNoNextTime, expr)
	case !next.After(now):
		return "", fmt.Errorf("%w: %q: next fire time %s is not after %s", ErrInvalidSchedule, expr, next.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	next = next.Add(sc.spread)

	s.mu.Lock()
	prev, replaced := s.byName[sc.name]
	old := s.detachLocked(prev)
	s.schedules[sc.id] = sc
	s.byName[sc.name] = sc.id
	s.mu.Unlock()

	if old != nil {
		s.disarm(old)
		s.log.Debug("schedule replaced", logx.String("name", sc.name), logx.String("old_id", string(old.id)))
	}
	s.arm(sc, next)

	if s.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{logx.String("name", sc.name), logx.String("id", string(sc.id)), logx.String("expr", sc.expr), logx.Time("next", next)}
		if sc.spread > 0 {
			fields = append(fields, logx.Duration("startup_spread", sc.spread))
		}
		if preview := s.preview(sc.expr, next, 3); preview != "" {
			fields = append(fields, logx.String("then", preview))
		}
		if replaced {
			fields = append(fields, logx.Bool("replaced", true))
		}
		s.log.Debug("schedule registered", fields...)
	}
	return sc.id, nil
}

// Cancel unregisters h. It returns true only for the call that removed it;
// cancelling twice, or after a one-shot finished, returns false. A fire that
// is already running completes, but nothing is armed after it.
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	sc := s.detachLocked(h)
	s.mu.Unlock()
	if sc == nil {
		return false
	}
	s.disarm(sc)
	s.log.Debug("schedule cancelled", logx.String("name", sc.name), logx.String("id", string(h)))
	return true
}

// Remove unschedules the schedule registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	h, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.Cancel(h)
}

// Lookup returns the handle registered under name.
func (s *Service) Lookup(name string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[strings.TrimSpace(name)]
	return h, ok
}

// AddSchedule registers job under schedule, skipping a fire while the
// previous run is still queued or running.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (Handle, error) {
	return s.Schedule(schedule, Task{Name: name, Timeout: timeout, Run: job, Opt: opt})
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("%w: empty cron spec", ErrInvalidSchedule)
	}
	return s.AddSchedule(name, "cron:"+spec, timeout, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	return s.AddSchedule(name, pattern.Every(every), timeout, job)
}

// AddOnce runs job a single time at at. The schedule removes itself after firing.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	if at.IsZero() {
		return "", errors.New("at required")
	}
	return s.AddScheduleOpt(name, pattern.Once(at), timeout, TaskOptions{}, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	spec, err := pattern.Daily(atHHMM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return s.AddCron(name, spec, timeout, job)
}

// AddWeekly runs job on weekday at HH:MM in the scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (Handle, error) {
	spec, err := pattern.Weekly(weekday, atHHMM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return s.AddCron(name, spec, timeout, job)
}

// detachLocked removes h from the registry. Call with s.mu held.
func (s *Service) detachLocked(h Handle) *schedule {
	if h == "" {
		return nil
	}
	sc := s.schedules[h]
	if sc == nil {
		return nil
	}
	delete(s.schedules, h)
	if s.byName[sc.name] == h {
		delete(s.byName, sc.name)
	}
	return sc
}

// preview formats up to n fire times after from, for debug logs.
func (s *Service) preview(expr string, from time.Time, n int) string {
	s.mu.Lock()
	ce := s.cron
	s.mu.Unlock()
	if ce == nil {
		return ""
	}
	var b strings.Builder
	for i, t := range ce.Preview(expr, from, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
