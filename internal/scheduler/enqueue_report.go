package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(sc *schedule, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", sc.name), logx.Err(err))
		return
	}
	s.publish(eventbus.TaskDropped, sc, err)

	s.enqMu.Lock()
	lim := s.enqLimit[sc.name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1)
		s.enqLimit[sc.name] = lim
	}
	s.enqMu.Unlock()
	if !lim.Allow() {
		return
	}

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", sc.name), logx.Err(err))
}
