package wheel

import (
	"context"
	"time"

	"cronwheel/internal/runtime/supervisor"
	logx "cronwheel/pkg/logx"
)

// Start runs the driver loop until ctx ends or Stop is called.
// Calling Start on a running wheel does nothing.
func (w *Wheel) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.sup != nil {
		return
	}
	w.sup = supervisor.New(ctx, supervisor.WithLogger(w.log))
	w.sup.GoRestart("wheel.driver", w.run,
		supervisor.WithRestartBackoff(50*time.Millisecond, 2*time.Second),
		supervisor.WithPublishFirstError(true),
	)
	w.log.Info("wheel started",
		logx.Duration("tick", w.cfg.Tick),
		logx.Int("wheel_size", w.cfg.WheelSize),
		logx.Int("max_tiers", w.maxTiers),
	)
}

// Stop ends the driver loop and waits for it, bounded by ctx.
// Pending entries stay in the wheel.
func (w *Wheel) Stop(ctx context.Context) error {
	w.runMu.Lock()
	sup := w.sup
	w.sup = nil
	w.runMu.Unlock()

	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (w *Wheel) Running() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.sup != nil
}

func (w *Wheel) run(ctx context.Context) error {
	for {
		b := w.queue.Poll(ctx, w.cfg.PollInterval, w.nowMs)
		if err := ctx.Err(); err != nil {
			if b != nil {
				// still linked and expired; the next Start picks it up
				w.queue.Offer(b)
			}
			return err
		}
		if b == nil {
			w.advanceIdle(w.nowMs())
			continue
		}
		w.expire(b, w.nowMs())
	}
}
