package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/listener"
	"cronwheel/internal/metrics"
	"cronwheel/internal/pattern"
	"cronwheel/internal/wheel"
	logx "cronwheel/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	eval   pattern.Evaluator
	cron   *pattern.CronEvaluator // nil when a custom evaluator is installed
	engine Enqueuer
	notify listener.Notifier
	bus    eventbus.Bus

	w *wheel.Wheel

	schedules map[Handle]*schedule
	byName    map[string]Handle

	// enqueue error throttling, keyed by schedule name
	enqMu    sync.Mutex
	enqLimit map[string]*rate.Limiter
}

type Option func(*options)

type options struct {
	eval  pattern.Evaluator
	clock wheel.Clock
	rec   *metrics.Recorder
	bus   eventbus.Bus
}

// WithEvaluator replaces the cron evaluator. Timezone changes then no longer
// affect evaluation.
func WithEvaluator(e pattern.Evaluator) Option { return func(o *options) { o.eval = e } }

func WithClock(c wheel.Clock) Option { return func(o *options) { o.clock = c } }

func WithMetrics(r *metrics.Recorder) Option { return func(o *options) { o.rec = r } }

// WithBus publishes schedule lifecycle events (exhausted, dropped).
func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

func New(cfg Config, eng Enqueuer, notify listener.Notifier, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if notify == nil {
		notify = listener.NewManager(log)
	}

	s := &Service{
		cfg:       cfg,
		log:       log,
		engine:    eng,
		notify:    notify,
		bus:       o.bus,
		schedules: make(map[Handle]*schedule),
		byName:    make(map[string]Handle),
		enqLimit:  make(map[string]*rate.Limiter),
	}
	s.loc = loadLocation(cfg.Timezone, log)
	if o.eval != nil {
		s.eval = o.eval
	} else {
		s.cron = pattern.NewCronEvaluator(s.loc)
		s.eval = s.cron
	}

	wopts := []wheel.Option{wheel.WithLogger(log.With(logx.String("comp", "wheel"))), wheel.WithMetrics(o.rec)}
	if o.clock != nil {
		wopts = append(wopts, wheel.WithClock(o.clock))
	}
	w, err := wheel.New(cfg.wheelConfig(), s.onFire, wopts...)
	if err != nil {
		return nil, err
	}
	s.w = w
	return s, nil
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Now is the scheduler's notion of the current time.
func (s *Service) Now() time.Time { return s.w.Now() }

// Apply takes a new config. A timezone change re-arms every schedule from
// now; wheel geometry changes need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	if cfg.wheelConfig() != s.cfg.wheelConfig() {
		s.log.Warn("wheel settings changed; restart to apply",
			logx.Duration("tick", cfg.Tick), logx.Int("wheel_size", cfg.WheelSize))
	}
	s.cfg = cfg
	if oldTZ == newTZ {
		s.mu.Unlock()
		return
	}
	s.loc = loadLocation(newTZ, s.log)
	if s.cron != nil {
		s.cron = pattern.NewCronEvaluator(s.loc)
		s.eval = s.cron
	}
	all := make([]*schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		all = append(all, sc)
	}
	loc := s.loc
	s.mu.Unlock()

	now := s.w.Now()
	for _, sc := range all {
		s.rearm(sc, now, time.Time{})
	}
	s.log.Info("timezone changed; schedules re-armed", logx.String("tz", loc.String()), logx.Int("schedules", len(all)))
}

// Start drives the wheel. Schedules registered before Start are already
// armed and fire once the driver runs.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cur := s.cfg
	loc := s.loc
	n := len(s.schedules)
	s.mu.Unlock()

	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	if !cur.Enabled {
		return
	}
	s.w.Start(ctx)
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", n), logx.Duration("tick", s.w.Config().Tick))
}

// Stop halts the driver. Schedules stay armed; entries that came due while
// stopped fire once on the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.log.Info("stop requested")
	if err := s.w.Stop(ctx); err != nil {
		s.log.Warn("wheel stop incomplete", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Running() bool { return s.w.Running() }

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
