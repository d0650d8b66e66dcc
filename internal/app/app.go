package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"cronwheel/internal/config"
	"cronwheel/internal/eventbus"
	"cronwheel/internal/listener"
	"cronwheel/internal/metrics"
	"cronwheel/internal/observability/admin"
	rtsup "cronwheel/internal/runtime/supervisor"
	"cronwheel/internal/scheduler"
	"cronwheel/internal/storage"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	listeners *listener.Manager
	metrics   *metrics.Provider
	reportInt time.Duration

	engine *engine.Service
	sched  *scheduler.Service
	jobs   *jobSet
	admin  *admin.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	lm := listener.NewManager(log.With(logx.String("comp", "listener")))
	lm.Add(listener.BusListener{Bus: bus})

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		lm.Add(listener.StoreRecorder{Store: st, Log: log.With(logx.String("comp", "storage"))})
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Metrics (optional)
	var (
		mp  *metrics.Provider
		rec *metrics.Recorder
	)
	metricsOn, every, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if metricsOn {
		mp, err = metrics.NewProvider()
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		rec = mp.Recorder()
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), lm, engine.WithMetrics(rec))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc, err := scheduler.New(schedCfg, engineSvc, lm, log.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(rec),
	)
	if err != nil {
		return nil, err
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	adminSvc := admin.New(adminCfg, schedSvc, store, log.With(logx.String("comp", "admin")))

	a := &App{
		cfgPath:   cfgm.Path(),
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		listeners: lm,
		metrics:   mp,
		reportInt: every,
		engine:    engineSvc,
		sched:     schedSvc,
		jobs:      newJobSet(schedSvc, log.With(logx.String("comp", "jobs"))),
		admin:     adminSvc,
	}
	a.jobs.sync(cfg.Jobs, nil)
	return a, nil
}

// Scheduler exposes the registration API for jobs defined in code.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Listeners is where extra task listeners register.
func (a *App) Listeners() *listener.Manager { return a.listeners }

// History returns the run history store, or nil when storage is disabled.
func (a *App) History() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// engine first so the first fires have somewhere to go
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	if a.metrics != nil {
		a.sup.Go("metrics.report", func(c context.Context) error {
			return a.metrics.Report(c, a.log.With(logx.String("comp", "metrics")), a.reportInt)
		})
	}

	// Keep this debug-level to avoid noise for frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("jobs", len(a.jobs.names())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
	)
	return nil
}

// applyConfig pushes a reloaded config into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range []string{"storage", "metrics"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	prevSchedEnabled := a.sched.Enabled()
	newSchedCfg, schedErr := mapSchedulerConfig(newCfg)
	if schedErr != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(schedErr))
	}

	disabling := schedErr == nil && prevSchedEnabled && !newSchedCfg.Enabled

	// scheduler first on shutdown; engine first on startup
	if disabling {
		a.log.Info("scheduler disabled via config")
		a.sched.Apply(newSchedCfg)
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}

	// engine Apply starts, stops or resizes the worker pool itself
	if newEngCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, newEngCfg)
	}

	if schedErr == nil && !disabling {
		a.sched.Apply(newSchedCfg)
		if !prevSchedEnabled && newSchedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if len(changedJobs) > 0 {
		a.jobs.sync(newCfg.Jobs, changedJobs)
	}

	if slices.Contains(sections, "admin") {
		if ac, err := mapAdminConfig(newCfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, ac)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "metrics", time.Second, func(c context.Context) error {
		if a.metrics != nil {
			return a.metrics.Shutdown(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, metrics report).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// leak signal: observe when/if the step eventually finishes
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
