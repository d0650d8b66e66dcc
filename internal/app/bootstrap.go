package app

import (
	"fmt"
	"strings"
	"time"

	"cronwheel/internal/config"
	"cronwheel/internal/observability/admin"
	"cronwheel/internal/pattern"
	"cronwheel/internal/scheduler"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       sc.Enabled,
		Timezone:      strings.TrimSpace(sc.Timezone),
		Tick:          tick,
		WheelSize:     sc.WheelSize,
		MaxTiers:      sc.MaxTiers,
		PollInterval:  poll,
		StartupSpread: sc.StartupSpread,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{Enabled: cfg.EngineEnabled()}

	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}

	// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
	if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}

	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	out.CircuitTripFailures = te.CircuitTripFailures

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"task_engine.default_timeout", te.DefaultTimeout, &out.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay, &out.MaxQueueDelay},
		{"task_engine.circuit_open_for", te.CircuitOpenFor, &out.CircuitOpenFor},
		{"task_engine.circuit_reset_after", te.CircuitResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

// mapMetricsConfig returns whether metrics are on and the report interval.
func mapMetricsConfig(cfg *config.Config) (bool, time.Duration, error) {
	if cfg == nil || cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return false, 0, nil
	}
	every, err := config.ParseDurationOrDefault("metrics.report_interval", cfg.Metrics.ReportInterval, time.Minute)
	if err != nil {
		return false, 0, err
	}
	return true, every, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	if cfg == nil || cfg.Admin == nil {
		return admin.Config{}, nil
	}
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Profiling:     ac.Profiling,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validate is the reload validator: everything NewApp would reject.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMetricsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	eval := pattern.NewCronEvaluator(time.UTC)
	for _, j := range cfg.Jobs {
		if _, err := jobTask(j); err != nil {
			return err
		}
		// config.Validate stops at the expression kind; parse cron fields too
		spec, _ := pattern.Normalize(j.Schedule)
		if spec.Kind == pattern.KindCron {
			if err := eval.Validate(spec.Expr); err != nil {
				return fmt.Errorf("jobs (%s).schedule: %w", strings.TrimSpace(j.Name), err)
			}
		}
	}
	return nil
}
