package config

import (
	"errors"
	"fmt"
	"strings"

	"cronwheel/internal/pattern"
	logx "cronwheel/pkg/logx"
)

// Validate checks values the decoder cannot: durations, enums, and job
// definitions. It does not evaluate cron expressions against a timezone.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}

	sc := cfg.Scheduler
	checkDurations(add,
		durationField{"scheduler.tick", sc.Tick},
		durationField{"scheduler.poll_interval", sc.PollInterval},
	)
	if sc.WheelSize < 0 || sc.WheelSize == 1 {
		add(fmt.Errorf("scheduler.wheel_size: must be >= 2, got %d", sc.WheelSize))
	}
	if sc.MaxTiers < 0 {
		add(fmt.Errorf("scheduler.max_tiers: must be >= 0, got %d", sc.MaxTiers))
	}

	if te := cfg.TaskEngine; te != nil {
		checkDurations(add,
			durationField{"task_engine.default_timeout", te.DefaultTimeout},
			durationField{"task_engine.max_queue_delay", te.MaxQueueDelay},
			durationField{"task_engine.circuit_open_for", te.CircuitOpenFor},
			durationField{"task_engine.circuit_reset_after", te.CircuitResetAfter},
		)
		if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 {
			add(errors.New("task_engine: workers, queue_size and retry_max must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		checkDurations(add, durationField{"storage.busy_timeout", st.BusyTimeout})
	}

	if mc := cfg.Metrics; mc != nil {
		checkDurations(add, durationField{"metrics.report_interval", mc.ReportInterval})
	}

	if ac := cfg.Admin; ac != nil {
		checkDurations(add,
			durationField{"admin.read_timeout", ac.ReadTimeout},
			durationField{"admin.write_timeout", ac.WriteTimeout},
			durationField{"admin.idle_timeout", ac.IdleTimeout},
		)
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		add(validateJob(i, j, seen))
	}
	return errors.Join(errs...)
}

func validateJob(i int, j JobConfig, seen map[string]struct{}) error {
	name := strings.TrimSpace(j.Name)
	where := fmt.Sprintf("jobs[%d]", i)
	if name == "" {
		return fmt.Errorf("%s.name: required", where)
	}
	where = fmt.Sprintf("jobs[%d] (%s)", i, name)
	if _, dup := seen[name]; dup {
		return fmt.Errorf("%s: duplicate job name", where)
	}
	seen[name] = struct{}{}

	if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
		return fmt.Errorf("%s.command: required", where)
	}
	if _, err := pattern.Normalize(j.Schedule); err != nil {
		return fmt.Errorf("%s.schedule: %w", where, err)
	}
	if _, err := ParseDurationField(where+".timeout", j.Timeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(j.Overlap)) {
	case "", "skip", "allow":
	default:
		return fmt.Errorf("%s.overlap: want \"skip\" or \"allow\", got %q", where, j.Overlap)
	}
	if j.RetryMax < 0 {
		return fmt.Errorf("%s.retry_max: must be >= 0", where)
	}
	return nil
}
