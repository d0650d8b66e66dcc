package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronwheel/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, structured attrs for
// logging (never job commands or env, which may carry secrets) and the names
// of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		o, n := oldCfg.Scheduler, newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", n.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			logx.Bool("scheduler.wheel_changed", o.Tick != n.Tick || o.WheelSize != n.WheelSize ||
				o.MaxTiers != n.MaxTiers || o.PollInterval != n.PollInterval),
		)
	}

	oTE, nTE := deref(oldCfg.TaskEngine), deref(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) || oldCfg.EngineEnabled() != newCfg.EngineEnabled() {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.EngineEnabled()),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
			logx.Int("task_engine.circuit_trip_failures", nTE.CircuitTripFailures),
		)
	}

	// nil means disabled
	oS, nS := deref(oldCfg.Storage), deref(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oM, nM := deref(oldCfg.Metrics), deref(newCfg.Metrics)
	if oM != nM {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.report_interval", strings.TrimSpace(nM.ReportInterval)),
		)
	}

	oA, nA := deref(oldCfg.Admin), deref(newCfg.Admin)
	if oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.profiling", nA.Profiling),
		)
	}

	jobs := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// DiffJobs returns the sorted names of jobs that differ between the lists.
func DiffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = hashValue(j)
		}
		return m
	}
	o, n := index(oldJobs), index(newJobs)

	var out []string
	for name, h := range o {
		if nh, ok := n[name]; !ok || nh != h {
			out = append(out, name)
		}
	}
	for name := range n {
		if _, ok := o[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
