package config

// Config is the daemon configuration, loaded from JSON or YAML.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls triggering: timezone and wheel geometry.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs.
	// If omitted, the engine follows scheduler.enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler and its timing wheel.
//
// Durations are Go duration strings. Wheel settings (tick, wheel_size,
// max_tiers, poll_interval) only take effect on restart.
//
// Defaults: tick "1s", wheel_size 20, max_tiers 12, poll_interval "100ms".
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Tick         string `json:"tick,omitempty"`
	WheelSize    int    `json:"wheel_size,omitempty"`
	MaxTiers     int    `json:"max_tiers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	StartupSpread bool `json:"startup_spread,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - circuit_trip_failures: 5 (-1 disables)
//   - circuit_open_for: "30s"
//   - circuit_reset_after: "5m"
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitOpenFor      string `json:"circuit_open_for,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronwheel.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retain      int    `json:"retain,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// ReportInterval logs a metrics summary this often. Default "1m".
	ReportInterval string `json:"report_interval,omitempty"`
}

// AdminConfig controls the operator HTTP endpoint (/healthz, /status,
// /schedules, /runs and optional pprof).
//
// Security: a non-loopback addr needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:7070"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig is a command run on a schedule.
//
//	jobs:
//	  - name: backup
//	    schedule: "0 3 * * *"
//	    command: ["/usr/local/bin/backup", "--quiet"]
//	    timeout: 30m
type JobConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Command  []string `json:"command"`
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	// Overlap is "skip" (default) or "allow".
	Overlap  string `json:"overlap,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// EngineEnabled resolves task_engine.enabled against scheduler.enabled.
func (c *Config) EngineEnabled() bool {
	if c.TaskEngine != nil && c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}
