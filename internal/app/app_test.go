package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronwheel/internal/config"
	"cronwheel/internal/scheduler"
	"cronwheel/internal/task/engine"
)

const appYAML = `
logging:
  level: error
scheduler:
  enabled: false
  timezone: UTC
jobs:
  - name: backup
    schedule: "0 3 * * *"
    command: ["true"]
    timeout: 10m
  - name: ping
    schedule: 1h
    command: ["true"]
    overlap: allow
  - name: paused
    schedule: 5m
    command: ["true"]
    disabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cronwheel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(writeConfig(t, appYAML))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a
}

func TestNewAppRegistersEnabledJobs(t *testing.T) {
	a := newTestApp(t)

	for _, name := range []string{"backup", "ping"} {
		_, ok := a.Scheduler().Lookup(name)
		assert.True(t, ok, name)
	}
	_, ok := a.Scheduler().Lookup("paused")
	assert.False(t, ok, "disabled jobs are not scheduled")
	assert.ElementsMatch(t, []string{"backup", "ping"}, a.jobs.names())
	assert.Nil(t, a.History(), "storage is off by default")
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, `
scheduler:
  enabled: true
task_engine:
  enabled: false
`))
	assert.Error(t, err)

	_, err = NewApp(writeConfig(t, `
scheduler:
  timezone: Mars/Olympus
`))
	assert.Error(t, err)
}

func TestApplyConfigSyncsJobs(t *testing.T) {
	a := newTestApp(t)
	old := a.cfgm.Get()

	backup, _ := a.Scheduler().Lookup("backup")
	ping, _ := a.Scheduler().Lookup("ping")

	next, err := config.Decode("cronwheel.yaml", []byte(`
logging:
  level: error
scheduler:
  enabled: false
  timezone: UTC
jobs:
  - name: backup
    schedule: "0 4 * * *"
    command: ["true"]
    timeout: 10m
  - name: report
    schedule: 30m
    command: ["true"]
  - name: paused
    schedule: 5m
    command: ["true"]
`))
	require.NoError(t, err)
	require.NoError(t, validate(next))

	a.applyConfig(context.Background(), old, next)

	_, ok := a.Scheduler().Lookup("ping")
	assert.False(t, ok, "removed job is unscheduled")

	got, ok := a.Scheduler().Lookup("backup")
	require.True(t, ok)
	assert.NotEqual(t, backup, got, "changed job is re-registered")

	for _, name := range []string{"report", "paused"} {
		_, ok := a.Scheduler().Lookup(name)
		assert.True(t, ok, name)
	}
	assert.False(t, a.Scheduler().Cancel(ping), "old handle is already gone")
	assert.ElementsMatch(t, []string{"backup", "report", "paused"}, a.jobs.names())
}

func TestApplyConfigKeepsUnchangedJobs(t *testing.T) {
	a := newTestApp(t)
	old := a.cfgm.Get()
	ping, _ := a.Scheduler().Lookup("ping")

	next := *old
	next.Logging.Level = "warn"
	a.applyConfig(context.Background(), old, &next)

	got, ok := a.Scheduler().Lookup("ping")
	require.True(t, ok)
	assert.Equal(t, ping, got)
}

func TestJobTask(t *testing.T) {
	task, err := jobTask(config.JobConfig{
		Name:     " ping ",
		Schedule: "1h",
		Command:  []string{"true"},
		Timeout:  "90s",
		Overlap:  "Allow",
		RetryMax: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "ping", task.Name)
	assert.Equal(t, 90*time.Second, task.Timeout)
	assert.Equal(t, scheduler.OverlapAllow, task.Opt.Overlap)
	assert.Equal(t, 2, task.Opt.RetryMax)

	task, err = jobTask(config.JobConfig{Name: "x", Command: []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.OverlapSkipIfRunning, task.Opt.Overlap)

	_, err = jobTask(config.JobConfig{Name: "x", Command: []string{"true"}, Timeout: "soon"})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, runCommand(ctx, []string{"sh", "-c", "exit 0"}, "", nil))

	err := runCommand(ctx, []string{"sh", "-c", "echo boom >&2; exit 3"}, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, engine.IsNoRetry(err))

	err = runCommand(ctx, []string{"/definitely/not/here"}, "", nil)
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err), "missing binary is permanent")

	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	require.NoError(t, runCommand(ctx, []string{"sh", "-c", `printf %s "$CW_TEST" > env.txt`}, dir, []string{"CW_TEST=hello"}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestRunCommandTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runCommand(ctx, []string{"sleep", "5"}, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		st      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "omitted"},
		{name: "none", st: &config.StorageConfig{Driver: "none"}},
		{name: "file default path", st: &config.StorageConfig{Driver: "file"}, enabled: true, driver: "file"},
		{name: "sqlite", st: &config.StorageConfig{Driver: "SQLite3", Path: "runs.db"}, enabled: true, driver: "sqlite"},
		{name: "sqlite without path", st: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy timeout", st: &config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "x"}, wantErr: true},
		{name: "unknown", st: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.st})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			if tc.enabled {
				assert.Equal(t, tc.driver, sc.Driver)
				assert.NotEmpty(t, sc.Path)
			}
		})
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	off := false
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: false},
		TaskEngine: &config.TaskEngineConfig{
			Enabled:        &off,
			Workers:        3,
			DefaultTimeout: "20s",
			CircuitOpenFor: "1m",
		},
	}
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.False(t, ec.Enabled)
	assert.Equal(t, 3, ec.Workers)
	assert.Equal(t, 20*time.Second, ec.DefaultTimeout)
	assert.Equal(t, time.Minute, ec.CircuitOpenFor)

	cfg.Scheduler.Enabled = true
	_, err = mapTaskEngineConfig(cfg)
	assert.Error(t, err, "scheduler cannot run without the engine")

	ec, err = mapTaskEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{Enabled: true}})
	require.NoError(t, err)
	assert.True(t, ec.Enabled, "engine follows the scheduler when omitted")
}

func TestStartStop(t *testing.T) {
	a, err := NewApp(writeConfig(t, `
logging:
  level: error
scheduler:
  enabled: true
  tick: 10ms
  poll_interval: 5ms
metrics:
  enabled: true
  report_interval: 1h
jobs:
  - name: ping
    schedule: 1h
    command: ["true"]
`))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Scheduler().Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.False(t, a.Scheduler().Running())
	assert.NoError(t, a.Err())
	<-a.Done()
}

func TestCheckPrintsUpcomingRuns(t *testing.T) {
	path := writeConfig(t, appYAML)
	var out strings.Builder
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Check(path, 2, now, &out))

	s := out.String()
	assert.Contains(t, s, "2026-01-01T03:00:00Z, 2026-01-02T03:00:00Z")
	assert.Contains(t, s, "2026-01-01T01:00:00Z, 2026-01-01T02:00:00Z")
	assert.NotContains(t, s, "paused")

	bad := writeConfig(t, "jobs:\n  - name: x\n    schedule: nope\n    command: [\"true\"]\n")
	assert.Error(t, Check(bad, 1, now, &out))
}
