package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"cronwheel/internal/config"
	"cronwheel/internal/scheduler"
	"cronwheel/internal/task/engine"
	logx "cronwheel/pkg/logx"
)

// outputTail is how much combined output a failed command keeps for its error.
const outputTail = 512

// jobTask turns a configured job into a scheduler task.
func jobTask(j config.JobConfig) (scheduler.Task, error) {
	name := strings.TrimSpace(j.Name)
	timeout, err := config.ParseDurationField("jobs."+name+".timeout", j.Timeout)
	if err != nil {
		return scheduler.Task{}, err
	}
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: j.RetryMax}
	if strings.EqualFold(strings.TrimSpace(j.Overlap), "allow") {
		opt.Overlap = scheduler.OverlapAllow
	}
	cmd := append([]string(nil), j.Command...)
	dir := strings.TrimSpace(j.Dir)
	env := append([]string(nil), j.Env...)

	return scheduler.Task{
		Name:    name,
		Timeout: timeout,
		Opt:     opt,
		Run: func(ctx context.Context) error {
			return runCommand(ctx, cmd, dir, env)
		},
	}, nil
}

// runCommand executes argv and waits. A missing binary is permanent; any
// other failure is retried by the engine.
func runCommand(ctx context.Context, argv []string, dir string, env []string) error {
	if len(argv) == 0 {
		return engine.NoRetry(errors.New("empty command"))
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = dir
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return engine.NoRetry(fmt.Errorf("%s: %w", argv[0], err))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
	if tail := lastBytes(out.Bytes(), outputTail); tail != "" {
		return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
	}
	return fmt.Errorf("%s: %w", argv[0], err)
}

func lastBytes(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// jobSet keeps the scheduler registrations of configured jobs.
type jobSet struct {
	sched *scheduler.Service
	log   logx.Logger

	mu      sync.Mutex
	handles map[string]scheduler.Handle
}

func newJobSet(sched *scheduler.Service, log logx.Logger) *jobSet {
	return &jobSet{sched: sched, log: log, handles: make(map[string]scheduler.Handle)}
}

// sync (re-)registers the enabled jobs named in only, or all of them when
// only is nil, and removes registered jobs that are gone or disabled.
func (js *jobSet) sync(jobs []config.JobConfig, only []string) {
	var filter map[string]bool
	if only != nil {
		filter = make(map[string]bool, len(only))
		for _, n := range only {
			filter[n] = true
		}
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	want := make(map[string]config.JobConfig, len(jobs))
	for _, j := range jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" || j.Disabled {
			continue
		}
		want[name] = j
	}

	for name, h := range js.handles {
		if _, ok := want[name]; ok {
			continue
		}
		js.sched.Cancel(h)
		delete(js.handles, name)
		js.log.Info("job removed", logx.String("job", name))
	}

	for name, j := range want {
		if filter != nil && !filter[name] {
			continue
		}
		t, err := jobTask(j)
		if err != nil {
			js.log.Warn("job rejected", logx.String("job", name), logx.Err(err))
			continue
		}
		h, err := js.sched.Schedule(j.Schedule, t)
		if err != nil {
			// the old registration, if any, keeps running
			js.log.Warn("job not scheduled", logx.String("job", name), logx.String("schedule", j.Schedule), logx.Err(err))
			continue
		}
		js.handles[name] = h
		js.log.Debug("job scheduled", logx.String("job", name), logx.String("schedule", j.Schedule), logx.String("id", h.String()))
	}
}

func (js *jobSet) names() []string {
	js.mu.Lock()
	defer js.mu.Unlock()
	out := make([]string, 0, len(js.handles))
	for n := range js.handles {
		out = append(out, n)
	}
	return out
}
