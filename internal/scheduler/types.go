package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"cronwheel/internal/task/engine"
	"cronwheel/internal/wheel"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNoNextTime      = errors.New("schedule has no next fire time")
	ErrEvaluation      = errors.New("schedule evaluation failed")
	ErrInvalidTask     = errors.New("invalid task")
)

// Config controls the scheduler and the wheel underneath it.
// Wheel geometry (Tick, WheelSize, MaxTiers, PollInterval) is read once in New.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local

	Tick         time.Duration
	WheelSize    int
	MaxTiers     int
	PollInterval time.Duration

	// StartupSpread delays the first run of interval schedules by a random
	// amount (at most min(interval, 30s)).
	StartupSpread bool
}

func (c Config) wheelConfig() wheel.Config {
	return wheel.Config{Tick: c.Tick, WheelSize: c.WheelSize, MaxTiers: c.MaxTiers, PollInterval: c.PollInterval}
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Handle identifies one registration. Handles are never reused.
type Handle string

func (h Handle) String() string { return string(h) }

// Task is what a schedule runs on every fire.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
}

// Enqueuer accepts fired tasks. Enqueue must not block.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type schedule struct {
	id     Handle
	name   string
	expr   string
	kind   string
	task   Task
	state  *engine.RunState
	spread time.Duration

	mu        sync.Mutex
	entry     *wheel.Entry
	next      time.Time
	prev      time.Time
	fires     uint64
	cancelled bool
}

type ScheduleInfo struct {
	ID            Handle
	Name          string
	Expr          string
	Kind          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Fires         uint64
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string

	Schedules []ScheduleInfo
	Wheel     wheel.Snapshot
	Engine    *engine.Snapshot
}
