// Package listener fans task lifecycle notifications out to registered
// listeners.
package listener

import (
	"time"
)

// TaskInfo describes one execution of a scheduled task.
type TaskInfo struct {
	RunID      string
	Task       string
	ScheduleID string
	Deadline   time.Time
	QueuedAt   time.Time
	StartedAt  time.Time
	Duration   time.Duration
	Attempt    int
}

// Listener observes task executions. Callbacks run on worker goroutines and
// should return quickly.
type Listener interface {
	OnTaskStart(info TaskInfo)
	OnTaskSucceeded(info TaskInfo)
	OnTaskFailed(info TaskInfo, err error)
}

// SkipListener is optionally implemented by listeners that want to know
// about runs that never started (overlap, full queue, open circuit).
type SkipListener interface {
	OnTaskSkipped(info TaskInfo, reason error)
}

// Notifier is the sending side used by the engine and the scheduler.
type Notifier interface {
	NotifyTaskStart(info TaskInfo)
	NotifyTaskSucceeded(info TaskInfo)
	NotifyTaskFailed(info TaskInfo, err error)
	NotifyTaskSkipped(info TaskInfo, reason error)
}

// Funcs adapts plain functions to Listener. Nil fields are ignored.
type Funcs struct {
	Start     func(TaskInfo)
	Succeeded func(TaskInfo)
	Failed    func(TaskInfo, error)
	Skipped   func(TaskInfo, error)
}

func (f Funcs) OnTaskStart(info TaskInfo) {
	if f.Start != nil {
		f.Start(info)
	}
}

func (f Funcs) OnTaskSucceeded(info TaskInfo) {
	if f.Succeeded != nil {
		f.Succeeded(info)
	}
}

func (f Funcs) OnTaskFailed(info TaskInfo, err error) {
	if f.Failed != nil {
		f.Failed(info, err)
	}
}

func (f Funcs) OnTaskSkipped(info TaskInfo, reason error) {
	if f.Skipped != nil {
		f.Skipped(info, reason)
	}
}
