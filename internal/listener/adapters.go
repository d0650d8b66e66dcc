package listener

import (
	"context"
	"time"

	"cronwheel/internal/eventbus"
	"cronwheel/internal/storage"
	logx "cronwheel/pkg/logx"
)

// BusListener republishes lifecycle notifications as eventbus events.
type BusListener struct {
	Bus eventbus.Bus
}

// FailedEvent is the Data of task.failed and task.skipped events.
type FailedEvent struct {
	Info TaskInfo
	Err  error
}

func (b BusListener) OnTaskStart(info TaskInfo) {
	b.Bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: info})
}

func (b BusListener) OnTaskSucceeded(info TaskInfo) {
	b.Bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: info})
}

func (b BusListener) OnTaskFailed(info TaskInfo, err error) {
	b.Bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: FailedEvent{Info: info, Err: err}})
}

func (b BusListener) OnTaskSkipped(info TaskInfo, reason error) {
	b.Bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Data: FailedEvent{Info: info, Err: reason}})
}

// StoreRecorder appends finished runs to the run history.
type StoreRecorder struct {
	Store   storage.Store
	Log     logx.Logger
	Timeout time.Duration
}

func (s StoreRecorder) OnTaskStart(TaskInfo) {}

func (s StoreRecorder) OnTaskSucceeded(info TaskInfo) {
	s.append(info, nil)
}

func (s StoreRecorder) OnTaskFailed(info TaskInfo, err error) {
	// failures before a run starts (bad next time) have no run id
	if info.RunID == "" {
		return
	}
	s.append(info, err)
}

func (s StoreRecorder) append(info TaskInfo, err error) {
	if s.Store == nil {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec := storage.RunRecord{
		ID:         info.RunID,
		Task:       info.Task,
		ScheduleID: info.ScheduleID,
		Deadline:   info.Deadline,
		StartedAt:  info.StartedAt,
		Duration:   info.Duration,
		Attempts:   info.Attempt,
		OK:         err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := s.Store.AppendRun(ctx, rec); werr != nil && !s.Log.IsZero() {
		s.Log.Warn("run history write failed", logx.String("task", info.Task), logx.Err(werr))
	}
}
