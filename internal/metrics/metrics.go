// Package metrics holds the OpenTelemetry instruments of the wheel and the
// task engine.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "cronwheel"

// Instrument names.
const (
	EntriesScheduled = "cronwheel.wheel.entries.scheduled"
	EntriesFired     = "cronwheel.wheel.entries.fired"
	EntriesCascaded  = "cronwheel.wheel.entries.cascaded"
	EntriesCancelled = "cronwheel.wheel.entries.cancelled"
	BucketsExpired   = "cronwheel.wheel.buckets.expired"
	TaskRuns         = "cronwheel.task.runs"
	TaskDropped      = "cronwheel.task.dropped"
	TaskDuration     = "cronwheel.task.duration"
)

// Task outcomes used as the "outcome" attribute.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder is a nil-safe facade over the instruments.
type Recorder struct {
	scheduled metric.Int64Counter
	fired     metric.Int64Counter
	cascaded  metric.Int64Counter
	cancelled metric.Int64Counter
	expired   metric.Int64Counter
	runs      metric.Int64Counter
	dropped   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates every instrument on meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.scheduled, EntriesScheduled, "Entries placed into a wheel tier"},
		{&r.fired, EntriesFired, "Entries handed off for execution"},
		{&r.cascaded, EntriesCascaded, "Entries moved to a finer tier"},
		{&r.cancelled, EntriesCancelled, "Entries removed before firing"},
		{&r.expired, BucketsExpired, "Buckets popped from the delay queue"},
		{&r.runs, TaskRuns, "Finished task executions"},
		{&r.dropped, TaskDropped, "Task executions that never ran"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: create %s: %w", c.name, err)
		}
	}
	r.duration, err = meter.Float64Histogram(TaskDuration,
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create %s: %w", TaskDuration, err)
	}
	return r, nil
}

// Nop returns a recorder backed by the no-op meter.
func Nop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

func (r *Recorder) EntryScheduled(tier int) {
	if r == nil {
		return
	}
	r.scheduled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", strconv.Itoa(tier))))
}

func (r *Recorder) EntryFired() {
	if r == nil {
		return
	}
	r.fired.Add(context.Background(), 1)
}

func (r *Recorder) EntryCascaded() {
	if r == nil {
		return
	}
	r.cascaded.Add(context.Background(), 1)
}

func (r *Recorder) EntryCancelled() {
	if r == nil {
		return
	}
	r.cancelled.Add(context.Background(), 1)
}

func (r *Recorder) BucketExpired() {
	if r == nil {
		return
	}
	r.expired.Add(context.Background(), 1)
}

// TaskFinished records one execution of task with outcome.
func (r *Recorder) TaskFinished(task, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", task), attribute.String("outcome", outcome))
	r.runs.Add(context.Background(), 1, attrs)
	r.duration.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("task", task)))
}

// TaskDropped records a run that was skipped or rejected before executing.
func (r *Recorder) TaskDropped(task, reason string) {
	if r == nil {
		return
	}
	r.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task", task), attribute.String("reason", reason)))
}
