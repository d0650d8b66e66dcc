// Package pattern computes fire times from schedule expressions.
package pattern

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrEmptyExpression   = errors.New("pattern: empty expression")
	ErrInvalidExpression = errors.New("pattern: invalid expression")
)

// Evaluator returns the first fire time strictly after the given instant.
// A zero time with a nil error means the expression has no further fire
// times. Implementations must be pure for a given (expr, after).
type Evaluator interface {
	NextFireTime(expr string, after time.Time) (time.Time, error)
}

type EvaluatorFunc func(expr string, after time.Time) (time.Time, error)

func (f EvaluatorFunc) NextFireTime(expr string, after time.Time) (time.Time, error) {
	return f(expr, after)
}

// OnceDescriptor prefixes a one-shot expression: "@at 2026-01-02T15:04:05Z".
const OnceDescriptor = "@at"

const maxCached = 1024

// CronEvaluator evaluates robfig/cron expressions (optional seconds field,
// descriptors such as @daily and @every) plus @at one-shots. Expressions
// without an explicit CRON_TZ/TZ prefix use the evaluator's location.
type CronEvaluator struct {
	parser cron.Parser
	loc    *time.Location

	mu    sync.RWMutex
	cache map[string]cron.Schedule
}

func NewCronEvaluator(loc *time.Location) *CronEvaluator {
	if loc == nil {
		loc = time.Local
	}
	return &CronEvaluator{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		cache:  make(map[string]cron.Schedule),
	}
}

func (e *CronEvaluator) Location() *time.Location { return e.loc }

// Validate reports whether expr parses.
func (e *CronEvaluator) Validate(expr string) error {
	_, err := e.schedule(expr)
	return err
}

func (e *CronEvaluator) NextFireTime(expr string, after time.Time) (time.Time, error) {
	s, err := e.schedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after.In(e.loc)), nil
}

// Preview lists up to n upcoming fire times after from.
func (e *CronEvaluator) Preview(expr string, from time.Time, n int) []time.Time {
	s, err := e.schedule(expr)
	if err != nil {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from.In(e.loc)
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func (e *CronEvaluator) schedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrEmptyExpression
	}

	e.mu.RLock()
	s, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := e.parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= maxCached {
		clear(e.cache)
	}
	e.cache[expr] = s
	e.mu.Unlock()
	return s, nil
}

func (e *CronEvaluator) parse(expr string) (cron.Schedule, error) {
	if rest, ok := strings.CutPrefix(expr, OnceDescriptor+" "); ok {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
		}
		return onceSchedule{at: at}, nil
	}

	spec := expr
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "@every") {
		spec = "CRON_TZ=" + e.loc.String() + " " + spec
	}
	s, err := e.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return s, nil
}

// onceSchedule fires a single time.
type onceSchedule struct{ at time.Time }

func (o onceSchedule) Next(t time.Time) time.Time {
	if o.at.After(t) {
		return o.at
	}
	return time.Time{}
}

// Once builds the expression for a one-shot at t.
func Once(t time.Time) string {
	return OnceDescriptor + " " + t.UTC().Format(time.RFC3339Nano)
}
