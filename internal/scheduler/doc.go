// Package scheduler registers recurring and one-shot schedules and arms them
// on the timing wheel.
//
// The scheduler is trigger-only. When an entry fires it computes and arms
// the next occurrence first, then hands the task to the engine without
// blocking. How the task runs (timeouts, retries, overlap) is the engine's
// business and never feeds back into the schedule.
package scheduler
