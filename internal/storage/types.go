package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, recent runs kept in memory
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // file: runs kept in memory; sqlite: rows kept (0 = default)
}

// RunRecord is one finished task execution.
type RunRecord struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	Deadline   time.Time     `json:"deadline,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
}

const defaultRetain = 1000
