// Package storage records task execution history.
//
// Only finished runs are stored. Pending schedules live in memory and are
// rebuilt from configuration on start.
package storage
