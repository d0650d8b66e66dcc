// Package wheel implements a hierarchical timing wheel.
//
// Deadlines are absolute millisecond timestamps. Tier 0 has the configured
// tick; each coarser tier's tick equals the full span of the tier below it.
// Entries too far out for a tier move up a tier; when a coarse bucket expires
// its entries are re-added and cascade down until tier 0 hands them to the
// FireFunc.
//
// Only non-empty buckets sit in the DelayQueue, so an idle wheel costs one
// blocked goroutine and no per-tick work.
//
// Locking:
//   - Add holds the wheel read lock while placing an entry.
//   - Bucket expiry (advance clock, flush, re-add) holds the write lock.
//   - FireFunc runs after the write lock is released, so it may call Add.
package wheel
