package storage

// Package storage implements the streamsched ScheduleStore contract (§6),
// adapted from a generic audit/dedup persistence layer.
//
// It supports:
//   - Schedule watermark persistence (Upsert/Delete/ListAll), used by the
//     registry's recovery-on-startup path.
//   - An operator action audit log (scheduled/suspended/resumed/deleted/fired).
