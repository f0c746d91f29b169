package storage

import (
	"errors"
	"time"

	"streamsched/internal/streamsched"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator-visible action against a schedule:
// scheduled, suspended, resumed, deleted, or fired.
type AuditEntry struct {
	At         time.Time
	ScheduleId string
	Action     string
	OK         bool
	Error      string
	MetaJSON   string
}

// TaskRecord and ScheduleId are the streamsched core's own types; the store
// persists them directly rather than maintaining a parallel schema.
type TaskRecord = streamsched.TaskRecord
type ScheduleId = streamsched.ScheduleId
