package streamsched

import (
	"context"
	"time"
)

// mib is the unit §3 uses to convert a configured trigger size into bytes.
const mib = 1 << 20

// ScheduleSpec is the immutable definition of one stream-size schedule, as
// supplied to Registry.Schedule (§3, §4.1).
type ScheduleSpec struct {
	StreamName    string
	ScheduleName  string
	DataTriggerMB int
}

func (s ScheduleSpec) thresholdBytes() int64 {
	return int64(s.DataTriggerMB) * mib
}

func (s ScheduleSpec) validate() error {
	if s.StreamName == "" {
		return NewInvalidArgument("streamName is required")
	}
	if s.ScheduleName == "" {
		return NewInvalidArgument("scheduleName is required")
	}
	if s.DataTriggerMB < 1 {
		return NewInvalidArgument("dataTriggerMB must be >= 1")
	}
	return nil
}

// SizeObservation is a (size, ts) pair reported to a Subscriber from either
// a push notification or a poll (§3).
type SizeObservation struct {
	Size int64
	Ts   int64 // unix milliseconds
}

// ScheduleState is the externally visible lifecycle state of one schedule
// (§4.1 state()).
type ScheduleState int

const (
	StateNotFound ScheduleState = iota
	StateScheduled
	StateSuspended
)

func (s ScheduleState) String() string {
	switch s {
	case StateScheduled:
		return "SCHEDULED"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "NOT_FOUND"
	}
}

// NoSeed is the sentinel baseSize/baseTs value meaning "take a fresh probe
// to seed the watermark" (§4.1 "Initial-state option").
const NoSeed int64 = -1

// StreamConfig is an opaque handle a StreamAdmin implementation uses to
// resolve a StreamId to whatever it needs to query size (§4.4). The core
// never inspects its contents.
type StreamConfig interface{}

// StreamAdmin is the external collaborator that answers "how big is this
// stream right now" (§4.4, §6).
type StreamAdmin interface {
	GetConfig(ctx context.Context, stream StreamId) (StreamConfig, error)
	FetchStreamSize(ctx context.Context, cfg StreamConfig) (SizeObservation, error)
}

// FeedRef identifies a notification feed (§6): the per-stream size-change
// topic a Subscriber listens on.
type FeedRef struct {
	NamespaceId string
	Category    string
	Name        string
}

func sizeFeed(stream StreamId) FeedRef {
	return FeedRef{NamespaceId: stream.Namespace, Category: "stream", Name: stream.Name + "Size"}
}

// Cancellable is returned by NotificationService.Subscribe; calling Cancel
// releases the subscription.
type Cancellable interface {
	Cancel()
}

// NotificationService is the external collaborator delivering push size
// notifications (§6).
type NotificationService interface {
	Subscribe(ctx context.Context, feed FeedRef, handler func(SizeObservation)) (Cancellable, error)
}

// DispatchArgs carries the fields §4.3 passes to the program dispatcher on
// a firing.
type DispatchArgs struct {
	ScheduleName            string
	LogicalStartTime        int64
	RunDataSize             int64
	PastRunLogicalStartTime int64
	PastRunDataSize         int64
}

// ProgramDispatcher is the external collaborator that launches program runs
// (§6).
type ProgramDispatcher interface {
	Run(ctx context.Context, programRef ProgramRef, scheduleId ScheduleId, args DispatchArgs) error
}

// TaskRecord is the persisted form of one ScheduleTask, as exchanged with a
// ScheduleStore (§6, and §C "Recovery on startup").
type TaskRecord struct {
	ScheduleId ScheduleId
	StreamName string
	Spec       ScheduleSpec
	ProgramRef ProgramRef
	BaseSize   int64
	BaseTs     int64
	Active     bool
}

// ScheduleStore is the external collaborator persisting schedule state
// across restarts (§6). The persist flag on schedule()/addTask() only
// controls the initial Upsert of a new task; Suspend, Resume, Delete and
// every firing write to the store whenever one is configured, whatever
// flag the task was created with.
type ScheduleStore interface {
	Upsert(ctx context.Context, rec TaskRecord) error
	Delete(ctx context.Context, id ScheduleId) error
	ListAll(ctx context.Context) ([]TaskRecord, error)
}

// nowMillis is the core's wall-clock source (§4.4: "millisecond resolution
// is sufficient").
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
