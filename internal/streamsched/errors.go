package streamsched

import "fmt"

// NotFoundError is returned when an operation references an unknown schedule.
type NotFoundError struct {
	ScheduleId ScheduleId
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("streamsched: schedule %q not found", e.ScheduleId)
}

func NewNotFound(id ScheduleId) error { return &NotFoundError{ScheduleId: id} }

// InvalidArgumentError is returned when a schedule spec is not a stream-size
// schedule, or otherwise malformed.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "streamsched: invalid argument: " + e.Reason
}

func NewInvalidArgument(reason string) error { return &InvalidArgumentError{Reason: reason} }

// FeedError wraps a failure subscribing to a stream's notification feed.
type FeedError struct {
	StreamId StreamId
	Err      error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("streamsched: feed error for stream %q: %v", e.StreamId, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

func NewFeedError(stream StreamId, err error) error {
	return &FeedError{StreamId: stream, Err: err}
}

// FeedNotFoundError is a specialization of FeedError for an unknown feed.
type FeedNotFoundError struct {
	StreamId StreamId
}

func (e *FeedNotFoundError) Error() string {
	return fmt.Sprintf("streamsched: feed not found for stream %q", e.StreamId)
}

func NewFeedNotFound(stream StreamId) error { return &FeedNotFoundError{StreamId: stream} }

// ProbeError wraps a failure querying a stream's current size.
type ProbeError struct {
	StreamId StreamId
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("streamsched: probe error for stream %q: %v", e.StreamId, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func NewProbeError(stream StreamId, err error) error {
	return &ProbeError{StreamId: stream, Err: err}
}

// DispatchError wraps a terminal program-dispatch failure for one firing
// attempt.
type DispatchError struct {
	ScheduleId ScheduleId
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("streamsched: dispatch error for %q: %v", e.ScheduleId, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func NewDispatchError(id ScheduleId, err error) error {
	return &DispatchError{ScheduleId: id, Err: err}
}

// DispatchRefireError is a dispatch failure the dispatcher has flagged as
// safe to retry immediately, with no backoff and no watermark change (§4.3,
// §7).
type DispatchRefireError struct {
	ScheduleId ScheduleId
	Err        error
}

func (e *DispatchRefireError) Error() string {
	return fmt.Sprintf("streamsched: dispatch refire for %q: %v", e.ScheduleId, e.Err)
}

func (e *DispatchRefireError) Unwrap() error { return e.Err }

func NewDispatchRefireError(id ScheduleId, err error) error {
	return &DispatchRefireError{ScheduleId: id, Err: err}
}

// IsRefireError reports whether err signals that the dispatch call itself
// (not the launched program) should be retried immediately.
func IsRefireError(err error) bool {
	_, ok := err.(*DispatchRefireError)
	return ok
}
