package streamsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	rtsup "streamsched/internal/runtime/supervisor"
	logx "streamsched/pkg/logx"
)

// errSubscriberRetired is returned by addTask when it loses the race
// against a concurrent tryRetire: the Subscriber was emptied and marked for
// teardown between the registry's lookup and this call. The caller must
// retry against a fresh Subscriber rather than attach to a dead one.
var errSubscriberRetired = errors.New("streamsched: subscriber retired")

// pollJob is one unit of work handed to the registry's shared polling pool
// (§5: "a shared scheduled-polling pool with a small fixed size").
type pollJob struct {
	sub *Subscriber
}

// Subscriber bridges push notifications and polling fallback into a single
// monotone observation stream for every Task targeting one stream (§4.2).
type Subscriber struct {
	streamId StreamId

	admin    StreamAdmin
	notifier NotificationService
	pollQ    chan pollJob
	pollDelay func() time.Duration

	log logx.Logger
	// sup runs this Subscriber's own notification-delivery fan-out; one
	// Subscriber owns one cached, unbounded delivery pool (§5).
	sup *rtsup.Supervisor

	// tasks and activeTaskCount are guarded by mu, the Subscriber's own
	// per-object-monitor guard (§5). retired is guarded by the same lock so
	// that "this Subscriber is empty, retire it" and "attach a new task to
	// this Subscriber" can never interleave (§4.1 "Concurrency") - it is set
	// exactly once, atomically with the emptiness check, by tryRetire().
	mu              sync.Mutex
	tasks           map[ScheduleId]*ScheduleTask
	activeTaskCount int
	streamCfg       StreamConfig
	retired         bool

	// obsMu is the dedicated guard for lastObservation (§4.2).
	obsMu           sync.Mutex
	lastObservation *SizeObservation

	// sub and pollTimer are this Subscriber's notification subscription and
	// polling handles (§3).
	handleMu  sync.Mutex
	sub       Cancellable
	pollTimer *time.Timer
	cancelled bool
}

func newSubscriber(stream StreamId, admin StreamAdmin, notifier NotificationService, pollQ chan pollJob, pollDelay func() time.Duration, log logx.Logger) *Subscriber {
	return &Subscriber{
		streamId:  stream,
		admin:     admin,
		notifier:  notifier,
		pollQ:     pollQ,
		pollDelay: pollDelay,
		log:       log.With(logx.String("stream", stream.String())),
		tasks:     make(map[ScheduleId]*ScheduleTask),
	}
}

// start subscribes to the stream's size-change feed (§4.2). On failure the
// caller (Registry) must not keep this Subscriber registered.
func (s *Subscriber) start(ctx context.Context) error {
	s.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	cfg, err := s.admin.GetConfig(ctx, s.streamId)
	if err != nil {
		return NewFeedNotFound(s.streamId)
	}
	s.mu.Lock()
	s.streamCfg = cfg
	s.mu.Unlock()

	sub, err := s.notifier.Subscribe(ctx, sizeFeed(s.streamId), s.onPushObservation)
	if err != nil {
		return NewFeedError(s.streamId, err)
	}
	s.handleMu.Lock()
	s.sub = sub
	s.handleMu.Unlock()
	return nil
}

// cancel releases the notification subscription and any pending poll. It
// does not remove the Subscriber from the registry (§4.2 "Shutdown").
func (s *Subscriber) cancel() {
	s.handleMu.Lock()
	s.cancelled = true
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.handleMu.Unlock()

	if s.sup != nil {
		_ = s.sup.Stop(context.Background())
	}
}

// onPushObservation is the handler registered with NotificationService.
func (s *Subscriber) onPushObservation(obs SizeObservation) {
	s.ingest(context.Background(), obs)
}

// addTask implements §4.2 "Adding a task".
func (s *Subscriber) addTask(ctx context.Context, task *ScheduleTask, baseSize, baseTs int64, active bool, persist bool) error {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return errSubscriberRetired
	}
	if _, exists := s.tasks[task.id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("streamsched: schedule %q already exists", task.id)
	}
	s.tasks[task.id] = task
	if active {
		s.activeTaskCount++
	}
	s.mu.Unlock()

	if baseSize == NoSeed && baseTs == NoSeed {
		obs, err := s.probe(ctx)
		if err != nil {
			return err
		}
		task.seedWatermark(obs)

		s.obsMu.Lock()
		s.lastObservation = &obs
		s.obsMu.Unlock()
	}

	if persist && task.store != nil {
		rec := TaskRecord{
			ScheduleId: task.id,
			StreamName: task.spec.StreamName,
			Spec:       task.spec,
			ProgramRef: task.programRef,
			BaseSize:   task.baseSize,
			BaseTs:     task.baseTs,
			Active:     active,
		}
		if err := task.store.Upsert(ctx, rec); err != nil {
			s.log.Warn("failed to persist new schedule", logx.String("schedule", task.id.String()), logx.Err(err))
		}
	}

	s.obsMu.Lock()
	last := s.lastObservation
	s.obsMu.Unlock()
	if last != nil {
		s.deliverToActiveTasks(ctx, *last)
	}

	s.ensurePolling()
	return nil
}

// removeTask implements the Subscriber side of Registry.delete; it reports
// whether the Subscriber is now empty (and should be torn down).
func (s *Subscriber) removeTask(id ScheduleId) (empty bool, wasActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return len(s.tasks) == 0, false
	}
	wasActive = t.Active()
	delete(s.tasks, id)
	if wasActive && s.activeTaskCount > 0 {
		s.activeTaskCount--
	}
	return len(s.tasks) == 0, wasActive
}

// tryRetire reports whether this Subscriber is currently empty and, if so,
// atomically marks it retired so that any addTask racing with the caller's
// subsequent teardown is rejected (via errSubscriberRetired) instead of
// silently attaching a task to a Subscriber the registry is about to remove
// from streamMap (§4.1 "Concurrency"). Once retired, a Subscriber can never
// accept another task.
func (s *Subscriber) tryRetire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) != 0 || s.retired {
		return false
	}
	s.retired = true
	return true
}

func (s *Subscriber) getTask(id ScheduleId) (*ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// suspendTask/resumeTask maintain activeTaskCount alongside the Task's own
// flag (§5 invariant 1).
func (s *Subscriber) suspendTask(t *ScheduleTask) bool {
	if !t.suspend() {
		return false
	}
	s.mu.Lock()
	if s.activeTaskCount > 0 {
		s.activeTaskCount--
	}
	s.mu.Unlock()
	return true
}

func (s *Subscriber) resumeTask(ctx context.Context, t *ScheduleTask) bool {
	if !t.resume() {
		return false
	}
	s.mu.Lock()
	s.activeTaskCount++
	count := s.activeTaskCount
	s.mu.Unlock()

	// Resume wake-up (§4.2): if this is the transition 0->1, make sure the
	// watermark isn't stale before the next regular poll/notification. This
	// task was not being delivered observations while suspended (polling
	// pauses with no active tasks, and received() drops everything for an
	// inactive task), so whatever the probe reports here is seeded directly
	// as the new baseline rather than run through the threshold check -
	// otherwise growth that happened entirely during suspension would cause
	// an immediate retroactive firing on resume (§8 invariant 7, scenario 6).
	if count == 1 {
		s.obsMu.Lock()
		stale := s.lastObservation == nil
		if !stale {
			delay := time.Duration(0)
			if s.pollDelay != nil {
				delay = s.pollDelay()
			}
			stale = nowMillis()-s.lastObservation.Ts > delay.Milliseconds()
		}
		s.obsMu.Unlock()

		if stale {
			if obs, err := s.probe(ctx); err == nil {
				s.obsMu.Lock()
				s.lastObservation = &obs
				s.obsMu.Unlock()
				t.seedWatermark(obs)
			}
		} else {
			s.obsMu.Lock()
			last := s.lastObservation
			s.obsMu.Unlock()
			if last != nil {
				t.seedWatermark(*last)
			}
		}
	}
	s.ensurePolling()
	return true
}

// ingest implements §4.2 "Observation handling": the shared path for both
// push notifications and polls.
func (s *Subscriber) ingest(ctx context.Context, obs SizeObservation) {
	s.obsMu.Lock()
	if s.lastObservation != nil && obs.Ts <= s.lastObservation.Ts {
		s.obsMu.Unlock()
		return
	}
	s.lastObservation = &obs
	s.obsMu.Unlock()

	s.deliverToActiveTasks(ctx, obs)
	s.reschedulePoll()
}

func (s *Subscriber) deliverToActiveTasks(ctx context.Context, obs SizeObservation) {
	s.mu.Lock()
	active := make([]*ScheduleTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Active() {
			active = append(active, t)
		}
	}
	s.mu.Unlock()

	for _, t := range active {
		task := t
		name := "deliver." + task.id.String()
		s.sup.Go0(name, func(c context.Context) {
			task.received(c, obs)
		})
	}
}

// ensurePolling schedules a poll if one is not already pending and there is
// at least one active task.
func (s *Subscriber) ensurePolling() {
	s.mu.Lock()
	hasActive := s.activeTaskCount > 0
	s.mu.Unlock()
	if !hasActive {
		return
	}

	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.cancelled || s.pollTimer != nil {
		return
	}
	s.pollTimer = time.AfterFunc(s.nextPollDelay(), s.onPollDue)
}

// reschedulePoll implements §4.2 step 4: cancel any pending poll and
// schedule the next one. Cancellation does not interrupt an in-flight poll.
func (s *Subscriber) reschedulePoll() {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.cancelled {
		return
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	s.pollTimer = time.AfterFunc(s.nextPollDelay(), s.onPollDue)
}

func (s *Subscriber) nextPollDelay() time.Duration {
	if s.pollDelay != nil {
		if d := s.pollDelay(); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

func (s *Subscriber) onPollDue() {
	s.handleMu.Lock()
	s.pollTimer = nil
	cancelled := s.cancelled
	s.handleMu.Unlock()
	if cancelled {
		return
	}

	s.mu.Lock()
	hasActive := s.activeTaskCount > 0
	s.mu.Unlock()
	if !hasActive {
		// Polling pauses automatically while every task is suspended.
		return
	}

	select {
	case s.pollQ <- pollJob{sub: s}:
	default:
		// Shared poll pool is saturated; try again next cycle instead of
		// blocking the timer goroutine.
		s.ensurePolling()
	}
}

// runPoll is invoked by a worker in the registry's shared polling pool.
func (s *Subscriber) runPoll(ctx context.Context) {
	obs, err := s.probe(ctx)
	if err != nil {
		s.log.Debug("poll failed", logx.Err(err))
		s.reschedulePoll()
		return
	}
	s.ingest(ctx, obs)
}

func (s *Subscriber) probe(ctx context.Context) (SizeObservation, error) {
	s.mu.Lock()
	cfg := s.streamCfg
	s.mu.Unlock()

	if cfg == nil {
		c, err := s.admin.GetConfig(ctx, s.streamId)
		if err != nil {
			return SizeObservation{}, NewProbeError(s.streamId, err)
		}
		cfg = c
		s.mu.Lock()
		s.streamCfg = cfg
		s.mu.Unlock()
	}

	obs, err := s.admin.FetchStreamSize(ctx, cfg)
	if err != nil {
		return SizeObservation{}, NewProbeError(s.streamId, err)
	}
	s.log.Debug("probed stream size", logx.String("size", humanize.Bytes(uint64(obs.Size))))
	return obs, nil
}
