package streamsched

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "streamsched/internal/runtime/supervisor"
	logx "streamsched/pkg/logx"
)

// Config controls registry-wide behavior (§6's configuration key).
type Config struct {
	// PollingDelay is scheduler.streamSize.polling.delay.seconds, converted
	// to a duration at startup and on every hot reload.
	PollingDelay time.Duration
	// PollWorkers sizes the shared fixed-size polling pool (§5).
	PollWorkers int
}

func (c Config) withDefaults() Config {
	if c.PollingDelay <= 0 {
		c.PollingDelay = 30 * time.Second
	}
	if c.PollWorkers <= 0 {
		c.PollWorkers = 10
	}
	return c
}

// Registry is the scheduler façade (§4.1): two maps from StreamId/ScheduleId
// to Subscriber, plus the create/suspend/resume/delete/query operations.
type Registry struct {
	admin      StreamAdmin
	notifier   NotificationService
	dispatcher ProgramDispatcher
	store      ScheduleStore
	log        logx.Logger

	// mu is the registry's single mutual-exclusion region covering
	// structural create/delete (§4.1 "Concurrency").
	mu         sync.Mutex
	cfg        Config
	streamMap  map[StreamId]*Subscriber
	scheduleIx map[ScheduleId]*Subscriber
	// scheduleKeys is kept sorted so listIds/deleteAll can do the §4.1
	// prefix range scan over ScheduleId's lexicographic order.
	scheduleKeys []string

	pollQ  chan pollJob
	pollWG sync.WaitGroup
	sup    *rtsup.Supervisor
	stopCh chan struct{}
}

// New constructs a Registry. Start must be called before use.
func New(admin StreamAdmin, notifier NotificationService, dispatcher ProgramDispatcher, store ScheduleStore, log logx.Logger, cfg Config) *Registry {
	return &Registry{
		admin:      admin,
		notifier:   notifier,
		dispatcher: dispatcher,
		store:      store,
		log:        log,
		cfg:        cfg.withDefaults(),
		streamMap:  make(map[StreamId]*Subscriber),
		scheduleIx: make(map[ScheduleId]*Subscriber),
	}
}

// Start spins up the shared polling pool (§5). It also replays any
// previously persisted schedules from the ScheduleStore, re-scheduling each
// with its saved watermark (§C "Recovery on startup").
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	workers := r.cfg.PollWorkers
	r.pollQ = make(chan pollJob, workers*4)
	r.stopCh = make(chan struct{})
	r.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	q := r.pollQ
	sup := r.sup
	r.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0("poll-worker", func(c context.Context) {
			r.pollWorker(c, q)
		})
	}

	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListAll(ctx)
	if err != nil {
		r.log.Warn("failed to list persisted schedules", logx.Err(err))
		return nil
	}
	for _, rec := range recs {
		programRef := rec.ProgramRef
		spec := rec.Spec
		baseSize, baseTs := rec.BaseSize, rec.BaseTs
		if baseSize == 0 && baseTs == 0 {
			baseSize, baseTs = NoSeed, NoSeed
		}
		if err := r.schedule(ctx, programRef, spec, baseSize, baseTs, rec.Active, false); err != nil {
			r.log.Warn("failed to recover persisted schedule", logx.String("schedule", rec.ScheduleId.String()), logx.Err(err))
		}
	}
	return nil
}

func (r *Registry) pollWorker(ctx context.Context, q chan pollJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q:
			if !ok {
				return
			}
			job.sub.runPoll(ctx)
		}
	}
}

// Stop cancels every Subscriber and the shared polling pool.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.streamMap))
	for _, s := range r.streamMap {
		subs = append(subs, s)
	}
	sup := r.sup
	r.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// Apply hot-reloads the polling cadence. PollingDelay takes effect on each
// Subscriber's next scheduled poll. The shared poll pool is sized once in
// Start, so a PollWorkers change only takes effect on the next Start.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) pollingDelay() time.Duration {
	r.mu.Lock()
	d := r.cfg.PollingDelay
	r.mu.Unlock()
	return d
}

// Schedule implements §4.1 schedule(). baseSize/baseTs of NoSeed request a
// fresh probe to seed the watermark.
func (r *Registry) Schedule(ctx context.Context, program ProgramRef, spec ScheduleSpec) error {
	return r.schedule(ctx, program, spec, NoSeed, NoSeed, true, true)
}

// ScheduleWithState is the §4.1 "Initial-state option" entry point used by
// recovery and by callers that already know a watermark.
func (r *Registry) ScheduleWithState(ctx context.Context, program ProgramRef, spec ScheduleSpec, baseSize, baseTs int64, active, persist bool) error {
	return r.schedule(ctx, program, spec, baseSize, baseTs, active, persist)
}

// ScheduleMany implements §4.1 scheduleMany(): not atomic, applied in order.
func (r *Registry) ScheduleMany(ctx context.Context, program ProgramRef, specs []ScheduleSpec) error {
	for _, spec := range specs {
		if err := r.Schedule(ctx, program, spec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) schedule(ctx context.Context, program ProgramRef, spec ScheduleSpec, baseSize, baseTs int64, active, persist bool) error {
	if err := spec.validate(); err != nil {
		return err
	}
	id := program.scheduleId(spec.ScheduleName)
	stream := StreamId{Namespace: program.Namespace, Name: spec.StreamName}

	const maxRetireRaces = 8
	for attempt := 0; ; attempt++ {
		sub, isNew, err := r.subscriberFor(ctx, stream)
		if err != nil {
			return err
		}

		task := newScheduleTask(id, spec, program, baseSize, baseTs, active, r.dispatcher, r.store, r.log)

		err = sub.addTask(ctx, task, baseSize, baseTs, active, persist)
		if err == errSubscriberRetired {
			// Lost the race against a concurrent delete that emptied and
			// retired this Subscriber between subscriberFor's lookup and
			// this addTask call (§4.1 "Concurrency"). The retiring side has
			// already removed it from streamMap and torn it down; retry
			// against a fresh one instead of calling removeEmptySubscriber
			// ourselves, which would race the same teardown a second time.
			if attempt+1 >= maxRetireRaces {
				return fmt.Errorf("streamsched: giving up scheduling %q after %d attempts racing subscriber teardown", id, maxRetireRaces)
			}
			continue
		}
		if err != nil {
			if isNew {
				r.removeEmptySubscriber(stream)
			}
			return err
		}

		r.mu.Lock()
		r.scheduleIx[id] = sub
		r.insertKeyLocked(id.String())
		r.mu.Unlock()
		return nil
	}
}

// subscriberFor returns the Subscriber for stream, creating and starting
// one if necessary. The map lookup-or-insert happens under the registry
// mutex, but a concurrent delete can still retire the returned Subscriber
// before the caller's addTask runs; addTask/tryRetire (subscriber.go) close
// that window by making "is this Subscriber empty, retire it" and "attach a
// task to it" mutually exclusive on the Subscriber's own lock, with the
// caller (schedule()) retrying on errSubscriberRetired (§4.1 "Concurrency").
func (r *Registry) subscriberFor(ctx context.Context, stream StreamId) (*Subscriber, bool, error) {
	r.mu.Lock()
	if sub, ok := r.streamMap[stream]; ok {
		r.mu.Unlock()
		return sub, false, nil
	}
	sub := newSubscriber(stream, r.admin, r.notifier, r.pollQ, func() time.Duration { return r.pollingDelay() }, r.log)
	r.streamMap[stream] = sub
	r.mu.Unlock()

	if err := sub.start(ctx); err != nil {
		r.mu.Lock()
		delete(r.streamMap, stream)
		r.mu.Unlock()
		return nil, false, err
	}
	return sub, true, nil
}

func (r *Registry) removeEmptySubscriber(stream StreamId) {
	r.mu.Lock()
	sub, ok := r.streamMap[stream]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !sub.tryRetire() {
		r.mu.Unlock()
		return
	}
	delete(r.streamMap, stream)
	r.mu.Unlock()
	sub.cancel()
}

// Suspend implements §4.1 suspend().
func (r *Registry) Suspend(ctx context.Context, program ProgramRef, scheduleName string) error {
	id := program.scheduleId(scheduleName)
	sub, task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if sub.suspendTask(task) && r.store != nil {
		rec := r.taskRecord(task)
		if err := r.store.Upsert(ctx, rec); err != nil {
			r.log.Warn("failed to persist suspend", logx.String("schedule", id.String()), logx.Err(err))
		}
	}
	return nil
}

// Resume implements §4.1 resume().
func (r *Registry) Resume(ctx context.Context, program ProgramRef, scheduleName string) error {
	id := program.scheduleId(scheduleName)
	sub, task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if sub.resumeTask(ctx, task) && r.store != nil {
		rec := r.taskRecord(task)
		if err := r.store.Upsert(ctx, rec); err != nil {
			r.log.Warn("failed to persist resume", logx.String("schedule", id.String()), logx.Err(err))
		}
	}
	return nil
}

// Delete implements §4.1 delete().
func (r *Registry) Delete(ctx context.Context, program ProgramRef, scheduleName string) error {
	id := program.scheduleId(scheduleName)

	r.mu.Lock()
	sub, ok := r.scheduleIx[id]
	if !ok {
		r.mu.Unlock()
		return NewNotFound(id)
	}
	delete(r.scheduleIx, id)
	r.removeKeyLocked(id.String())
	r.mu.Unlock()

	empty, _ := sub.removeTask(id)
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.log.Warn("failed to delete persisted schedule", logx.String("schedule", id.String()), logx.Err(err))
		}
	}
	if empty {
		r.removeEmptySubscriber(sub.streamId)
	}
	return nil
}

// DeleteAll implements §4.1 deleteAll(): every ScheduleId under one
// program's prefix.
func (r *Registry) DeleteAll(ctx context.Context, program ProgramRef) error {
	for _, id := range r.ListIds(program) {
		if err := r.Delete(ctx, program, id.ScheduleName); err != nil {
			if _, notFound := err.(*NotFoundError); !notFound {
				return err
			}
		}
	}
	return nil
}

// ListIds implements §4.1 listIds(): a prefix range scan in ScheduleId
// order.
func (r *Registry) ListIds(program ProgramRef) []ScheduleId {
	prefix := program.prefix()
	r.mu.Lock()
	defer r.mu.Unlock()

	lo := sort.SearchStrings(r.scheduleKeys, prefix)
	ids := make([]ScheduleId, 0)
	for i := lo; i < len(r.scheduleKeys); i++ {
		k := r.scheduleKeys[i]
		if !strings.HasPrefix(k, prefix) {
			break
		}
		id, err := ParseScheduleId(k)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// State implements §4.1 state().
func (r *Registry) State(program ProgramRef, scheduleName string) ScheduleState {
	id := program.scheduleId(scheduleName)
	r.mu.Lock()
	sub, ok := r.scheduleIx[id]
	r.mu.Unlock()
	if !ok {
		return StateNotFound
	}
	task, ok := sub.getTask(id)
	if !ok {
		return StateNotFound
	}
	if task.Active() {
		return StateScheduled
	}
	return StateSuspended
}

// NextRuntimes implements §4.1 nextRuntimes(): size-triggered schedules
// have no predictable next time.
func (r *Registry) NextRuntimes(ProgramRef, string) []time.Time {
	return nil
}

func (r *Registry) lookup(id ScheduleId) (*Subscriber, *ScheduleTask, error) {
	r.mu.Lock()
	sub, ok := r.scheduleIx[id]
	r.mu.Unlock()
	if !ok {
		return nil, nil, NewNotFound(id)
	}
	task, ok := sub.getTask(id)
	if !ok {
		return nil, nil, NewNotFound(id)
	}
	return sub, task, nil
}

func (r *Registry) taskRecord(t *ScheduleTask) TaskRecord {
	size, ts := t.watermark()
	return TaskRecord{
		ScheduleId: t.id,
		StreamName: t.spec.StreamName,
		Spec:       t.spec,
		ProgramRef: t.programRef,
		BaseSize:   size,
		BaseTs:     ts,
		Active:     t.Active(),
	}
}

// insertKeyLocked/removeKeyLocked maintain r.scheduleKeys sorted; callers
// must hold r.mu.
func (r *Registry) insertKeyLocked(key string) {
	i := sort.SearchStrings(r.scheduleKeys, key)
	if i < len(r.scheduleKeys) && r.scheduleKeys[i] == key {
		return
	}
	r.scheduleKeys = append(r.scheduleKeys, "")
	copy(r.scheduleKeys[i+1:], r.scheduleKeys[i:])
	r.scheduleKeys[i] = key
}

func (r *Registry) removeKeyLocked(key string) {
	i := sort.SearchStrings(r.scheduleKeys, key)
	if i >= len(r.scheduleKeys) || r.scheduleKeys[i] != key {
		return
	}
	r.scheduleKeys = append(r.scheduleKeys[:i], r.scheduleKeys[i+1:]...)
}
