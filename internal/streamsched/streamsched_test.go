package streamsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "streamsched/pkg/logx"
)

// fakeAdmin serves a fixed size for every configured stream until told
// otherwise, so tests can drive polls deterministically.
type fakeAdmin struct {
	mu    sync.Mutex
	sizes map[StreamId]int64
	ts    map[StreamId]int64
	err   error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{sizes: map[StreamId]int64{}, ts: map[StreamId]int64{}}
}

func (a *fakeAdmin) GetConfig(_ context.Context, stream StreamId) (StreamConfig, error) {
	return stream, nil
}

func (a *fakeAdmin) FetchStreamSize(_ context.Context, cfg StreamConfig) (SizeObservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return SizeObservation{}, a.err
	}
	stream := cfg.(StreamId)
	return SizeObservation{Size: a.sizes[stream], Ts: a.ts[stream]}, nil
}

func (a *fakeAdmin) set(stream StreamId, size, ts int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizes[stream] = size
	a.ts[stream] = ts
}

// fakeNotifier lets a test push observations directly to whatever handler
// was registered for a feed, without any bus in between.
type fakeNotifier struct {
	mu       sync.Mutex
	handlers map[FeedRef]func(SizeObservation)
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{handlers: map[FeedRef]func(SizeObservation){}}
}

func (n *fakeNotifier) Subscribe(_ context.Context, feed FeedRef, handler func(SizeObservation)) (Cancellable, error) {
	n.mu.Lock()
	n.handlers[feed] = handler
	n.mu.Unlock()
	return cancelFunc(func() {
		n.mu.Lock()
		delete(n.handlers, feed)
		n.mu.Unlock()
	}), nil
}

func (n *fakeNotifier) push(feed FeedRef, obs SizeObservation) {
	n.mu.Lock()
	h := n.handlers[feed]
	n.mu.Unlock()
	if h != nil {
		h(obs)
	}
}

type cancelFunc func()

func (c cancelFunc) Cancel() { c() }

// fakeDispatcher records every fired run and can be told to fail/refire N
// times before succeeding.
type fakeDispatcher struct {
	mu      sync.Mutex
	runs    []DispatchArgs
	failN   int
	refireN int
}

func (d *fakeDispatcher) Run(_ context.Context, _ ProgramRef, _ ScheduleId, args DispatchArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refireN > 0 {
		d.refireN--
		return NewDispatchRefireError(ScheduleId{}, errors.New("queue full"))
	}
	if d.failN > 0 {
		d.failN--
		return NewDispatchError(ScheduleId{}, errors.New("boom"))
	}
	d.runs = append(d.runs, args)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

func (d *fakeDispatcher) last() DispatchArgs {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[len(d.runs)-1]
}

// fakeStore is an in-memory ScheduleStore for recovery/persistence tests.
type fakeStore struct {
	mu   sync.Mutex
	recs map[ScheduleId]TaskRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[ScheduleId]TaskRecord{}}
}

func (s *fakeStore) Upsert(_ context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ScheduleId] = rec
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id ScheduleId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *fakeStore) ListAll(_ context.Context) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func testRegistry(admin StreamAdmin, notifier NotificationService, dispatcher ProgramDispatcher, store ScheduleStore) *Registry {
	return New(admin, notifier, dispatcher, store, logx.Nop(), Config{PollingDelay: time.Hour, PollWorkers: 2})
}

func testRegistryWithPolling(admin StreamAdmin, notifier NotificationService, dispatcher ProgramDispatcher, store ScheduleStore, pollingDelay time.Duration) *Registry {
	return New(admin, notifier, dispatcher, store, logx.Nop(), Config{PollingDelay: pollingDelay, PollWorkers: 2})
}

func mustStart(t *testing.T, r *Registry) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestScheduleFiresOnThresholdCrossing(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	feed := sizeFeed(stream)
	notifier.push(feed, SizeObservation{Size: 2 << 20, Ts: 2000})

	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
	got := disp.last()
	if got.RunDataSize != 2<<20 {
		t.Fatalf("RunDataSize = %d, want %d", got.RunDataSize, 2<<20)
	}
	if got.PastRunDataSize != 0 {
		t.Fatalf("PastRunDataSize = %d, want 0", got.PastRunDataSize)
	}
	if got.LogicalStartTime != 2000 {
		t.Fatalf("LogicalStartTime = %d, want 2000", got.LogicalStartTime)
	}
}

func TestScheduleBelowThresholdDoesNotFire(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 10}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 1 << 20, Ts: 2000})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count = %d, want 0", disp.count())
	}
}

func TestTruncationRebasesWithoutFiring(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 5<<20, 1000)

	if err := reg.ScheduleWithState(ctx, program, spec, 5<<20, 1000, true, false); err != nil {
		t.Fatalf("ScheduleWithState: %v", err)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 1 << 20, Ts: 2000})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count = %d, want 0 (truncation must not fire)", disp.count())
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: (1 << 20) + (1 << 20), Ts: 3000})
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
}

func TestSuspendedTaskIgnoresObservations(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := reg.Suspend(ctx, program, spec.ScheduleName); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got := reg.State(program, spec.ScheduleName); got != StateSuspended {
		t.Fatalf("State = %v, want SUSPENDED", got)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 5 << 20, Ts: 2000})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count = %d, want 0 (suspended task must not fire)", disp.count())
	}

	if err := reg.Resume(ctx, program, spec.ScheduleName); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := reg.State(program, spec.ScheduleName); got != StateScheduled {
		t.Fatalf("State = %v, want SCHEDULED", got)
	}
}

func TestStaleObservationIsRejected(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 2 << 20, Ts: 5000})
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })

	// Same timestamp, bigger size: must be rejected as stale (strict <=).
	notifier.push(sizeFeed(stream), SizeObservation{Size: 10 << 20, Ts: 5000})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 1 {
		t.Fatalf("count = %d, want 1 (same-ts observation must be rejected)", disp.count())
	}
}

func TestDeleteRemovesScheduleAndTearsDownEmptySubscriber(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := reg.Delete(ctx, program, spec.ScheduleName); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := reg.State(program, spec.ScheduleName); got != StateNotFound {
		t.Fatalf("State = %v, want NOT_FOUND", got)
	}
	if err := reg.Delete(ctx, program, spec.ScheduleName); err == nil {
		t.Fatal("expected NotFoundError deleting twice")
	}
}

func TestListIdsScopedToProgramPrefix(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	progA := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "a"}
	progB := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "b"}
	admin.set(StreamId{Namespace: "ns", Name: "s1"}, 0, 1000)
	admin.set(StreamId{Namespace: "ns", Name: "s2"}, 0, 1000)

	if err := reg.Schedule(ctx, progA, ScheduleSpec{StreamName: "s1", ScheduleName: "one", DataTriggerMB: 1}); err != nil {
		t.Fatalf("Schedule A: %v", err)
	}
	if err := reg.Schedule(ctx, progA, ScheduleSpec{StreamName: "s1", ScheduleName: "two", DataTriggerMB: 1}); err != nil {
		t.Fatalf("Schedule A2: %v", err)
	}
	if err := reg.Schedule(ctx, progB, ScheduleSpec{StreamName: "s2", ScheduleName: "one", DataTriggerMB: 1}); err != nil {
		t.Fatalf("Schedule B: %v", err)
	}

	ids := reg.ListIds(progA)
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	for _, id := range ids {
		if id.ProgramName != "a" {
			t.Fatalf("unexpected id leaked from other program: %v", id)
		}
	}
}

func TestRecoveryReplaysPersistedSchedules(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	store := newFakeStore()

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	id := program.scheduleId("sched")
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	store.recs[id] = TaskRecord{
		ScheduleId: id,
		StreamName: "orders",
		Spec:       spec,
		ProgramRef: program,
		BaseSize:   0,
		BaseTs:     1000,
		Active:     true,
	}

	reg := testRegistry(admin, notifier, disp, store)
	ctx := mustStart(t, reg)

	if got := reg.State(program, "sched"); got != StateScheduled {
		t.Fatalf("State after recovery = %v, want SCHEDULED", got)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 2 << 20, Ts: 2000})
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
	_ = ctx
}

func TestRefireErrorRetriesDispatchUntilSuccess(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{refireN: 2}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 2 << 20, Ts: 2000})
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
}

// TestTwoSchedulesSameStreamFireIndependently exercises §8 scenario #4:
// two active schedules on the same stream with different thresholds see
// every push, but each fires only against its own threshold and watermark.
func TestTwoSchedulesSameStreamFireIndependently(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 0)

	specA := ScheduleSpec{StreamName: "orders", ScheduleName: "a", DataTriggerMB: 1}
	specB := ScheduleSpec{StreamName: "orders", ScheduleName: "b", DataTriggerMB: 3}
	if err := reg.ScheduleWithState(ctx, program, specA, 0, 0, true, false); err != nil {
		t.Fatalf("ScheduleWithState A: %v", err)
	}
	if err := reg.ScheduleWithState(ctx, program, specB, 0, 0, true, false); err != nil {
		t.Fatalf("ScheduleWithState B: %v", err)
	}

	runsFor := func(name string) func() []DispatchArgs {
		return func() []DispatchArgs {
			disp.mu.Lock()
			defer disp.mu.Unlock()
			var out []DispatchArgs
			for _, r := range disp.runs {
				if r.ScheduleName == name {
					out = append(out, r)
				}
			}
			return out
		}
	}
	countFor := func(name string) int { return len(runsFor(name)()) }

	feed := sizeFeed(stream)
	notifier.push(feed, SizeObservation{Size: 1_500_000, Ts: 100})
	waitFor(t, time.Second, func() bool { return countFor("a") == 1 })
	time.Sleep(20 * time.Millisecond)
	if countFor("b") != 0 {
		t.Fatalf("b count after push 1 = %d, want 0", countFor("b"))
	}

	notifier.push(feed, SizeObservation{Size: 3_200_000, Ts: 200})
	waitFor(t, time.Second, func() bool { return countFor("a") == 2 && countFor("b") == 1 })

	notifier.push(feed, SizeObservation{Size: 3_300_000, Ts: 300})
	time.Sleep(30 * time.Millisecond)
	if countFor("a") != 2 {
		t.Fatalf("a count after push 3 = %d, want 2 (below its own threshold)", countFor("a"))
	}
	if countFor("b") != 1 {
		t.Fatalf("b count after push 3 = %d, want 1 (below its own threshold)", countFor("b"))
	}

	aRuns := runsFor("a")()
	if aRuns[0].RunDataSize != 1_500_000 || aRuns[1].RunDataSize != 3_200_000 {
		t.Fatalf("a runs = %+v, want sizes 1_500_000, 3_200_000", aRuns)
	}
	bRuns := runsFor("b")()
	if bRuns[0].RunDataSize != 3_200_000 {
		t.Fatalf("b run = %+v, want size 3_200_000", bRuns)
	}
}

// TestPollingOnlyFallbackFiresWithoutNotifications exercises §8 scenario #5:
// a stream that never delivers a push notification still fires purely from
// the polling fallback, at the configured pollingDelay cadence.
func TestPollingOnlyFallbackFiresWithoutNotifications(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistryWithPolling(admin, notifier, disp, nil, 30*time.Millisecond)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 0)

	if err := reg.ScheduleWithState(ctx, program, spec, 0, 0, true, false); err != nil {
		t.Fatalf("ScheduleWithState: %v", err)
	}

	// No notifier.push call anywhere in this test: every observation the
	// task sees must come from the shared polling pool.
	admin.set(stream, 1_100_000, 100)
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
	got := disp.last()
	if got.RunDataSize != 1_100_000 {
		t.Fatalf("RunDataSize = %d, want 1_100_000", got.RunDataSize)
	}
}

// TestResumeAfterSuspensionSeedsWithoutFiring exercises §8 scenario #6 and
// invariant 7: growth that accumulates entirely while a schedule is
// suspended must not produce a firing when the schedule is resumed.
func TestResumeAfterSuspensionSeedsWithoutFiring(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistryWithPolling(admin, notifier, disp, nil, 20*time.Millisecond)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 0)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := reg.Suspend(ctx, program, spec.ScheduleName); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// Stream grows well past threshold while suspended; no observation is
	// ever delivered to the suspended task while this happens.
	admin.set(stream, 5<<20, 1000)
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count before resume = %d, want 0", disp.count())
	}

	// Let the seeded lastObservation go stale relative to pollingDelay so
	// resume takes the fresh-probe branch rather than the cached one.
	time.Sleep(40 * time.Millisecond)

	if err := reg.Resume(ctx, program, spec.ScheduleName); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Give the resume wake-up probe time to run, then confirm it never
	// fired for growth accumulated during suspension.
	time.Sleep(80 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count after resume = %d, want 0 (resume must not fire retroactively)", disp.count())
	}

	// A genuinely new push after resume must still fire normally.
	notifier.push(sizeFeed(stream), SizeObservation{Size: (5 << 20) + (2 << 20), Ts: 9000})
	waitFor(t, time.Second, func() bool { return disp.count() == 1 })
}

// TestConcurrentScheduleAndDeleteOnSameStream races a schedule/delete pair
// on an already-populated stream to exercise the addTask/tryRetire
// interlock (§4.1 "Concurrency"): Schedule must never leave scheduleIx
// pointing at a Subscriber that Delete has already removed from streamMap.
func TestConcurrentScheduleAndDeleteOnSameStream(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	const rounds = 50
	for i := 0; i < rounds; i++ {
		first := ScheduleSpec{StreamName: "orders", ScheduleName: fmt.Sprintf("first-%d", i), DataTriggerMB: 1}
		second := ScheduleSpec{StreamName: "orders", ScheduleName: fmt.Sprintf("second-%d", i), DataTriggerMB: 1}

		if err := reg.Schedule(ctx, program, first); err != nil {
			t.Fatalf("round %d: Schedule first: %v", i, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		var scheduleErr, deleteErr error
		go func() {
			defer wg.Done()
			scheduleErr = reg.Schedule(ctx, program, second)
		}()
		go func() {
			defer wg.Done()
			deleteErr = reg.Delete(ctx, program, first.ScheduleName)
		}()
		wg.Wait()

		if scheduleErr != nil {
			t.Fatalf("round %d: concurrent Schedule: %v", i, scheduleErr)
		}
		if deleteErr != nil {
			t.Fatalf("round %d: concurrent Delete: %v", i, deleteErr)
		}

		// The invariant under test: every scheduleIx entry must point at a
		// Subscriber present in streamMap. Exercise it indirectly by
		// requiring the surviving schedule to still observe and fire.
		admin.set(stream, 0, int64(2000+i))
		notifier.push(sizeFeed(stream), SizeObservation{Size: 2 << 20, Ts: int64(3000 + i)})
		waitFor(t, time.Second, func() bool { return disp.count() == i+1 })

		if err := reg.Delete(ctx, program, second.ScheduleName); err != nil {
			t.Fatalf("round %d: cleanup Delete second: %v", i, err)
		}
	}
}

func TestNonRefireDispatchErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	admin := newFakeAdmin()
	notifier := newFakeNotifier()
	disp := &fakeDispatcher{failN: 1}
	reg := testRegistry(admin, notifier, disp, nil)
	ctx := mustStart(t, reg)

	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	spec := ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 1}
	stream := StreamId{Namespace: "ns", Name: "orders"}
	admin.set(stream, 0, 1000)

	if err := reg.Schedule(ctx, program, spec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	notifier.push(sizeFeed(stream), SizeObservation{Size: 2 << 20, Ts: 2000})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("count = %d, want 0 (non-refire error must not retry)", disp.count())
	}
}
