package streamsched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	logx "streamsched/pkg/logx"
)

// activeFlag backs ScheduleTask.active with a compare-and-set bool, per
// §5's "atomic compare-and-set for active".
type activeFlag struct {
	v atomic.Bool
}

func (f *activeFlag) get() bool { return f.v.Load() }

// suspend transitions ACTIVE->SUSPENDED and reports whether it did.
func (f *activeFlag) suspend() bool { return f.v.CompareAndSwap(true, false) }

// resume transitions SUSPENDED->ACTIVE and reports whether it did.
func (f *activeFlag) resume() bool { return f.v.CompareAndSwap(false, true) }

// ScheduleTask is the in-memory state of one schedule (§4.3). Its watermark
// and firing logic are serialized by mu so a single observation can never
// cause two firings even if delivered twice.
type ScheduleTask struct {
	id         ScheduleId
	spec       ScheduleSpec
	programRef ProgramRef

	active activeFlag

	mu       sync.Mutex
	baseSize int64
	baseTs   int64

	dispatcher ProgramDispatcher
	store      ScheduleStore
	log        logx.Logger
}

func newScheduleTask(id ScheduleId, spec ScheduleSpec, programRef ProgramRef, baseSize, baseTs int64, active bool, dispatcher ProgramDispatcher, store ScheduleStore, log logx.Logger) *ScheduleTask {
	t := &ScheduleTask{
		id:         id,
		spec:       spec,
		programRef: programRef,
		baseSize:   baseSize,
		baseTs:     baseTs,
		dispatcher: dispatcher,
		store:      store,
		log:        log,
	}
	t.active.v.Store(active)
	return t
}

func (t *ScheduleTask) Active() bool { return t.active.get() }

func (t *ScheduleTask) suspend() bool { return t.active.suspend() }
func (t *ScheduleTask) resume() bool  { return t.active.resume() }

func (t *ScheduleTask) watermark() (size, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseSize, t.baseTs
}

// seedWatermark installs obs as the task's baseline directly, without
// running it through the threshold check in received(). It is used
// wherever a probe stands in for history the task never actually observed
// (initial creation, resume wake-up after suspension) so that accumulated
// size the task was never delivered cannot trigger a firing (§8 invariant
// 7: resume never causes retroactive firings).
func (t *ScheduleTask) seedWatermark(obs SizeObservation) {
	t.mu.Lock()
	t.baseSize = obs.Size
	t.baseTs = obs.Ts
	t.mu.Unlock()
}

// received applies one observation to the task (§4.3). It is the single
// entry point used by both the push and poll delivery paths.
func (t *ScheduleTask) received(ctx context.Context, obs SizeObservation) {
	if !t.Active() {
		return
	}

	t.mu.Lock()
	threshold := t.spec.thresholdBytes()

	// Truncation case: the stream shrank since our last watermark. Rebase
	// without firing.
	if obs.Size < t.baseSize {
		t.baseSize = obs.Size
		t.baseTs = obs.Ts
		t.mu.Unlock()
		t.log.Debug("stream truncated, watermark rebased",
			logx.String("schedule", t.id.String()),
			logx.String("size", humanize.Bytes(uint64(obs.Size))),
			logx.Int64("ts", obs.Ts),
		)
		return
	}

	// Below threshold: nothing to do yet.
	if obs.Size < t.baseSize+threshold {
		t.mu.Unlock()
		return
	}

	// Firing: capture the past watermark, advance to the new one before
	// dispatch so a concurrent observation during dispatch sees the new
	// baseline.
	pastRunSize := t.baseSize
	pastRunTs := t.baseTs
	t.baseSize = obs.Size
	t.baseTs = obs.Ts
	t.mu.Unlock()

	t.fire(ctx, obs, pastRunSize, pastRunTs)
}

func (t *ScheduleTask) fire(ctx context.Context, obs SizeObservation, pastRunSize, pastRunTs int64) {
	args := DispatchArgs{
		ScheduleName:            t.id.ScheduleName,
		LogicalStartTime:        obs.Ts,
		RunDataSize:             obs.Size,
		PastRunLogicalStartTime: pastRunTs,
		PastRunDataSize:         pastRunSize,
	}

	if t.store != nil {
		rec := TaskRecord{
			ScheduleId: t.id,
			StreamName: t.spec.StreamName,
			Spec:       t.spec,
			ProgramRef: t.programRef,
			BaseSize:   obs.Size,
			BaseTs:     obs.Ts,
			Active:     true,
		}
		if err := t.store.Upsert(ctx, rec); err != nil {
			t.log.Warn("failed to persist watermark before firing",
				logx.String("schedule", t.id.String()), logx.Err(err))
		}
	}

	for {
		err := t.dispatcher.Run(ctx, t.programRef, t.id, args)
		if err == nil {
			t.log.Info("schedule fired",
				logx.String("schedule", t.id.String()),
				logx.String("run_size", humanize.Bytes(uint64(args.RunDataSize))),
				logx.Int64("logical_start_time", args.LogicalStartTime),
			)
			return
		}
		if IsRefireError(err) {
			t.log.Debug("dispatch refire", logx.String("schedule", t.id.String()), logx.Err(err))
			continue
		}
		t.log.Warn("dispatch failed", logx.String("schedule", t.id.String()), logx.Err(err))
		return
	}
}
