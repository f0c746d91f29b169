package streamsched

// SubscriberSnapshot is a diagnostics view of one stream's coordinator,
// a diagnostics-view idiom shared with the CLI status subcommand.
type SubscriberSnapshot struct {
	Stream          string
	TaskCount       int
	ActiveTaskCount int
	HasObservation  bool
	LastSize        int64
	LastTs          int64
}

// TaskSnapshot is a diagnostics view of one schedule.
type TaskSnapshot struct {
	ScheduleId string
	Active     bool
	BaseSize   int64
	BaseTs     int64
}

// Snapshot is a point-in-time operator view of the whole registry.
type Snapshot struct {
	Streams   []SubscriberSnapshot
	Schedules []TaskSnapshot
}

// Snapshot renders the current registry state for diagnostics (status CLI,
// health checks). It takes the registry mutex only long enough to copy
// references, and each Subscriber/Task's own guard for their fields.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.streamMap))
	for _, s := range r.streamMap {
		subs = append(subs, s)
	}
	keys := append([]string(nil), r.scheduleKeys...)
	ix := make(map[ScheduleId]*Subscriber, len(r.scheduleIx))
	for k, v := range r.scheduleIx {
		ix[k] = v
	}
	r.mu.Unlock()

	out := Snapshot{
		Streams:   make([]SubscriberSnapshot, 0, len(subs)),
		Schedules: make([]TaskSnapshot, 0, len(keys)),
	}

	for _, s := range subs {
		s.mu.Lock()
		tc := len(s.tasks)
		atc := s.activeTaskCount
		s.mu.Unlock()

		s.obsMu.Lock()
		var lastSize, lastTs int64
		hasObs := s.lastObservation != nil
		if hasObs {
			lastSize, lastTs = s.lastObservation.Size, s.lastObservation.Ts
		}
		s.obsMu.Unlock()

		out.Streams = append(out.Streams, SubscriberSnapshot{
			Stream:          s.streamId.String(),
			TaskCount:       tc,
			ActiveTaskCount: atc,
			HasObservation:  hasObs,
			LastSize:        lastSize,
			LastTs:          lastTs,
		})
	}

	for _, k := range keys {
		id, err := ParseScheduleId(k)
		if err != nil {
			continue
		}
		sub, ok := ix[id]
		if !ok {
			continue
		}
		t, ok := sub.getTask(id)
		if !ok {
			continue
		}
		size, ts := t.watermark()
		out.Schedules = append(out.Schedules, TaskSnapshot{
			ScheduleId: k,
			Active:     t.Active(),
			BaseSize:   size,
			BaseTs:     ts,
		})
	}

	return out
}
