package dispatcher

import (
	"context"
	"testing"
	"time"

	"streamsched/internal/eventbus"
	"streamsched/internal/streamsched"
	"streamsched/internal/task/engine"
	logx "streamsched/pkg/logx"
)

func testProgram() streamsched.ProgramRef {
	return streamsched.ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "/bin/true"}
}

func testScheduleId() streamsched.ScheduleId {
	return streamsched.ScheduleId{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog", ScheduleName: "sched"}
}

func TestDispatcherRunAcceptsAndLaunches(t *testing.T) {
	t.Parallel()
	svc := New(Config{
		Engine: engine.Config{
			Enabled: true, Workers: 2, QueueSize: 8, DefaultTimeout: 5 * time.Second,
		},
	}, logx.Nop(), eventbus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	args := streamsched.DispatchArgs{ScheduleName: "sched", LogicalStartTime: 1000, RunDataSize: 2 << 20}
	if err := svc.Run(ctx, testProgram(), testScheduleId(), args); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDispatcherDisabledEngineMapsToPlainDispatchError(t *testing.T) {
	t.Parallel()
	svc := New(Config{
		Engine: engine.Config{Enabled: false},
	}, logx.Nop(), eventbus.New())

	args := streamsched.DispatchArgs{ScheduleName: "sched"}
	err := svc.Run(context.Background(), testProgram(), testScheduleId(), args)
	if err == nil {
		t.Fatal("expected an error from a disabled engine")
	}
	if streamsched.IsRefireError(err) {
		t.Fatalf("err = %v, want a plain DispatchError, not a refire error", err)
	}
	if _, ok := err.(*streamsched.DispatchError); !ok {
		t.Fatalf("err = %T, want *streamsched.DispatchError", err)
	}
}
