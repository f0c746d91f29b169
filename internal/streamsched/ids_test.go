package streamsched

import "testing"

func TestScheduleIdRoundTrip(t *testing.T) {
	t.Parallel()
	id := ScheduleId{
		Namespace:    "ns",
		Application:  "app",
		ProgramType:  "job",
		ProgramName:  "prog",
		ScheduleName: "sched",
	}
	got, err := ParseScheduleId(id.String())
	if err != nil {
		t.Fatalf("ParseScheduleId: %v", err)
	}
	if got != id {
		t.Fatalf("got %+v, want %+v", got, id)
	}
}

func TestScheduleIdOrderingIsLexicographicByComponent(t *testing.T) {
	t.Parallel()
	a := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "a"}.scheduleId("x")
	b := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "b"}.scheduleId("a")
	if !(a.String() < b.String()) {
		t.Fatalf("expected %q < %q", a.String(), b.String())
	}
}

func TestParseScheduleIdRejectsMalformed(t *testing.T) {
	t.Parallel()
	if _, err := ParseScheduleId("too:few:parts"); err == nil {
		t.Fatal("expected error for malformed schedule id")
	}
}

func TestStreamIdRoundTrip(t *testing.T) {
	t.Parallel()
	id := StreamId{Namespace: "ns", Name: "orders"}
	got, err := ParseStreamId(id.String())
	if err != nil {
		t.Fatalf("ParseStreamId: %v", err)
	}
	if got != id {
		t.Fatalf("got %+v, want %+v", got, id)
	}
}

func TestProgramPrefixMatchesOwnScheduleId(t *testing.T) {
	t.Parallel()
	program := ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"}
	id := program.scheduleId("sched")
	if got := id.programPrefix(); got != program.prefix() {
		t.Fatalf("programPrefix() = %q, prefix() = %q, want equal", got, program.prefix())
	}
}
