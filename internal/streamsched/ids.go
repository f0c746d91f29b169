package streamsched

import (
	"fmt"
	"strings"
)

// idSep separates components of a StreamId/ScheduleId. No component may
// contain it; callers are expected to use identifiers (namespace/app/name
// segments) that come from a closed set of configuration values, not
// arbitrary user text.
const idSep = ":"

// StreamId identifies a named data stream within a namespace.
type StreamId struct {
	Namespace string
	Name      string
}

func (id StreamId) String() string {
	return id.Namespace + idSep + id.Name
}

func (id StreamId) IsZero() bool {
	return id.Namespace == "" && id.Name == ""
}

// ScheduleId identifies one schedule, scoped to a program within an
// application. Its string form is the total order the registry's range
// scans rely on: "namespace:application:programType:programName:scheduleName".
type ScheduleId struct {
	Namespace    string
	Application  string
	ProgramType  string
	ProgramName  string
	ScheduleName string
}

func (id ScheduleId) String() string {
	return strings.Join([]string{id.Namespace, id.Application, id.ProgramType, id.ProgramName, id.ScheduleName}, idSep)
}

func (id ScheduleId) IsZero() bool {
	return id == ScheduleId{}
}

// programPrefix returns the "namespace:application:programType:programName:"
// prefix shared by every schedule belonging to one program, used for
// deleteAll/listIds range scans (§4.1).
func (id ScheduleId) programPrefix() string {
	return strings.Join([]string{id.Namespace, id.Application, id.ProgramType, id.ProgramName}, idSep) + idSep
}

// ProgramRef identifies the program a schedule's task belongs to, i.e. the
// (namespace, application, programType, programName) tuple shared by every
// ScheduleId produced for that program.
type ProgramRef struct {
	Namespace   string
	Application string
	ProgramType string
	ProgramName string
}

func (p ProgramRef) scheduleId(scheduleName string) ScheduleId {
	return ScheduleId{
		Namespace:    p.Namespace,
		Application:  p.Application,
		ProgramType:  p.ProgramType,
		ProgramName:  p.ProgramName,
		ScheduleName: scheduleName,
	}
}

func (p ProgramRef) prefix() string {
	return strings.Join([]string{p.Namespace, p.Application, p.ProgramType, p.ProgramName}, idSep) + idSep
}

// ParseScheduleId reconstructs a ScheduleId from its canonical string form,
// used by the store-recovery path (§9 supplemented "Recovery on startup").
func ParseScheduleId(s string) (ScheduleId, error) {
	parts := strings.Split(s, idSep)
	if len(parts) != 5 {
		return ScheduleId{}, fmt.Errorf("streamsched: invalid schedule id %q", s)
	}
	return ScheduleId{
		Namespace:    parts[0],
		Application:  parts[1],
		ProgramType:  parts[2],
		ProgramName:  parts[3],
		ScheduleName: parts[4],
	}, nil
}

// ParseStreamId reconstructs a StreamId from its canonical string form.
func ParseStreamId(s string) (StreamId, error) {
	parts := strings.SplitN(s, idSep, 2)
	if len(parts) != 2 {
		return StreamId{}, fmt.Errorf("streamsched: invalid stream id %q", s)
	}
	return StreamId{Namespace: parts[0], Name: parts[1]}, nil
}
