package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"streamsched/internal/streamsched"
	logx "streamsched/pkg/logx"
)

func openTestFileStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRecord() TaskRecord {
	return TaskRecord{
		ScheduleId: streamsched.ScheduleId{
			Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog", ScheduleName: "sched",
		},
		StreamName: "orders",
		Spec:       streamsched.ScheduleSpec{StreamName: "orders", ScheduleName: "sched", DataTriggerMB: 5},
		ProgramRef: streamsched.ProgramRef{Namespace: "ns", Application: "app", ProgramType: "job", ProgramName: "prog"},
		BaseSize:   1024,
		BaseTs:     1000,
		Active:     true,
	}
}

func TestFileStoreUpsertListDelete(t *testing.T) {
	t.Parallel()
	st := openTestFileStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	if err := st.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	all, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 || all[0].ScheduleId != rec.ScheduleId {
		t.Fatalf("ListAll = %+v, want one record matching %+v", all, rec)
	}

	rec.BaseSize = 2048
	if err := st.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	all, _ = st.ListAll(ctx)
	if len(all) != 1 || all[0].BaseSize != 2048 {
		t.Fatalf("expected update in place, got %+v", all)
	}

	if err := st.Delete(ctx, rec.ScheduleId); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, _ = st.ListAll(ctx)
	if len(all) != 0 {
		t.Fatalf("ListAll after delete = %+v, want empty", all)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()
	rec := sampleRecord()

	st1, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st1.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	all, err := st2.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll after reopen: %v", err)
	}
	if len(all) != 1 || all[0].ScheduleId != rec.ScheduleId {
		t.Fatalf("ListAll after reopen = %+v, want the persisted record", all)
	}
}

func TestFileStoreAuditAndDedup(t *testing.T) {
	t.Parallel()
	st := openTestFileStore(t)
	ctx := context.Background()

	if err := st.AppendAudit(ctx, AuditEntry{ScheduleId: "ns:app:job:prog:sched", Action: "scheduled", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "run-1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetDedup: %v", err)
	}
	if !ok {
		t.Fatal("GetDedup: not found, want found")
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("GetDedup = %v, want %v", got, until)
	}

	_, ok, err = st.GetDedup(ctx, "missing")
	if err != nil {
		t.Fatalf("GetDedup(missing): %v", err)
	}
	if ok {
		t.Fatal("GetDedup(missing): found, want not found")
	}
}

func TestOpenDisabledWhenDriverEmpty(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("expected nil store when driver is empty")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
