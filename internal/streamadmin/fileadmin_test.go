package streamadmin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"streamsched/internal/streamsched"
)

func TestGetConfigResolvesPathUnderNamespaceRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := New(map[string]string{"ns": dir}, 0)

	cfg, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "ns", Name: "orders"})
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	fc, ok := cfg.(fileConfig)
	if !ok {
		t.Fatalf("GetConfig returned %T, want fileConfig", cfg)
	}
	if want := filepath.Join(dir, "orders"); fc.path != want {
		t.Fatalf("path = %q, want %q", fc.path, want)
	}
}

func TestGetConfigRejectsUnknownNamespace(t *testing.T) {
	t.Parallel()
	a := New(nil, 0)
	if _, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "missing", Name: "orders"}); err == nil {
		t.Fatal("expected error for unknown namespace")
	}
}

func TestGetConfigRejectsPathEscapingStreamName(t *testing.T) {
	t.Parallel()
	a := New(map[string]string{"ns": t.TempDir()}, 0)
	for _, name := range []string{"", "  ", "../secret", "a/b", `a\b`} {
		if _, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "ns", Name: name}); err == nil {
			t.Fatalf("GetConfig(%q): expected error, got none", name)
		}
	}
}

func TestFetchStreamSizeReportsFileSizeAndTimestamp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "orders")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	a := New(map[string]string{"ns": dir}, 100)

	cfg, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "ns", Name: "orders"})
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	obs, err := a.FetchStreamSize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FetchStreamSize: %v", err)
	}
	if obs.Size != 4096 {
		t.Fatalf("Size = %d, want 4096", obs.Size)
	}
	if obs.Ts <= 0 {
		t.Fatalf("Ts = %d, want a positive unix millis timestamp", obs.Ts)
	}
}

func TestFetchStreamSizeMissingFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := New(map[string]string{"ns": dir}, 100)

	cfg, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "ns", Name: "gone"})
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if _, err := a.FetchStreamSize(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFetchStreamSizeRejectsWrongConfigType(t *testing.T) {
	t.Parallel()
	a := New(nil, 100)
	if _, err := a.FetchStreamSize(context.Background(), "not-a-fileConfig"); err == nil {
		t.Fatal("expected error for unexpected config type")
	}
}

func TestSetRootReplacesNamespaceRoot(t *testing.T) {
	t.Parallel()
	dirA := t.TempDir()
	dirB := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirB, "orders"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a := New(map[string]string{"ns": dirA}, 100)
	a.SetRoot("ns", dirB)

	cfg, err := a.GetConfig(context.Background(), streamsched.StreamId{Namespace: "ns", Name: "orders"})
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if _, err := a.FetchStreamSize(context.Background(), cfg); err != nil {
		t.Fatalf("FetchStreamSize after SetRoot: %v", err)
	}
}
