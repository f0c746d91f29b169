package logx

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"streamsched/internal/eventbus"
)

func TestParseLevelKnownAndUnknown(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel, // falls back to the supplied default
	}
	for raw, want := range cases {
		if got := parseLevel(raw, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestTruncateShortensLongStrings(t *testing.T) {
	t.Parallel()
	if got := truncate("hello", 10); got != "hello" {
		t.Fatalf("truncate short string = %q, want unchanged", got)
	}
	got := truncate("abcdefghijklmnop", 8)
	if len(got) != 8 {
		t.Fatalf("truncate = %q (len %d), want len 8", got, len(got))
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	t.Parallel()
	l := Nop()
	l.Info("hello", String("k", "v"))
	l.With(String("a", "b")).Warn("still fine")
	if l.Enabled(LevelError) {
		t.Fatal("Nop logger should report every level disabled")
	}
}

func TestServiceApplyRoutesWarnAndAboveToAlertBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, bus)
	defer svc.Close()

	log.Info("below alert threshold, should not publish")
	log.Warn("above alert threshold", String("k", "v"))

	select {
	case ev := <-ch:
		if ev.Type != AlertEventType {
			t.Fatalf("event type = %q, want %q", ev.Type, AlertEventType)
		}
		payload, ok := ev.Data.(AlertPayload)
		if !ok {
			t.Fatalf("event data = %T, want AlertPayload", ev.Data)
		}
		if payload.Level != "warn" {
			t.Fatalf("payload.Level = %q, want warn", payload.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an alert event for the warn-level log line")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second alert event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceApplySwapsLevelAtRuntime(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "error"}, nil)
	defer svc.Close()

	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at error level")
	}

	svc.Apply(Config{Level: "debug"})
	if !log.Enabled(LevelInfo) {
		t.Fatal("info should be enabled after Apply raises verbosity")
	}
}
