package config

import "testing"

func TestSummarizeConfigChangeDetectsPerSectionDiffs(t *testing.T) {
	t.Parallel()
	old := &Config{
		Logging: LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			StreamSize: StreamSizeConfig{Polling: PollingConfig{Delay: DelaySecondsConfig{Seconds: 30}}},
		},
		Dispatcher:  DispatcherConfig{Workers: 4},
		StreamAdmin: StreamAdminConfig{Roots: map[string]string{"ns": "/data"}},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			StreamSize: StreamSizeConfig{Polling: PollingConfig{Delay: DelaySecondsConfig{Seconds: 60}}},
		},
		Dispatcher:  DispatcherConfig{Workers: 8},
		StreamAdmin: StreamAdminConfig{Roots: map[string]string{"ns": "/data"}},
	}

	changed, _ := SummarizeConfigChange(old, newCfg)
	want := map[string]bool{"logging": true, "scheduler": true, "dispatcher": true}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q", c)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected changed sections: %v", want)
	}
}

func TestSummarizeConfigChangeNoDiffWhenIdentical(t *testing.T) {
	t.Parallel()
	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	changed, _ := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestSummarizeConfigChangeHandlesNilInputs(t *testing.T) {
	t.Parallel()
	changed, _ := SummarizeConfigChange(nil, nil)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for two nils", changed)
	}
}

func TestHashBytesStableAndSensitiveToContent(t *testing.T) {
	t.Parallel()
	if hashBytes(nil) != 0 {
		t.Fatal("hashBytes(nil) should be 0")
	}
	a := hashBytes([]byte(`{"a":1}`))
	b := hashBytes([]byte(`{"a":1}`))
	c := hashBytes([]byte(`{"a":2}`))
	if a != b {
		t.Fatal("hashBytes should be stable for identical input")
	}
	if a == c {
		t.Fatal("hashBytes should differ for different input")
	}
}
