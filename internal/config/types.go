package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the stream-size trigger core (§4.1, §6).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Dispatcher controls the program-run execution engine backing the
	// ProgramDispatcher contract (§6).
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Notification tunes the push-notification delivery fan-out. If omitted,
	// defaults apply.
	Notification NotificationConfig `json:"notification,omitempty"`

	// StreamAdmin maps stream namespaces to the filesystem roots the
	// concrete StreamAdmin probes.
	StreamAdmin StreamAdminConfig `json:"stream_admin"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

// SchedulerConfig controls the stream-size scheduler core.
type SchedulerConfig struct {
	Enabled   bool            `json:"enabled"`
	StreamSize StreamSizeConfig `json:"streamSize"`
}

// StreamSizeConfig carries §6's one configuration key plus the shared
// polling-pool size (§5: "a shared scheduled-polling pool with a small
// fixed size (e.g., 10 workers)").
type StreamSizeConfig struct {
	// Polling.Delay.Seconds is scheduler.streamSize.polling.delay.seconds
	// (§6): integer seconds > 0, converted to milliseconds at startup.
	Polling PollingConfig `json:"polling"`
	// PollWorkers sizes the shared polling pool. Defaults to 10.
	PollWorkers int `json:"pollWorkers,omitempty"`
}

type PollingConfig struct {
	Delay DelaySecondsConfig `json:"delay"`
}

type DelaySecondsConfig struct {
	Seconds int `json:"seconds"`
}

// DispatcherConfig controls the bounded worker pool, adaptive concurrency,
// and circuit breaker guarding program-run launches.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatcherConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a launched program's execution when Task.Timeout
	// is unset. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// RunTimeout is an alias understood by the dispatcher's exec path;
	// falls back to DefaultTimeout when empty.
	RunTimeout string `json:"run_timeout,omitempty"`

	// MaxQueueDelay drops tasks queued longer than this. "0s" disables it.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// Circuit breaker (consecutive-failure based). CircuitTripFailures < 0
	// disables it; 0 applies the engine default.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`

	// InvokeShell, when set, runs the program through "<shell> -c <name>"
	// instead of exec'ing it directly.
	InvokeShell string `json:"invoke_shell,omitempty"`
}

// NotificationConfig tunes the in-process notification bus adapter.
type NotificationConfig struct {
	// SubscribeQueueSize sizes each Subscribe call's buffered channel.
	SubscribeQueueSize int `json:"subscribe_queue_size,omitempty"`
}

// StreamAdminConfig maps stream namespaces to the directories the file-backed
// StreamAdmin watches, plus its probe rate limit.
type StreamAdminConfig struct {
	Roots           map[string]string `json:"roots"`
	ProbesPerSecond int               `json:"probes_per_second,omitempty"`
}

// StorageConfig controls the optional ScheduleStore persistence layer
//
//
// Example:
//
//	"storage": { "driver": "file", "path": "./streamsched_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors logx.AlertConfig: warn/error log lines are
// republished onto the event bus as log.alert events.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
