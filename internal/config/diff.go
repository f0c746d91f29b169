package config

import (
	"hash/fnv"
	logx "streamsched/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// hashBytes returns a stable 64-bit hash of bytes, used by ConfigManager to
// skip redundant reload publishes when a file write didn't change content.
// Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging, so a hot reload can log
// "config reloaded: changed=[...]" instead of dumping the whole struct.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Alert.Enabled != newCfg.Logging.Alert.Enabled ||
		oldCfg.Logging.Alert.MinLevel != newCfg.Logging.Alert.MinLevel ||
		oldCfg.Logging.Alert.RatePerSec != newCfg.Logging.Alert.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Scheduler (stream-size trigger core)
	oSS := oldCfg.Scheduler.StreamSize
	nSS := newCfg.Scheduler.StreamSize
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		oSS.Polling.Delay.Seconds != nSS.Polling.Delay.Seconds ||
		oSS.PollWorkers != nSS.PollWorkers {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.streamSize.polling.delay.seconds", nSS.Polling.Delay.Seconds),
			logx.Int("scheduler.streamSize.pollWorkers", nSS.PollWorkers),
		)
	}

	// Dispatcher (program-run executor)
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		nD := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", nD.Workers),
			logx.Int("dispatcher.queue_size", nD.QueueSize),
			logx.String("dispatcher.default_timeout", strings.TrimSpace(nD.DefaultTimeout)),
			logx.String("dispatcher.max_queue_delay", strings.TrimSpace(nD.MaxQueueDelay)),
			logx.Int("dispatcher.history_size", nD.HistorySize),
			logx.Int("dispatcher.retry_max", nD.RetryMax),
			logx.Int("dispatcher.circuit_trip_failures", nD.CircuitTripFailures),
			logx.Bool("dispatcher.invoke_shell_set", strings.TrimSpace(nD.InvokeShell) != ""),
		)
	}

	// Notification (delivery fan-out tuning)
	if oldCfg.Notification != newCfg.Notification {
		changed = append(changed, "notification")
		attrs = append(attrs,
			logx.Int("notification.subscribe_queue_size", newCfg.Notification.SubscribeQueueSize),
		)
	}

	// Stream admin (probe roots + rate limit)
	if !reflect.DeepEqual(oldCfg.StreamAdmin.Roots, newCfg.StreamAdmin.Roots) ||
		oldCfg.StreamAdmin.ProbesPerSecond != newCfg.StreamAdmin.ProbesPerSecond {
		changed = append(changed, "stream_admin")
		attrs = append(attrs,
			logx.Int("stream_admin.namespace_count", len(newCfg.StreamAdmin.Roots)),
			logx.Int("stream_admin.probes_per_second", newCfg.StreamAdmin.ProbesPerSecond),
		)
	}

	// Storage (ScheduleStore persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
