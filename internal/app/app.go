// Package app wires the scheduler core (internal/streamsched) to its
// external collaborators, config, and logging.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamsched/internal/config"
	"streamsched/internal/dispatcher"
	"streamsched/internal/eventbus"
	"streamsched/internal/notification"
	"streamsched/internal/storage"
	"streamsched/internal/streamadmin"
	"streamsched/internal/streamsched"
	"streamsched/internal/task/engine"
	logx "streamsched/pkg/logx"
)

// App owns every collaborator the scheduler core needs and its lifecycle.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	admin  *streamadmin.FileStreamAdmin
	notify *notification.Service
	disp   *dispatcher.Service

	registry *streamsched.Registry
}

// NewApp loads cfgPath and constructs every collaborator, but does not start
// any background goroutines; call Start for that.
func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	bus := eventbus.New()

	logCfg, err := mapLogConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg, bus)
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	admin := streamadmin.New(cfg.StreamAdmin.Roots, cfg.StreamAdmin.ProbesPerSecond)

	notifyQueue := cfg.Notification.SubscribeQueueSize
	notify := notification.New(bus, log.With(logx.String("comp", "notification")), notifyQueue)

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatcher.New(dispCfg, log.With(logx.String("comp", "dispatcher")), bus)

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}

	var scheduleStore streamsched.ScheduleStore
	if store != nil {
		scheduleStore = store
	}
	registry := streamsched.New(admin, notify, disp, scheduleStore, log.With(logx.String("comp", "streamsched")), regCfg)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		admin:    admin,
		notify:   notify,
		disp:     disp,
		registry: registry,
	}
	return a, nil
}

// Registry exposes the scheduler façade for CLI/admin callers.
func (a *App) Registry() *streamsched.Registry { return a.registry }

// Dispatcher exposes the dispatch engine so the CLI can surface its
// queue/worker/circuit diagnostics alongside the registry's own snapshot.
func (a *App) Dispatcher() *dispatcher.Service { return a.disp }

// SupervisorSnapshot reports goroutine health for the app's own background
// workers (config watcher). Returns the zero value before Start runs.
func (a *App) SupervisorSnapshot() SupervisorSnapshot {
	if a.sup == nil {
		return SupervisorSnapshot{}
	}
	return a.sup.Snapshot()
}

// Start starts the dispatcher's execution engine, the registry's polling
// pool and recovery-on-startup, and the config hot-reload watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(false))

	a.disp.Start(ctx)

	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("app: start registry: %w", err)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	a.sup.Go("config-watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(4)
	applied := a.cfgm.Get()
	a.sup.Go0("config-apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				a.cfgm.Unsubscribe(sub)
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(applied, cfg)
				applied = cfg
			}
		}
	})

	a.log.Info("streamsched started")
	return nil
}

// Stop cancels the registry, dispatcher, and background watchers.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.registry != nil {
		if err := a.registry.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}

func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Scheduler.StreamSize.Polling.Delay.Seconds < 0 {
		return fmt.Errorf("scheduler.streamSize.polling.delay.seconds must be >= 0")
	}
	if cfg.Scheduler.StreamSize.PollWorkers < 0 {
		return fmt.Errorf("scheduler.streamSize.pollWorkers must be >= 0")
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLogConfig(cfg); err != nil {
		return err
	}
	return nil
}

// applyConfig hot-reloads everything that can be hot-reloaded: logging
// sinks, the registry's polling cadence (a poll pool size change waits for
// the registry's next Start), the dispatcher's worker/circuit tuning, and
// the stream admin's namespace roots. Storage driver changes require a
// restart (a Store is opened once at construction). prev is the config that
// was last applied.
func (a *App) applyConfig(prev, cfg *config.Config) {
	changed, attrs := SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}

	if logCfg, err := mapLogConfig(cfg); err == nil {
		a.logs.Apply(logCfg)
	}

	if regCfg, err := mapRegistryConfig(cfg); err == nil {
		a.registry.Apply(regCfg)
	}

	if dispCfg, err := mapDispatcherConfig(cfg); err == nil {
		a.disp.Apply(context.Background(), dispCfg)
	}

	for ns, root := range cfg.StreamAdmin.Roots {
		a.admin.SetRoot(ns, root)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.Any("changed", changed)}, attrs...)...)
}

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapRegistryConfig(cfg *config.Config) (streamsched.Config, error) {
	delaySeconds := cfg.Scheduler.StreamSize.Polling.Delay.Seconds
	if delaySeconds <= 0 {
		delaySeconds = 30
	}
	return streamsched.Config{
		PollingDelay: time.Duration(delaySeconds) * time.Second,
		PollWorkers:  cfg.Scheduler.StreamSize.PollWorkers,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher

	defaultTimeout, err := parseDurationField("dispatcher.default_timeout", d.DefaultTimeout)
	if err != nil {
		return dispatcher.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("dispatcher.max_queue_delay", d.MaxQueueDelay)
	if err != nil {
		return dispatcher.Config{}, err
	}
	runTimeout, err := parseDurationOrDefault("dispatcher.run_timeout", d.RunTimeout, defaultTimeout)
	if err != nil {
		return dispatcher.Config{}, err
	}
	circuitBase, err := parseDurationField("dispatcher.circuit_base_delay", d.CircuitBaseDelay)
	if err != nil {
		return dispatcher.Config{}, err
	}
	circuitMax, err := parseDurationField("dispatcher.circuit_max_delay", d.CircuitMaxDelay)
	if err != nil {
		return dispatcher.Config{}, err
	}
	circuitReset, err := parseDurationField("dispatcher.circuit_reset_after", d.CircuitResetAfter)
	if err != nil {
		return dispatcher.Config{}, err
	}

	return dispatcher.Config{
		Engine: engine.Config{
			Enabled:             true,
			Workers:             d.Workers,
			QueueSize:           d.QueueSize,
			DefaultTimeout:      defaultTimeout,
			MaxQueueDelay:       maxQueueDelay,
			HistorySize:         d.HistorySize,
			RetryMax:            d.RetryMax,
			CircuitTripFailures: d.CircuitTripFailures,
			CircuitBaseDelay:    circuitBase,
			CircuitMaxDelay:     circuitMax,
			CircuitResetAfter:   circuitReset,
		},
		InvokeShell: d.InvokeShell,
		RunTimeout:  runTimeout,
	}, nil
}
