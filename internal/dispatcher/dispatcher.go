// Package dispatcher implements the streamsched ProgramDispatcher contract
// (§6, §B.1) on top of a generic task-execution engine
// (internal/task/engine): a bounded worker pool, adaptive concurrency
// permits, and a consecutive-failure circuit breaker guard how often
// program runs are actually launched via os/exec.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"

	"streamsched/internal/eventbus"
	"streamsched/internal/streamsched"
	"streamsched/internal/task/engine"
	logx "streamsched/pkg/logx"
)

// Config controls both the underlying engine and how programs are invoked.
type Config struct {
	Engine engine.Config

	// InvokeShell, when non-empty (e.g. "/bin/sh"), runs programRef.ProgramName
	// as a shell command ("<shell> -c <programName>") instead of exec'ing it
	// directly. Either way, dispatch arguments are passed as environment
	// variables (STREAMSCHED_*) and as a single JSON-encoded final argument.
	InvokeShell string

	// RunTimeout bounds how long a launched program may run before its
	// context is canceled. 0 uses the engine's DefaultTimeout.
	RunTimeout time.Duration
}

// Service adapts engine.Service into a streamsched.ProgramDispatcher.
type Service struct {
	eng *engine.Service
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Engine.DefaultTimeout <= 0 {
		cfg.Engine.DefaultTimeout = cfg.RunTimeout
	}
	return &Service{
		eng: engine.New(cfg.Engine, log.With(logx.String("comp", "dispatcher")), bus),
		cfg: cfg,
		log: log,
	}
}

func (s *Service) Start(ctx context.Context) { s.eng.Start(ctx) }
func (s *Service) Stop(ctx context.Context)  { s.eng.Stop(ctx) }
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.cfg = cfg
	s.eng.Apply(ctx, cfg.Engine)
}
func (s *Service) Snapshot() engine.Snapshot { return s.eng.Snapshot() }

// Run implements streamsched.ProgramDispatcher. It returns promptly once
// the run has been accepted into the executor's queue; it does not wait for
// the child process to exit (§B.1, §4.3 "Dispatch side effects").
func (s *Service) Run(ctx context.Context, programRef streamsched.ProgramRef, scheduleId streamsched.ScheduleId, args streamsched.DispatchArgs) error {
	runID := uuid.New().String()
	timeout := s.cfg.RunTimeout

	task := engine.Task{
		Name:    scheduleId.String(),
		Timeout: timeout,
		ConcurrencyKey: programRef.ProgramName,
		Opt: engine.TaskOptions{
			Overlap: engine.OverlapAllow,
		},
		Run: func(c context.Context) error {
			return s.exec(c, programRef, args, runID)
		},
	}

	err := s.eng.Enqueue(task)
	if err == nil {
		return nil
	}
	switch err {
	case engine.ErrQueueFull, engine.ErrStopping:
		return streamsched.NewDispatchRefireError(scheduleId, err)
	default:
		return streamsched.NewDispatchError(scheduleId, err)
	}
}

func (s *Service) exec(ctx context.Context, programRef streamsched.ProgramRef, args streamsched.DispatchArgs, runID string) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("encode dispatch args: %w", err))
	}

	var cmd *exec.Cmd
	if s.cfg.InvokeShell != "" {
		cmd = exec.CommandContext(ctx, s.cfg.InvokeShell, "-c", programRef.ProgramName, string(payload))
	} else {
		cmd = exec.CommandContext(ctx, programRef.ProgramName, string(payload))
	}
	cmd.Env = append(cmd.Environ(),
		"STREAMSCHED_RUN_ID="+runID,
		"STREAMSCHED_SCHEDULE_NAME="+args.ScheduleName,
		"STREAMSCHED_LOGICAL_START_TIME="+strconv.FormatInt(args.LogicalStartTime, 10),
		"STREAMSCHED_RUN_DATA_SIZE="+strconv.FormatInt(args.RunDataSize, 10),
		"STREAMSCHED_PAST_RUN_LOGICAL_START_TIME="+strconv.FormatInt(args.PastRunLogicalStartTime, 10),
		"STREAMSCHED_PAST_RUN_DATA_SIZE="+strconv.FormatInt(args.PastRunDataSize, 10),
		"STREAMSCHED_PROGRAM_TYPE="+programRef.ProgramType,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		s.log.Warn("program run failed",
			logx.String("run_id", runID),
			logx.String("program", programRef.ProgramName),
			logx.Err(err),
			logx.String("output", truncate(string(out), 2000)),
		)
		return err
	}
	s.log.Debug("program run completed", logx.String("run_id", runID), logx.String("program", programRef.ProgramName))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
