// Command streamsched runs the stream-size scheduler daemon, and doubles as
// a one-shot admin CLI for schedule/suspend/resume/delete/list/status
// operations against the same config and (optional) storage backend the
// daemon uses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"streamsched/internal/app"
	"streamsched/internal/streamsched"
	"streamsched/internal/task/engine"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		runDaemon(cfgPath)
		return
	}

	if err := runAdmin(cfgPath, args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(cfgPath string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}

// runAdmin handles the "schedule/suspend/resume/delete/list/status"
// subcommands. Each is a short-lived process: it constructs the same
// collaborator graph as the daemon (so it shares the daemon's storage
// backend and stream admin roots), replays the daemon's persisted
// TaskRecords into the registry the same way Registry.Start does on
// daemon boot, performs one operation against that recovered state, and
// tears the registry back down before exiting.
func runAdmin(cfgPath string, args []string) error {
	cmd, rest := args[0], args[1:]

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fmt.Errorf("load app: %w", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	reg := a.Registry()
	ctx := context.Background()

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("recover registry state: %w", err)
	}

	switch cmd {
	case "schedule":
		fs := flag.NewFlagSet("schedule", flag.ExitOnError)
		var ns, appName, ptype, pname, streamName, scheduleName string
		var triggerMB int
		fs.StringVar(&ns, "namespace", "", "namespace id")
		fs.StringVar(&appName, "app", "", "application id")
		fs.StringVar(&ptype, "type", "", "program type")
		fs.StringVar(&pname, "program", "", "program name")
		fs.StringVar(&streamName, "stream", "", "stream name")
		fs.StringVar(&scheduleName, "name", "", "schedule name")
		fs.IntVar(&triggerMB, "trigger-mb", 0, "data trigger threshold, MB")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		ref := streamsched.ProgramRef{Namespace: ns, Application: appName, ProgramType: ptype, ProgramName: pname}
		spec := streamsched.ScheduleSpec{StreamName: streamName, ScheduleName: scheduleName, DataTriggerMB: triggerMB}
		return reg.Schedule(ctx, ref, spec)

	case "suspend", "resume", "delete":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		var ns, appName, ptype, pname, scheduleName string
		fs.StringVar(&ns, "namespace", "", "namespace id")
		fs.StringVar(&appName, "app", "", "application id")
		fs.StringVar(&ptype, "type", "", "program type")
		fs.StringVar(&pname, "program", "", "program name")
		fs.StringVar(&scheduleName, "name", "", "schedule name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		ref := streamsched.ProgramRef{Namespace: ns, Application: appName, ProgramType: ptype, ProgramName: pname}
		switch cmd {
		case "suspend":
			return reg.Suspend(ctx, ref, scheduleName)
		case "resume":
			return reg.Resume(ctx, ref, scheduleName)
		default:
			return reg.Delete(ctx, ref, scheduleName)
		}

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		var ns, appName, ptype, pname string
		fs.StringVar(&ns, "namespace", "", "namespace id")
		fs.StringVar(&appName, "app", "", "application id")
		fs.StringVar(&ptype, "type", "", "program type")
		fs.StringVar(&pname, "program", "", "program name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		ref := streamsched.ProgramRef{Namespace: ns, Application: appName, ProgramType: ptype, ProgramName: pname}
		for _, id := range reg.ListIds(ref) {
			fmt.Println(id.String())
		}
		return nil

	case "status":
		out := struct {
			Registry   streamsched.Snapshot   `json:"registry"`
			Dispatcher engine.Snapshot        `json:"dispatcher"`
			App        app.SupervisorSnapshot `json:"app_supervisor"`
		}{
			Registry:   reg.Snapshot(),
			Dispatcher: a.Dispatcher().Snapshot(),
			App:        a.SupervisorSnapshot(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	default:
		return fmt.Errorf("unknown command %q (want schedule|suspend|resume|delete|list|status, or no command to run the daemon)", cmd)
	}
}
