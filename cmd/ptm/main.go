package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/msageha/ptm/internal/daemon"
	"github.com/msageha/ptm/internal/setup"
	"github.com/msageha/ptm/internal/status"
	"github.com/msageha/ptm/internal/uds"
	ptmyaml "github.com/msageha/ptm/internal/yaml"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "dep":
		runDep(os.Args[2:])
	case "focus":
		runFocus(os.Args[2:])
	case "schedule":
		runSchedule(os.Args[2:])
	case "event":
		runEvent(os.Args[2:])
	case "version":
		fmt.Printf("ptm %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	dir := "."
	var name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			v, err := flagValue(args, &i)
			if err != nil {
				fatalf("%v", err)
			}
			name = v
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				fatalf("unknown flag: %s\nusage: ptm setup [dir] [--name <project>]", args[i])
			}
			dir = args[i]
		}
	}
	if err := setup.Run(dir, name); err != nil {
		fatalf("setup: %v", err)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runDaemon(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "stop":
			var resp map[string]string
			if err := newClient(findPTMDir()).Call("shutdown", nil, &resp); err != nil {
				fatalf("daemon stop: %v", err)
			}
			fmt.Println("shutdown requested")
			return
		case "ping":
			var resp map[string]string
			if err := newClient(findPTMDir()).Call("ping", nil, &resp); err != nil {
				fatalf("daemon ping: %v", err)
			}
			fmt.Println(resp["status"])
			return
		default:
			fatalf("unknown daemon subcommand: %s\nusage: ptm daemon [stop|ping]", args[0])
		}
	}

	ptmDir := findPTMDir()
	cfg, err := ptmyaml.LoadConfig(ptmDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	d, err := daemon.New(ptmDir, cfg)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: ptm status [--json]", a)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := status.Run(ctx, findPTMDir(), jsonOutput); err != nil {
		fatalf("status: %v", err)
	}
}

// findPTMDir locates .ptm/ from the working directory upward or exits.
func findPTMDir() string {
	root, err := setup.FindProjectDir(".")
	if err != nil {
		fatalf("error: %v", err)
	}
	return filepath.Join(root, setup.DirName)
}

func newClient(ptmDir string) *uds.Client {
	return uds.NewClient(filepath.Join(ptmDir, uds.DefaultSocketName))
}

// call sends command to the daemon of the current project and decodes the
// reply into out. Daemon errors are printed with their code.
// Ctrl-C abandons the request, which cancels it on the daemon too.
func call(command string, params, out any) {
	c := newClient(findPTMDir())
	c.SetCommandTimeout("run_optimization", daemon.OptimizationTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := c.CallContext(ctx, command, params, out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fatalf("%s failed [%s]: %s", command, detail.Code, detail.Message)
		}
		fatalf("%s: %v", command, err)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode json: %v", err)
	}
	fmt.Println(string(data))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ptm %s: personal task manager with schedule optimization

Usage: ptm <command> [options]

Project:
  setup [dir] [--name <project>]   Initialize .ptm/ directory
  daemon [stop|ping]               Run, stop or ping the daemon
  status [--json]                  Show daemon and project status

Tasks:
  task list [--json]
  task add <title> --hours <h> [--priority <p>] [--deadline <date>] [--deep]
           [--parent <id>] [--tag <tag>]...
  task update <id> [--title <t>] [--priority <p>] [--hours <h>]
           [--deadline <date>|--no-deadline] [--deep|--shallow]
           [--status <todo|in_progress|done>] [--tag <tag>]...
  task start <id> | task done <id>
  task reparent <id> [--parent <id>]

Dependencies:
  dep check <task> <depends-on>    Validate without changing anything
  dep add <task> <depends-on>
  dep rm <dependency-id>

Calendar:
  focus set <weekday> <HH:MM-HH:MM> [--name <n>] [--id <id>] [--disabled]
  schedule get [--from <date>] [--to <date>] [--json]
  schedule optimize [--algorithm <local_heuristic|milp_optimized|hybrid>]
           [--from <date>] [--to <date>] [--json]
  schedule export <name> [--from <date>] [--to <date>]
  schedule show <file>             Print a schedule export
  event move <id> [--date <date>] [--start HH:MM] [--end HH:MM]
  event place <task> <date> <HH:MM>   Pin a task at a time (snaps to grid)
  event rm <id>

Utilities:
  version                          Show version
  help                             Show this help

Dates are YYYY-MM-DD in UTC.

`, version)
}
