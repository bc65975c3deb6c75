package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/ptm/internal/daemon"
	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	ptmyaml "github.com/msageha/ptm/internal/yaml"
)

func runTask(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm task <list|add|update|start|done|reparent> [options]")
	}
	switch args[0] {
	case "list":
		runTaskList(args[1:])
	case "add":
		runTaskAdd(args[1:])
	case "update":
		runTaskUpdate(args[1:])
	case "start":
		runTaskSetStatus(args[1:], model.TaskStatusInProgress)
	case "done":
		runTaskSetStatus(args[1:], model.TaskStatusDone)
	case "reparent":
		runTaskReparent(args[1:])
	default:
		fatalf("unknown task subcommand: %s", args[0])
	}
}

func runTaskList(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: ptm task list [--json]", a)
		}
	}

	var tasks []daemon.TaskView
	call("list_tasks", nil, &tasks)
	if jsonOutput {
		printJSON(tasks)
		return
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tHOURS\tDEADLINE\tFLAGS\tTITLE")
	for _, t := range tasks {
		deadline := "-"
		if t.Deadline != nil {
			deadline = t.Deadline.UTC().Format("2006-01-02 15:04")
		}
		var flags []string
		if t.IsDeepWork {
			flags = append(flags, "deep")
		}
		if t.Blocked {
			flags = append(flags, "blocked")
		}
		if t.ParentTaskID != nil {
			flags = append(flags, "sub:"+*t.ParentTaskID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.EstimatedDurationHours, deadline, strings.Join(flags, ","), t.Title)
	}
	w.Flush()
}

func runTaskAdd(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm task add <title> --hours <h> [options]")
	}
	t := model.Task{Title: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		var err error
		switch rest[i] {
		case "--hours":
			var v string
			if v, err = flagValue(rest, &i); err == nil {
				t.EstimatedDurationHours, err = parseHours(v)
			}
		case "--priority":
			var v string
			if v, err = flagValue(rest, &i); err == nil {
				t.Priority, err = parsePriority(v)
			}
		case "--deadline":
			var v string
			if v, err = flagValue(rest, &i); err == nil {
				var dl time.Time
				if dl, err = parseDeadline(v); err == nil {
					t.Deadline = &dl
				}
			}
		case "--deep":
			t.IsDeepWork = true
		case "--parent":
			var v string
			if v, err = flagValue(rest, &i); err == nil {
				t.ParentTaskID = &v
			}
		case "--tag":
			var v string
			if v, err = flagValue(rest, &i); err == nil {
				t.Tags = append(t.Tags, v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", rest[i])
		}
		if err != nil {
			fatalf("%v", err)
		}
	}
	if t.EstimatedDurationHours == 0 {
		fatalf("--hours is required")
	}

	var added model.Task
	call("add_task", t, &added)
	fmt.Printf("added task %s (%s)\n", added.ID, added.Title)
}

func runTaskUpdate(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm task update <id> [options]")
	}
	p := daemon.TaskUpdateParams{ID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		var err error
		var v string
		switch rest[i] {
		case "--title":
			if v, err = flagValue(rest, &i); err == nil {
				p.Title = &v
			}
		case "--priority":
			if v, err = flagValue(rest, &i); err == nil {
				var pr model.Priority
				if pr, err = parsePriority(v); err == nil {
					p.Priority = &pr
				}
			}
		case "--hours":
			if v, err = flagValue(rest, &i); err == nil {
				var h float64
				if h, err = parseHours(v); err == nil {
					p.EstimatedDurationHours = &h
				}
			}
		case "--deadline":
			if v, err = flagValue(rest, &i); err == nil {
				var dl time.Time
				if dl, err = parseDeadline(v); err == nil {
					p.Deadline = &dl
				}
			}
		case "--no-deadline":
			p.ClearDeadline = true
		case "--deep", "--shallow":
			deep := rest[i] == "--deep"
			p.IsDeepWork = &deep
		case "--status":
			if v, err = flagValue(rest, &i); err == nil {
				var st model.TaskStatus
				if st, err = parseStatus(v); err == nil {
					p.Status = &st
				}
			}
		case "--tag":
			if v, err = flagValue(rest, &i); err == nil {
				if p.Tags == nil {
					p.Tags = &[]string{}
				}
				*p.Tags = append(*p.Tags, v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", rest[i])
		}
		if err != nil {
			fatalf("%v", err)
		}
	}

	var updated model.Task
	call("update_task", p, &updated)
	fmt.Printf("updated task %s (version %d)\n", updated.ID, updated.Version)
}

func runTaskSetStatus(args []string, st model.TaskStatus) {
	if len(args) != 1 {
		fatalf("usage: ptm task %s <id>", map[model.TaskStatus]string{
			model.TaskStatusInProgress: "start",
			model.TaskStatusDone:       "done",
		}[st])
	}
	var updated model.Task
	call("update_task", daemon.TaskUpdateParams{ID: args[0], Status: &st}, &updated)
	fmt.Printf("task %s is now %s\n", updated.ID, updated.Status)
}

func runTaskReparent(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm task reparent <id> [--parent <id>]")
	}
	p := daemon.ReparentParams{ID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--parent":
			v, err := flagValue(rest, &i)
			if err != nil {
				fatalf("%v", err)
			}
			p.ParentTaskID = &v
		default:
			fatalf("unknown flag: %s", rest[i])
		}
	}

	var moved model.Task
	call("reparent_task", p, &moved)
	if moved.ParentTaskID == nil {
		fmt.Printf("task %s moved to top level\n", moved.ID)
		return
	}
	fmt.Printf("task %s moved under %s\n", moved.ID, *moved.ParentTaskID)
}

func runDep(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm dep <check|add|rm> ...")
	}
	switch args[0] {
	case "check", "add":
		if len(args) != 3 {
			fatalf("usage: ptm dep %s <task> <depends-on>", args[0])
		}
		p := daemon.DependencyParams{TaskID: args[1], DependsOnTaskID: args[2]}
		if args[0] == "check" {
			var res graph.DependencyResult
			call("validate_dependency", p, &res)
			printDependencyResult(res)
			if !res.IsValid {
				os.Exit(1)
			}
			return
		}
		var dep model.TaskDependency
		call("add_dependency", p, &dep)
		fmt.Printf("added dependency %s: %s depends on %s\n", dep.ID, dep.TaskID, dep.DependsOnTaskID)
	case "rm":
		if len(args) != 2 {
			fatalf("usage: ptm dep rm <dependency-id>")
		}
		call("remove_dependency", daemon.IDParams{ID: args[1]}, nil)
		fmt.Printf("removed dependency %s\n", args[1])
	default:
		fatalf("unknown dep subcommand: %s", args[0])
	}
}

func printDependencyResult(res graph.DependencyResult) {
	if res.IsValid {
		fmt.Println("valid")
		return
	}
	if res.WouldCreateCycle {
		fmt.Println("invalid: would create a cycle")
	} else {
		fmt.Println("invalid")
	}
	for _, e := range res.Errors {
		fmt.Printf("  - %s\n", e.Error())
	}
}

func runFocus(args []string) {
	if len(args) < 3 || args[0] != "set" {
		fatalf("usage: ptm focus set <weekday> <HH:MM-HH:MM> [--name <n>] [--id <id>] [--disabled]")
	}
	day, err := parseWeekday(args[1])
	if err != nil {
		fatalf("%v", err)
	}
	start, end, err := parseClockRange(args[2])
	if err != nil {
		fatalf("%v", err)
	}
	b := model.FocusTimeBlock{DayOfWeek: day, StartMin: start, EndMin: end, IsEnabled: true}
	rest := args[3:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if b.BlockName, err = flagValue(rest, &i); err != nil {
				fatalf("%v", err)
			}
		case "--id":
			if b.ID, err = flagValue(rest, &i); err != nil {
				fatalf("%v", err)
			}
		case "--disabled":
			b.IsEnabled = false
		default:
			fatalf("unknown flag: %s", rest[i])
		}
	}

	var saved model.FocusTimeBlock
	call("set_focus_block", b, &saved)
	state := "enabled"
	if !saved.IsEnabled {
		state = "disabled"
	}
	fmt.Printf("focus block %s: %s %s-%s (%s)\n",
		saved.ID, saved.DayOfWeek, clock(saved.StartMin), clock(saved.EndMin), state)
}

func runSchedule(args []string) {
	if len(args) < 1 {
		fatalf("usage: ptm schedule <get|optimize|export|show> [options]")
	}
	switch args[0] {
	case "get":
		p, jsonOutput, _ := scheduleFlags(args[1:], false)
		var resp daemon.ScheduleResponse
		call("get_schedule", p, &resp)
		if jsonOutput {
			printJSON(resp)
			return
		}
		printEvents(resp.From, resp.To, resp.Events)
	case "optimize":
		p, jsonOutput, algo := scheduleFlags(args[1:], true)
		cfg := model.OptimizationConfig{AlgorithmType: model.AlgorithmType(algo)}
		if p.Start != "" || p.End != "" {
			r, err := dateRange(p.Start, p.End)
			if err != nil {
				fatalf("%v", err)
			}
			cfg.DateRange = r
		}
		var res model.OptimizationResult
		call("run_optimization", cfg, &res)
		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Printf("scheduled %d events, %d tasks unscheduled, total utility %.2f\n",
			len(res.Events), res.UnscheduledCount(), res.TotalUtility)
		for _, id := range res.UnscheduledTaskIDs {
			fmt.Printf("  unscheduled: %s\n", id)
		}
	case "export":
		if len(args) < 2 {
			fatalf("usage: ptm schedule export <name> [--from <date>] [--to <date>]")
		}
		p, _, _ := scheduleFlags(args[2:], false)
		p.Export = args[1]
		var resp daemon.ScheduleResponse
		call("get_schedule", p, &resp)
		fmt.Printf("exported %d events to %s\n", len(resp.Events), resp.ExportPath)
	case "show":
		if len(args) != 2 {
			fatalf("usage: ptm schedule show <file>")
		}
		ex, err := ptmyaml.ReadScheduleExport(args[1])
		if errors.Is(err, ptmyaml.ErrNewerSchema) {
			fatalf("%v\nthis export needs a newer ptm than %s", err, version)
		}
		if err != nil {
			fatalf("%v", err)
		}
		printExport(ex)
	default:
		fatalf("unknown schedule subcommand: %s", args[0])
	}
}

// scheduleFlags parses --from, --to, --json and, when allowed, --algorithm.
func scheduleFlags(args []string, withAlgorithm bool) (daemon.ScheduleParams, bool, string) {
	var p daemon.ScheduleParams
	var jsonOutput bool
	var algo string
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--from":
			p.Start, err = flagValue(args, &i)
		case "--to":
			p.End, err = flagValue(args, &i)
		case "--json":
			jsonOutput = true
		case "--algorithm":
			if !withAlgorithm {
				err = fmt.Errorf("unknown flag: %s", args[i])
				break
			}
			algo, err = flagValue(args, &i)
			if err == nil && !model.AlgorithmType(algo).Valid() {
				err = fmt.Errorf("unknown algorithm %q", algo)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			fatalf("%v", err)
		}
	}
	return p, jsonOutput, algo
}

// dateRange builds a range from YYYY-MM-DD bounds; a missing bound takes
// the other one.
func dateRange(from, to string) (model.DateRange, error) {
	if from == "" {
		from = to
	}
	if to == "" {
		to = from
	}
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("--from: %w", err)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("--to: %w", err)
	}
	r := model.DateRange{Start: start, End: end}
	return r, r.Validate()
}

func printEvents(from, to string, evs []model.ScheduleEvent) {
	fmt.Printf("Schedule %s .. %s\n", from, to)
	if len(evs) == 0 {
		fmt.Println("  (empty)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range evs {
		pin := ""
		if e.IsManualOverride {
			pin = "pinned"
		}
		part := ""
		if e.TotalParts > 1 {
			part = fmt.Sprintf("%d/%d", e.TaskPart, e.TotalParts)
		}
		fmt.Fprintf(w, "  %s\t%s-%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.DateMs).UTC().Format("Mon 2006-01-02"),
			clock(e.StartMin), clock(e.EndMin), e.SourceTaskID, part, pin, e.ID)
	}
	w.Flush()
}

func printExport(ex ptmyaml.ScheduleExport) {
	fmt.Printf("Schedule %s .. %s (generated %s)\n", ex.From, ex.To, ex.GeneratedAt)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range ex.Events {
		title := e.Title
		if title == "" {
			title = e.TaskID
		}
		pin := ""
		if e.Pinned {
			pin = "pinned"
		}
		fmt.Fprintf(w, "  %s\t%s-%s\t%s\t%s\t%s\n", e.Date, e.Start, e.End, title, e.Part, pin)
	}
	w.Flush()
}

func runEvent(args []string) {
	if len(args) < 2 {
		fatalf("usage: ptm event <move|rm|place> <id> [options]")
	}
	id := args[1]
	switch args[0] {
	case "place":
		p, err := placeParams(args[1:])
		if err != nil {
			fatalf("%v\nusage: ptm event place <task> <date> <HH:MM>", err)
		}
		var e model.ScheduleEvent
		call("place_task", p, &e)
		fmt.Printf("event %s pinned at %s %s-%s\n",
			e.ID, time.UnixMilli(e.DateMs).UTC().Format(time.DateOnly), clock(e.StartMin), clock(e.EndMin))
	case "move":
		p := daemon.EventUpdateParams{ID: id}
		rest := args[2:]
		for i := 0; i < len(rest); i++ {
			var v string
			var err error
			switch rest[i] {
			case "--date":
				if v, err = flagValue(rest, &i); err == nil {
					var day time.Time
					if day, err = time.Parse(time.DateOnly, v); err == nil {
						ms := model.DayMs(day)
						p.DateMs = &ms
					}
				}
			case "--start", "--end":
				flag := rest[i]
				if v, err = flagValue(rest, &i); err == nil {
					var m int
					if m, err = parseClock(v); err == nil {
						if flag == "--start" {
							p.StartMin = &m
						} else {
							p.EndMin = &m
						}
					}
				}
			default:
				err = fmt.Errorf("unknown flag: %s", rest[i])
			}
			if err != nil {
				fatalf("%v", err)
			}
		}
		if p.DateMs == nil && p.StartMin == nil && p.EndMin == nil {
			fatalf("event move needs at least one of --date, --start, --end")
		}
		var e model.ScheduleEvent
		call("update_event", p, &e)
		fmt.Printf("event %s pinned at %s %s-%s\n",
			e.ID, time.UnixMilli(e.DateMs).UTC().Format(time.DateOnly), clock(e.StartMin), clock(e.EndMin))
	case "rm":
		call("remove_event", daemon.IDParams{ID: id}, nil)
		fmt.Printf("removed event %s\n", id)
	default:
		fatalf("unknown event subcommand: %s", args[0])
	}
}
