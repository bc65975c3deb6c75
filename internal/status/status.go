// Package status reports daemon liveness and a summary of the planning state.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/lock"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/store"
	"github.com/msageha/ptm/internal/uds"
	ptmyaml "github.com/msageha/ptm/internal/yaml"
)

type Report struct {
	Daemon  DaemonStatus `json:"daemon"`
	Project string       `json:"project,omitempty"`
	Summary Summary      `json:"summary"`
}

type DaemonStatus struct {
	Running          bool                `json:"running"`
	Pid              int                 `json:"pid,omitempty"`
	StartedAt        time.Time           `json:"started_at,omitzero"`
	Rollbacks        int                 `json:"rollbacks"`
	LastOptimization *OptimizationStatus `json:"last_optimization,omitempty"`
}

// OptimizationStatus describes the most recent optimization run.
type OptimizationStatus struct {
	At           time.Time `json:"at"`
	Outcome      string    `json:"outcome"`
	Algorithm    string    `json:"algorithm"`
	Events       int       `json:"events"`
	Unscheduled  int       `json:"unscheduled"`
	TotalUtility float64   `json:"total_utility"`
	Error        string    `json:"error,omitempty"`
}

type Summary struct {
	Tasks          TaskCounts  `json:"tasks"`
	Dependencies   int         `json:"dependencies"`
	FocusBlocks    int         `json:"focus_blocks"`
	Events         EventCounts `json:"events"`
	Algorithm      string      `json:"algorithm"`
	ReoptimizeCron string      `json:"reoptimize_cron,omitempty"`
}

type TaskCounts struct {
	Total      int `json:"total"`
	Todo       int `json:"todo"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Blocked    int `json:"blocked"`
}

type EventCounts struct {
	Total     int `json:"total"`
	Pinned    int `json:"pinned"`
	Completed int `json:"completed"`
}

// Summarize counts the state held in g, events and blocks.
func Summarize(g *graph.TaskGraph, events []model.ScheduleEvent, blocks []model.FocusTimeBlock, cfg model.SchedulingConfig) Summary {
	s := Summary{
		Dependencies:   len(g.Dependencies()),
		FocusBlocks:    len(blocks),
		Algorithm:      string(cfg.DefaultAlgorithm),
		ReoptimizeCron: cfg.ReoptimizeCron,
	}
	for _, t := range g.Tasks() {
		s.Tasks.Total++
		switch t.Status {
		case model.TaskStatusTodo:
			s.Tasks.Todo++
		case model.TaskStatusInProgress:
			s.Tasks.InProgress++
		case model.TaskStatusDone:
			s.Tasks.Done++
		}
		if t.Status != model.TaskStatusDone && g.IsBlocked(t.ID) {
			s.Tasks.Blocked++
		}
	}
	for _, e := range events {
		s.Events.Total++
		if e.IsManualOverride {
			s.Events.Pinned++
		}
		if e.Status == model.EventStatusCompleted {
			s.Events.Completed++
		}
	}
	return s
}

// Run prints the status of the project rooted at ptmDir. A running daemon
// answers from its live session; otherwise the store is read directly.
func Run(ctx context.Context, ptmDir string, jsonOutput bool) error {
	report, err := Collect(ctx, ptmDir)
	if err != nil {
		return err
	}
	return Print(os.Stdout, report, jsonOutput)
}

func Collect(ctx context.Context, ptmDir string) (Report, error) {
	sockPath := filepath.Join(ptmDir, uds.DefaultSocketName)
	var report Report
	if err := uds.NewClient(sockPath).Call("status", nil, &report); err == nil {
		return report, nil
	}

	report, err := offline(ctx, ptmDir)
	if err != nil {
		return Report{}, err
	}
	pid, err := lock.HolderPID(filepath.Join(ptmDir, "locks", "daemon.lock"))
	if err == nil && pid > 0 {
		// lock held but the socket did not answer: starting or wedged
		report.Daemon = DaemonStatus{Running: true, Pid: pid}
	}
	return report, nil
}

func offline(ctx context.Context, ptmDir string) (Report, error) {
	cfg, err := ptmyaml.LoadConfig(ptmDir)
	if err != nil {
		return Report{}, err
	}
	st, err := store.Open(StorePath(ptmDir, cfg), io.Discard)
	if err != nil {
		return Report{}, err
	}
	defer st.Close()

	snap, err := st.Load(ctx)
	if err != nil {
		return Report{}, err
	}
	g, err := graph.Load(snap.Tasks, snap.Dependencies)
	if err != nil {
		return Report{}, fmt.Errorf("load task graph: %w", err)
	}
	return Report{
		Project: cfg.Project.Name,
		Summary: Summarize(g, snap.Events, snap.FocusBlocks, cfg.Scheduling),
	}, nil
}

// StorePath resolves cfg.Store.Path against ptmDir.
func StorePath(ptmDir string, cfg model.Config) string {
	p := cfg.Store.Path
	if p == "" {
		p = model.DefaultConfig().Store.Path
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ptmDir, p)
}

func Print(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Daemon.Running {
		if r.Daemon.Pid > 0 {
			fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)
		} else {
			fmt.Fprintln(w, "Daemon: running")
		}
		if !r.Daemon.StartedAt.IsZero() {
			fmt.Fprintf(w, "  since %s, %d rolled-back change(s)\n", r.Daemon.StartedAt.Format(time.RFC3339), r.Daemon.Rollbacks)
		}
		if o := r.Daemon.LastOptimization; o != nil {
			fmt.Fprintf(w, "  last optimization %s at %s (%s", o.Outcome, o.At.Format(time.RFC3339), o.Algorithm)
			if o.Error != "" {
				fmt.Fprintf(w, ": %s)\n", o.Error)
			} else {
				fmt.Fprintf(w, ", %d events, %d unscheduled)\n", o.Events, o.Unscheduled)
			}
		}
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	if r.Project != "" {
		fmt.Fprintf(w, "Project: %s\n", r.Project)
	}

	s := r.Summary
	fmt.Fprintln(w, "\nTasks:")
	fmt.Fprintf(w, "  %-12s %d\n", "total", s.Tasks.Total)
	fmt.Fprintf(w, "  %-12s %d\n", "todo", s.Tasks.Todo)
	fmt.Fprintf(w, "  %-12s %d\n", "in_progress", s.Tasks.InProgress)
	fmt.Fprintf(w, "  %-12s %d\n", "done", s.Tasks.Done)
	fmt.Fprintf(w, "  %-12s %d\n", "blocked", s.Tasks.Blocked)
	fmt.Fprintf(w, "\nDependencies: %d\nFocus blocks: %d\n", s.Dependencies, s.FocusBlocks)
	fmt.Fprintf(w, "\nEvents: %d (pinned %d, completed %d)\n", s.Events.Total, s.Events.Pinned, s.Events.Completed)
	fmt.Fprintf(w, "Algorithm: %s\n", s.Algorithm)
	if s.ReoptimizeCron != "" {
		fmt.Fprintf(w, "Reoptimize: %s\n", s.ReoptimizeCron)
	}
	return nil
}
