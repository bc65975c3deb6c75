package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/ptm/internal/dragdrop"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/session"
	"github.com/msageha/ptm/internal/status"
	"github.com/msageha/ptm/internal/uds"
	ptmyaml "github.com/msageha/ptm/internal/yaml"
)

// DependencyParams is the payload of validate_dependency and add_dependency.
type DependencyParams struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
}

// IDParams is the payload of commands addressing one entity.
type IDParams struct {
	ID string `json:"id"`
}

// TaskUpdateParams patches a task; nil fields are left unchanged.
type TaskUpdateParams struct {
	ID                     string            `json:"id"`
	Title                  *string           `json:"title,omitempty"`
	Priority               *model.Priority   `json:"priority,omitempty"`
	EstimatedDurationHours *float64          `json:"estimated_duration_hours,omitempty"`
	Deadline               *time.Time        `json:"deadline,omitempty"`
	ClearDeadline          bool              `json:"clear_deadline,omitempty"`
	IsDeepWork             *bool             `json:"is_deep_work,omitempty"`
	Status                 *model.TaskStatus `json:"status,omitempty"`
	Tags                   *[]string         `json:"tags,omitempty"`
}

func (p TaskUpdateParams) apply(t model.Task) model.Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.EstimatedDurationHours != nil {
		t.EstimatedDurationHours = *p.EstimatedDurationHours
	}
	if p.ClearDeadline {
		t.Deadline = nil
	} else if p.Deadline != nil {
		dl := *p.Deadline
		t.Deadline = &dl
	}
	if p.IsDeepWork != nil {
		t.IsDeepWork = *p.IsDeepWork
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Tags != nil {
		t.Tags = append([]string(nil), (*p.Tags)...)
	}
	return t
}

// ReparentParams moves a task under ParentTaskID, or to the top level when nil.
type ReparentParams struct {
	ID           string  `json:"id"`
	ParentTaskID *string `json:"parent_task_id"`
}

// ScheduleParams selects days by YYYY-MM-DD. Empty Start means today and
// empty End covers the configured horizon. A non-empty Export names a file
// under .ptm/exports/ to write the schedule to.
type ScheduleParams struct {
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
	Export string `json:"export,omitempty"`
}

type ScheduleResponse struct {
	From       string                `json:"from"`
	To         string                `json:"to"`
	Events     []model.ScheduleEvent `json:"events"`
	ExportPath string                `json:"export_path,omitempty"`
}

// TaskView is one entry of list_tasks.
type TaskView struct {
	model.Task
	Blocked bool `json:"blocked"`
}

// PlaceTaskParams drops a task onto the calendar at Date (YYYY-MM-DD),
// StartMin minutes after midnight. The start snaps to the grid.
type PlaceTaskParams struct {
	TaskID   string `json:"task_id"`
	Date     string `json:"date"`
	StartMin int    `json:"start_min"`
}

// EventUpdateParams moves or resizes an event; the result is pinned.
type EventUpdateParams struct {
	ID string `json:"id"`
	model.EventPatch
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("shutdown", func(context.Context, *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.handle("status", d.handleStatus)
	d.handle("validate_dependency", d.handleValidateDependency)
	d.handle("add_dependency", d.handleAddDependency)
	d.handle("remove_dependency", d.handleRemoveDependency)
	d.handle("list_tasks", d.handleListTasks)
	d.handle("add_task", d.handleAddTask)
	d.handle("update_task", d.handleUpdateTask)
	d.handle("reparent_task", d.handleReparentTask)
	d.handle("set_focus_block", d.handleSetFocusBlock)
	d.handle("get_schedule", d.handleGetSchedule)
	d.handle("run_optimization", d.handleRunOptimization)
	d.handle("place_task", d.handlePlaceTask)
	d.handle("update_event", d.handleUpdateEvent)
	d.handle("remove_event", d.handleRemoveEvent)
}

type handlerFunc func(ctx context.Context, req *uds.Request) (any, error)

// handle adapts a handler returning (data, error) to the socket protocol.
func (d *Daemon) handle(command string, fn handlerFunc) {
	d.server.Handle(command, func(ctx context.Context, req *uds.Request) *uds.Response {
		started := time.Now()
		data, err := fn(ctx, req)
		if err != nil {
			return d.errorResponse(command, err)
		}
		d.log(LogLevelDebug, "command=%s ok elapsed=%s", command, time.Since(started))
		return uds.SuccessResponse(data)
	})
}

func decode(req *uds.Request, v any) error {
	if err := req.DecodeParams(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func requireID(id, what string) error {
	if strings.TrimSpace(id) == "" {
		return invalidParams("%s is required", what)
	}
	return nil
}

func (d *Daemon) handleStatus(context.Context, *uds.Request) (any, error) {
	snap := d.session.Snapshot()
	report := status.Report{
		Daemon:  status.DaemonStatus{Running: true, Pid: os.Getpid()},
		Project: d.cfg().Project.Name,
		Summary: status.Summarize(snap.Graph, snap.Events, snap.FocusBlocks, d.session.SchedulingConfig()),
	}
	d.activity.fill(&report.Daemon, d.started)
	return report, nil
}

func (d *Daemon) handleValidateDependency(_ context.Context, req *uds.Request) (any, error) {
	var p DependencyParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	return d.session.ValidateDependency(p.TaskID, p.DependsOnTaskID), nil
}

func (d *Daemon) handleAddDependency(ctx context.Context, req *uds.Request) (any, error) {
	var p DependencyParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	dep, pending, err := d.session.AddDependency(p.TaskID, p.DependsOnTaskID)
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	return dep, nil
}

func (d *Daemon) handleRemoveDependency(ctx context.Context, req *uds.Request) (any, error) {
	var p IDParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	pending, err := d.session.RemoveDependency(p.ID)
	if err != nil {
		return nil, err
	}
	return nil, pending.Wait(ctx)
}

func (d *Daemon) handleListTasks(context.Context, *uds.Request) (any, error) {
	snap := d.session.Snapshot()
	tasks := snap.Graph.Tasks()
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskView{Task: t, Blocked: t.Status != model.TaskStatusDone && snap.Graph.IsBlocked(t.ID)})
	}
	return out, nil
}

func (d *Daemon) handleAddTask(ctx context.Context, req *uds.Request) (any, error) {
	var t model.Task
	if err := decode(req, &t); err != nil {
		return nil, err
	}
	added, pending, err := d.session.AddTask(t)
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	if cur, ok := d.session.Task(added.ID); ok {
		return cur, nil
	}
	return added, nil
}

func (d *Daemon) handleUpdateTask(ctx context.Context, req *uds.Request) (any, error) {
	var p TaskUpdateParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}

	// read-modify-write of one task
	unlock := d.keys.LockAll("task:" + p.ID)
	defer unlock()

	cur, ok := d.session.Task(p.ID)
	if !ok {
		return nil, fmt.Errorf("task %q: %w", p.ID, session.ErrNotFound)
	}
	pending, err := d.session.UpdateTask(p.apply(cur))
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	updated, _ := d.session.Task(p.ID)
	return updated, nil
}

func (d *Daemon) handleReparentTask(ctx context.Context, req *uds.Request) (any, error) {
	var p ReparentParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}

	unlock := d.keys.LockAll("task:" + p.ID)
	defer unlock()

	pending, err := d.session.ReparentTask(p.ID, p.ParentTaskID)
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	moved, _ := d.session.Task(p.ID)
	return moved, nil
}

func (d *Daemon) handleSetFocusBlock(ctx context.Context, req *uds.Request) (any, error) {
	var b model.FocusTimeBlock
	if err := decode(req, &b); err != nil {
		return nil, err
	}
	saved, pending, err := d.session.SetFocusBlock(b)
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func (d *Daemon) handleGetSchedule(_ context.Context, req *uds.Request) (any, error) {
	var p ScheduleParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	r, err := d.scheduleRange(p, time.Now())
	if err != nil {
		return nil, err
	}

	resp := ScheduleResponse{
		From:   r.Start.Format(time.DateOnly),
		To:     r.End.Format(time.DateOnly),
		Events: d.session.Schedule(r),
	}
	if resp.Events == nil {
		resp.Events = []model.ScheduleEvent{}
	}
	if p.Export != "" {
		path, err := d.export(p.Export, r, resp.Events)
		if err != nil {
			return nil, err
		}
		resp.ExportPath = path
	}
	return resp, nil
}

func (d *Daemon) scheduleRange(p ScheduleParams, now time.Time) (model.DateRange, error) {
	start := model.TruncateDay(now)
	if p.Start != "" {
		t, err := time.Parse(time.DateOnly, p.Start)
		if err != nil {
			return model.DateRange{}, invalidParams("start: %v", err)
		}
		start = t
	}
	end := start.AddDate(0, 0, d.session.SchedulingConfig().HorizonDays-1)
	if p.End != "" {
		t, err := time.Parse(time.DateOnly, p.End)
		if err != nil {
			return model.DateRange{}, invalidParams("end: %v", err)
		}
		end = t
	}
	r := model.DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return model.DateRange{}, invalidParams("%v", err)
	}
	return r, nil
}

// export writes events to .ptm/exports/<name>. Writers of the same file are
// serialized.
func (d *Daemon) export(name string, r model.DateRange, evs []model.ScheduleEvent) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return "", invalidParams("export name %q", name)
	}
	if filepath.Ext(base) == "" {
		base += ".yaml"
	}
	path := filepath.Join(d.ptmDir, "exports", base)

	titles := make(map[string]string)
	for _, t := range d.session.Tasks() {
		titles[t.ID] = t.Title
	}
	ex := ptmyaml.NewScheduleExport(r, evs, titles, time.Now())

	err := d.keys.Do("export:"+path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create exports dir: %w", err)
		}
		return ptmyaml.WriteScheduleExport(path, ex)
	})
	if err != nil {
		return "", err
	}
	d.log(LogLevelInfo, "schedule exported path=%s events=%d", path, len(evs))
	return path, nil
}

func (d *Daemon) handleRunOptimization(ctx context.Context, req *uds.Request) (any, error) {
	var cfg model.OptimizationConfig
	if err := decode(req, &cfg); err != nil {
		return nil, err
	}
	return d.session.RunOptimization(ctx, cfg)
}

func (d *Daemon) handleUpdateEvent(ctx context.Context, req *uds.Request) (any, error) {
	var p EventUpdateParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	e, pending, err := d.session.UpdateEvent(p.ID, p.EventPatch)
	if err != nil {
		return nil, err
	}
	if err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	if cur, ok := d.session.Event(e.ID); ok {
		return cur, nil
	}
	return e, nil
}

// handlePlaceTask runs one external drag through the coordinator. Drops are
// serialized since the coordinator tracks a single gesture.
func (d *Daemon) handlePlaceTask(ctx context.Context, req *uds.Request) (any, error) {
	var p PlaceTaskParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.TaskID, "task_id"); err != nil {
		return nil, err
	}
	day, err := time.Parse(time.DateOnly, p.Date)
	if err != nil {
		return nil, invalidParams("date: %v", err)
	}
	if p.StartMin < 0 || p.StartMin >= model.MinutesPerDay {
		return nil, invalidParams("start_min %d outside the day", p.StartMin)
	}

	var drop dragdrop.Drop
	err = d.keys.Do("dragdrop", func() error {
		if err := d.drag.BeginExternal(p.TaskID); err != nil {
			return err
		}
		var err error
		drop, err = d.drag.DropOnCalendar(day.UnixMilli(), p.StartMin)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := drop.Pending.Wait(ctx); err != nil {
		return nil, err
	}
	if cur, ok := d.session.Event(drop.Event.ID); ok {
		return cur, nil
	}
	return drop.Event, nil
}

func (d *Daemon) handleRemoveEvent(ctx context.Context, req *uds.Request) (any, error) {
	var p IDParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if err := requireID(p.ID, "id"); err != nil {
		return nil, err
	}
	pending, err := d.session.RemoveEvent(p.ID)
	if err != nil {
		return nil, err
	}
	return nil, pending.Wait(ctx)
}
