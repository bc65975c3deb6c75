// Package session owns one user's live planning state: the task graph, the
// calendar events and the focus blocks. Reads see changes immediately;
// every change is confirmed against the store in the background and undone
// exactly if the store rejects it.
package session

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/scheduler"
	"github.com/msageha/ptm/internal/store"
)

// Store is the persistence boundary. *store.Store satisfies it.
type Store interface {
	Load(ctx context.Context) (store.Snapshot, error)
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) (model.Task, error)
	CreateDependency(ctx context.Context, d model.TaskDependency) error
	DeleteDependency(ctx context.Context, id string) error
	SaveFocusBlock(ctx context.Context, b model.FocusTimeBlock) error
	CreateEvent(ctx context.Context, e model.ScheduleEvent) (model.ScheduleEvent, error)
	UpdateEvent(ctx context.Context, e model.ScheduleEvent) (model.ScheduleEvent, error)
	DeleteEvent(ctx context.Context, id string, version int) error
	CompleteTask(ctx context.Context, t model.Task, events []model.ScheduleEvent) (model.Task, error)
	ReplaceSchedule(ctx context.Context, remove []string, events []model.ScheduleEvent) ([]model.ScheduleEvent, error)
}

// Auditor records outcomes. *events.AuditLogger satisfies it.
type Auditor interface {
	Log(eventType string, details map[string]any) error
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

type Options struct {
	Scheduling     model.SchedulingConfig
	ConfirmTimeout time.Duration
	Bus            *events.Bus
	Audit          Auditor
	Logger         *log.Logger
	LogLevel       string
}

type Session struct {
	store Store
	bus   *events.Bus
	audit Auditor

	logger   *log.Logger
	logLevel LogLevel

	confirmTimeout time.Duration

	mu        sync.Mutex
	graph     *graph.TaskGraph
	events    map[string]model.ScheduleEvent
	blocks    map[string]model.FocusTimeBlock
	sched     *scheduler.Scheduler
	schedCfg  model.SchedulingConfig
	versions  map[string]int // last confirmed version per task/event key
	queue     []*mutation
	seq       uint64 // bumped by every local change and confirmation
	refetch   bool
	closed    bool
	startOnce sync.Once

	runMu     sync.Mutex
	runSeq    uint64
	cancelRun context.CancelFunc

	group singleflight.Group
	wake  chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

func New(st Store, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := opts.Scheduling.WithDefaults()
	return &Session{
		store:          st,
		bus:            opts.Bus,
		audit:          opts.Audit,
		logger:         logger,
		logLevel:       parseLogLevel(opts.LogLevel),
		confirmTimeout: timeout,
		graph:          graph.New(),
		events:         make(map[string]model.ScheduleEvent),
		blocks:         make(map[string]model.FocusTimeBlock),
		versions:       make(map[string]int),
		sched:          scheduler.NewScheduler(cfg),
		schedCfg:       cfg,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// Start loads state from the store and starts the confirmation worker.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Refetch(ctx); err != nil {
		return err
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.confirmLoop()
	})
	return nil
}

// Close cancels any optimization in flight, confirms every queued change
// and stops the worker.
func (s *Session) Close() {
	s.runMu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.runMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

// SetSchedulingConfig swaps the scheduler used by later optimization runs.
func (s *Session) SetSchedulingConfig(cfg model.SchedulingConfig) {
	cfg = cfg.WithDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedCfg = cfg
	s.sched = scheduler.NewScheduler(cfg)
}

func (s *Session) SchedulingConfig() model.SchedulingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedCfg
}

// Refetch replaces local state with the store's copy. Concurrent callers
// share one load. A snapshot taken while local state changed is dropped and
// the load is retried by the worker once its queue drains.
func (s *Session) Refetch(ctx context.Context) error {
	_, err, _ := s.group.Do("refetch", func() (any, error) {
		s.mu.Lock()
		startSeq := s.seq
		s.mu.Unlock()

		snap, err := s.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("refetch: %w", err)
		}
		g, err := graph.Load(snap.Tasks, snap.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("refetch: %w", err)
		}

		s.mu.Lock()
		if s.seq != startSeq {
			s.refetch = true
			s.mu.Unlock()
			s.log(LogLevelDebug, "refetch snapshot stale, retrying after queue drains")
			s.signal()
			return nil, nil
		}
		s.graph = g
		s.events = make(map[string]model.ScheduleEvent, len(snap.Events))
		for _, e := range snap.Events {
			s.events[e.ID] = e
		}
		s.blocks = make(map[string]model.FocusTimeBlock, len(snap.FocusBlocks))
		for _, b := range snap.FocusBlocks {
			s.blocks[b.ID] = b
		}
		s.versions = make(map[string]int, len(snap.Tasks)+len(snap.Events))
		for _, t := range snap.Tasks {
			s.versions[taskKey(t.ID)] = t.Version
		}
		for _, e := range snap.Events {
			s.versions[eventKey(e.ID)] = e.Version
		}
		s.mu.Unlock()

		s.log(LogLevelInfo, "state refetched tasks=%d deps=%d events=%d focus_blocks=%d",
			len(snap.Tasks), len(snap.Dependencies), len(snap.Events), len(snap.FocusBlocks))
		s.publish(events.EventStateRefetched, map[string]any{"tasks": len(snap.Tasks), "events": len(snap.Events)})
		return nil, nil
	})
	return err
}

// Snapshot is a deep copy of the session state.
type Snapshot struct {
	Graph       *graph.TaskGraph
	Events      []model.ScheduleEvent
	FocusBlocks []model.FocusTimeBlock
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Graph:       s.graph.Clone(),
		Events:      sortedEvents(s.events),
		FocusBlocks: sortedBlocks(s.blocks),
	}
}

func sortedEvents(m map[string]model.ScheduleEvent) []model.ScheduleEvent {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b model.ScheduleEvent) int {
		return cmp.Or(cmp.Compare(a.DateMs, b.DateMs), cmp.Compare(a.StartMin, b.StartMin), strings.Compare(a.ID, b.ID))
	})
	return out
}

func sortedBlocks(m map[string]model.FocusTimeBlock) []model.FocusTimeBlock {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b model.FocusTimeBlock) int {
		return cmp.Or(cmp.Compare(a.DayOfWeek, b.DayOfWeek), cmp.Compare(a.StartMin, b.StartMin), strings.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Session) Task(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Task(id)
}

func (s *Session) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Tasks()
}

func (s *Session) Dependencies() []model.TaskDependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Dependencies()
}

func (s *Session) Event(id string) (model.ScheduleEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *Session) IsBlocked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.IsBlocked(taskID)
}

// ValidateDependency checks an edge without adding it.
func (s *Session) ValidateDependency(taskID, dependsOnTaskID string) graph.DependencyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.ValidateDependency(taskID, dependsOnTaskID)
}

// Schedule returns the events on days inside r, chronologically.
func (s *Session) Schedule(r model.DateRange) []model.ScheduleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduleEvent
	for _, e := range sortedEvents(s.events) {
		if r.Contains(e.DateMs) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Session) publish(t events.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func (s *Session) record(op string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(op, details); err != nil {
		s.log(LogLevelWarn, "audit write failed op=%s error=%v", op, err)
	}
}

func (s *Session) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s session: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
