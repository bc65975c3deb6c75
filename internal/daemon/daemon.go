// Package daemon runs the ptm session behind a Unix socket. It owns the
// store, the event bus, the audit log, config hot reload and the periodic
// re-optimization job.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/msageha/ptm/internal/dragdrop"
	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/lock"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/session"
	"github.com/msageha/ptm/internal/status"
	"github.com/msageha/ptm/internal/store"
	"github.com/msageha/ptm/internal/uds"
)

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
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the main ptm daemon process.
type Daemon struct {
	ptmDir  string
	logger  *log.Logger
	logFile io.Closer

	cfgMu    sync.RWMutex
	config   model.Config
	logLevel LogLevel

	fileLock *lock.FileLock
	keys     *lock.MutexMap
	server   *uds.Server
	watcher  *fsnotify.Watcher
	cron     *cron.Cron
	cronID   cron.EntryID

	store    *store.Store
	bus      *events.Bus
	audit    *events.AuditLogger
	session  *session.Session
	drag     *dragdrop.Coordinator
	unsubs   []func()
	activity activity
	started  time.Time

	reloadDelay time.Duration
	reloadTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// OptimizationTimeout bounds one run_optimization request, which may run an
// exact search far longer than ordinary commands.
const OptimizationTimeout = 5 * time.Minute

// New creates a daemon for the project directory ptmDir, logging to
// logs/daemon.log.
func New(ptmDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(ptmDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(ptmDir, cfg, logFile, logFile), nil
}

func newDaemon(ptmDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	server := uds.NewServer(filepath.Join(ptmDir, uds.DefaultSocketName))
	if cfg.Daemon.ConnTimeoutSec > 0 {
		server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)
	}
	server.SetCommandTimeout("run_optimization", OptimizationTimeout)
	logger := log.New(w, "", 0)
	server.SetLogger(logger)

	return &Daemon{
		ptmDir:      ptmDir,
		config:      cfg,
		logLevel:    parseLogLevel(cfg.Logging.Level),
		logger:      logger,
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(ptmDir, "locks", "daemon.lock")),
		keys:        lock.NewMutexMap(),
		server:      server,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		reloadDelay: 200 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up without blocking. On error everything
// already started is released.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = time.Now()
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	if err := d.openState(); err != nil {
		d.release()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.release()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	// config.yaml is replaced by rename, so watch the directory
	if err := watcher.Add(d.ptmDir); err != nil {
		d.release()
		return fmt.Errorf("watch %s: %w", d.ptmDir, err)
	}

	if err := d.scheduleReoptimize(d.cfg().Scheduling.ReoptimizeCron); err != nil {
		d.release()
		return err
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.release()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.ptmDir, uds.DefaultSocketName))

	d.wg.Add(1)
	go d.fsnotifyLoop()
	d.cron.Start()

	d.log(LogLevelInfo, "daemon ready")
	return nil
}

// openState opens the store, the audit log and the event bus, then loads
// the session.
func (d *Daemon) openState() error {
	cfg := d.cfg()

	st, err := store.Open(status.StorePath(d.ptmDir, cfg), d.logger.Writer())
	if err != nil {
		return err
	}
	d.store = st

	audit, err := events.NewAuditLogger(filepath.Join(d.ptmDir, "logs", "audit"+events.LogFileExtension), 0)
	if err != nil {
		return err
	}
	audit.EnableChecksum(true)
	d.audit = audit

	d.bus = events.NewBus(64)
	d.unsubs = append(d.unsubs,
		d.bus.Subscribe(events.EventMutationRolledBack, func(events.Event) {
			d.activity.rolledBack()
		}),
		d.bus.Subscribe(events.EventOptimizationCompleted, d.activity.optimized),
		d.bus.Subscribe(events.EventOptimizationFailed, d.activity.optimized),
	)

	d.session = session.New(st, session.Options{
		Scheduling:     cfg.Scheduling,
		ConfirmTimeout: time.Duration(cfg.Daemon.ConfirmTimeoutSec) * time.Second,
		Bus:            d.bus,
		Audit:          audit,
		Logger:         d.logger,
		LogLevel:       cfg.Logging.Level,
	})
	if err := d.session.Start(d.ctx); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	d.drag = dragdrop.New(d.session, cfg.Scheduling.SnapMinutes)
	return nil
}

func (d *Daemon) cfg() model.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}

// waitSignals blocks until a shutdown signal arrives or a shutdown requested
// over the socket completes.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-d.stopped:
		return
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.log(LogLevelInfo, "shutdown started")

		// stop accepting work, then let queued changes reach the store
		d.cancel()
		timeout := d.cfg().Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 10
		}

		done := make(chan struct{})
		go func() {
			<-d.cron.Stop().Done()
			if d.watcher != nil {
				d.watcher.Close()
			}
			d.server.Stop()
			if d.session != nil {
				d.session.Close()
			}
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some changes may not be confirmed", timeout)
		}

		d.log(LogLevelInfo, "daemon stopped")
		d.release()
	})
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// release closes everything Start may have opened.
func (d *Daemon) release() {
	if d.session != nil {
		d.session.Close()
	}
	d.cfgMu.Lock()
	if d.reloadTimer != nil {
		d.reloadTimer.Stop()
	}
	d.cfgMu.Unlock()
	if d.watcher != nil {
		d.watcher.Close()
	}
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	if d.bus != nil {
		d.bus.Close()
		d.bus = nil
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log(LogLevelWarn, "close audit log: %v", err)
		}
		d.audit = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log(LogLevelWarn, "close store: %v", err)
		}
		d.store = nil
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	d.cfgMu.RLock()
	threshold := d.logLevel
	d.cfgMu.RUnlock()
	if level < threshold {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
