package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/msageha/ptm/internal/dragdrop"
	"github.com/msageha/ptm/internal/model"
	ptmyaml "github.com/msageha/ptm/internal/yaml"
)

// fsnotifyLoop reloads config.yaml after it changes. Bursts of events are
// collapsed into one reload after reloadDelay.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	configPath := ptmyaml.ConfigPath(d.ptmDir)
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.scheduleReload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) scheduleReload() {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	if d.reloadTimer != nil {
		d.reloadTimer.Stop()
	}
	d.reloadTimer = time.AfterFunc(d.reloadDelay, func() {
		if d.ctx.Err() != nil {
			return
		}
		if err := d.reloadConfig(); err != nil {
			d.log(LogLevelWarn, "config reload rejected, keeping previous config: %v", err)
		}
	})
}

// reloadConfig applies config.yaml to the running daemon. A file that does
// not parse or validate leaves the running config untouched; recovery of
// corrupt files happens only at startup.
func (d *Daemon) reloadConfig() error {
	content, err := os.ReadFile(ptmyaml.ConfigPath(d.ptmDir))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	next, err := ptmyaml.ParseConfig(content)
	if err != nil {
		return err
	}

	prev := d.cfg()
	if next.Scheduling.ReoptimizeCron != prev.Scheduling.ReoptimizeCron {
		if err := d.scheduleReoptimize(next.Scheduling.ReoptimizeCron); err != nil {
			return err
		}
	}
	d.session.SetSchedulingConfig(next.Scheduling)
	if next.Scheduling.SnapMinutes != prev.Scheduling.SnapMinutes {
		_ = d.keys.Do("dragdrop", func() error {
			d.drag = dragdrop.New(d.session, next.Scheduling.SnapMinutes)
			return nil
		})
	}

	d.cfgMu.Lock()
	// the store location and socket timeouts only change on restart
	next.Store = prev.Store
	next.Daemon = prev.Daemon
	d.config = next
	d.logLevel = parseLogLevel(next.Logging.Level)
	d.cfgMu.Unlock()

	d.log(LogLevelInfo, "config reloaded algorithm=%s reoptimize_cron=%q",
		next.Scheduling.DefaultAlgorithm, next.Scheduling.ReoptimizeCron)
	return nil
}

// scheduleReoptimize replaces the periodic optimization job. An empty spec
// removes it. Specs use the standard five cron fields in UTC.
func (d *Daemon) scheduleReoptimize(spec string) error {
	var sched cron.Schedule
	if spec != "" {
		s, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("scheduling.reoptimize_cron %q: %w", spec, err)
		}
		sched = s
	}

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	if d.cronID != 0 {
		d.cron.Remove(d.cronID)
		d.cronID = 0
	}
	if sched != nil {
		d.cronID = d.cron.Schedule(sched, cron.FuncJob(d.reoptimize))
	}
	return nil
}

// reoptimize runs the default optimization over the configured horizon.
func (d *Daemon) reoptimize() {
	if d.ctx.Err() != nil {
		return
	}
	d.log(LogLevelInfo, "periodic optimization started")
	res, err := d.session.RunOptimization(d.ctx, model.OptimizationConfig{})
	if err != nil {
		d.log(LogLevelWarn, "periodic optimization failed: %v", err)
		return
	}
	d.log(LogLevelInfo, "periodic optimization completed events=%d unscheduled=%d",
		len(res.Events), res.UnscheduledCount())
}
