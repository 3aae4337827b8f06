package machines

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/xerrors"

	"github.com/distr1/buildqueue/internal/model"
)

// Registry watches a machine-list file and reconciles it into a
// model.Scheduler's machine table (§4.4). It reloads on two triggers: an
// fsnotify event on the containing directory, and — because fsnotify misses
// events on some network filesystems the machine-list file is often served
// from — a gocron fallback poll every PollInterval.
type Registry struct {
	Path         string
	PollInterval time.Duration

	sched   *model.Scheduler
	health  *Health
	watcher *fsnotify.Watcher
	cron    gocron.Scheduler
}

// NewRegistry constructs a Registry bound to sched and health. Call Start to
// begin watching.
func NewRegistry(path string, pollInterval time.Duration, sched *model.Scheduler, health *Health) *Registry {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Registry{
		Path:         path,
		PollInterval: pollInterval,
		sched:        sched,
		health:       health,
	}
}

// Start performs an initial load, then begins watching the file for changes
// until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Reload(); err != nil {
		return xerrors.Errorf("initial machines load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Errorf("creating machines file watcher: %w", err)
	}
	r.watcher = watcher
	dir := filepath.Dir(r.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return xerrors.Errorf("watching %s: %w", dir, err)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		watcher.Close()
		return xerrors.Errorf("creating reload scheduler: %w", err)
	}
	r.cron = cron
	if _, err := cron.NewJob(
		gocron.DurationJob(r.PollInterval),
		gocron.NewTask(func() {
			if err := r.Reload(); err != nil {
				log.Printf("periodic machines reload: %v", err)
			}
		}),
	); err != nil {
		watcher.Close()
		return xerrors.Errorf("scheduling periodic reload: %w", err)
	}
	cron.Start()

	go r.watchLoop(ctx)
	return nil
}

// Stop releases the watcher and cron scheduler.
func (r *Registry) Stop() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if r.cron != nil {
		r.cron.Shutdown()
	}
}

func (r *Registry) watchLoop(ctx context.Context) {
	base := filepath.Base(r.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Printf("reloading machines file after %s: %v", ev.Op, err)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("machines file watcher error: %v", err)
		}
	}
}

// Reload reads the machine-list file and reconciles it into the scheduler's
// machine table: new entries are added, changed entries replace the old
// Machine value outright (identity is immutable, §4.4), and entries no
// longer present are marked removed rather than deleted immediately, so a
// currently-busy machine keeps running its existing reservations to
// completion (§3 Lifecycles).
func (r *Registry) Reload() error {
	f, err := os.Open(r.Path)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", r.Path, err)
	}
	defer f.Close()

	entries, err := ParseFile(f)
	if err != nil {
		return err
	}

	now := time.Now()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.StoreURI] = true
		nm := model.NewMachine(e.StoreURI, e.SystemTypes, e.SupportedFeatures, e.MandatoryFeatures, e.MaxJobs, e.SpeedFactor, now)
		if old, ok := r.sched.Machine(e.StoreURI); ok && !old.Removed() &&
			old.MaxJobs == nm.MaxJobs && old.SpeedFactor == nm.SpeedFactor &&
			reflect.DeepEqual(old.SystemTypes, nm.SystemTypes) &&
			reflect.DeepEqual(old.SupportedFeatures, nm.SupportedFeatures) &&
			reflect.DeepEqual(old.MandatoryFeatures, nm.MandatoryFeatures) {
			continue // unchanged: keep its in-flight jobs and disabled state
		}
		r.sched.PutMachine(nm)
	}

	for _, m := range r.sched.Machines() {
		if seen[m.StoreURI] {
			continue
		}
		m.MarkRemoved()
		if m.CurrentJobs() == 0 {
			r.sched.RemoveMachine(m.StoreURI)
			if r.health != nil {
				r.health.Forget(m.StoreURI)
			}
		}
	}
	return nil
}
