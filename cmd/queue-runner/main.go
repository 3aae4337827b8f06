// Command queue-runner is the composition root for the build-cluster queue
// runner (§6): it wires the queue monitor, dispatcher, builder workers, and
// machine registry into one process and runs them until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distr1/buildqueue/internal/builder"
	"github.com/distr1/buildqueue/internal/completion"
	"github.com/distr1/buildqueue/internal/dispatcher"
	"github.com/distr1/buildqueue/internal/env"
	"github.com/distr1/buildqueue/internal/lifecycle"
	"github.com/distr1/buildqueue/internal/machines"
	"github.com/distr1/buildqueue/internal/metrics"
	"github.com/distr1/buildqueue/internal/model"
	"github.com/distr1/buildqueue/internal/queuemonitor"
	"github.com/distr1/buildqueue/internal/store"
	"github.com/distr1/buildqueue/internal/throttle"
)

var (
	root           = flag.String("root", env.QueueRunnerRoot, "directory for the lock file and control socket")
	databaseURL    = flag.String("database_url", env.DatabaseURL, "postgres connection string")
	machinesFile   = flag.String("machines_file", env.MachinesFile, "path to the machine-list file")
	localParallel  = flag.Int64("local_parallelism", env.LocalParallelism, "max concurrent local NAR/closure work")
	maxCopies      = flag.Int64("max_parallel_copy_closure", env.MaxParallelCopyClosure, "max concurrent closure uploads across all machines")
	gcRootsDir     = flag.String("gc_roots_dir", "", "directory to symlink successful outputs into as GC roots (empty disables)")
	maxUnsupported = flag.Duration("max_unsupported_time", time.Hour, "how long a step may sit runnable with no supporting machine before failing (0 disables)")

	buildOne   = flag.Int64("build_one", 0, "run until the given build id finishes, then exit reflecting its status, instead of running forever")
	showStatus = flag.Bool("status", false, "query a running instance's status over its control socket and exit")
	unlock     = flag.Bool("unlock", false, "force-remove a stale lock file left by a previous unclean shutdown, then exit")
)

func main() {
	flag.Parse()
	log.SetFlags(0)
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if *showStatus {
		out, err := queryStatus(controlSocketPath(*root))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	if err := os.MkdirAll(*root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", *root, err)
	}

	lockPath := *root + "/lock"
	if *unlock {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", lockPath, err)
		}
		fmt.Printf("removed %s; restart queue-runner normally\n", lockPath)
		return nil
	}

	lock, err := acquireLock(lockPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer lock.Release()

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	db, err := store.Open(*databaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	lifecycle.RegisterAtExit(db.Close)

	listener, err := store.NewListener(*databaseURL)
	if err != nil {
		return fmt.Errorf("opening notification listener: %w", err)
	}
	lifecycle.RegisterAtExit(listener.Close)

	sched := model.NewScheduler()
	rec := metrics.NewRecorder(nil)
	health := machines.NewHealth(0, 0, 0)
	comp := &completion.Handler{Log: logger, Scheduler: sched, Queries: db, Metrics: rec}

	registry := machines.NewRegistry(*machinesFile, 30*time.Second, sched, health)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("starting machine registry: %w", err)
	}
	lifecycle.RegisterAtExit(func() error { registry.Stop(); return nil })

	// dest is left nil: every step is treated as having no cached outputs
	// rather than dialing some single fixed store to ask (§9 DESIGN NOTES;
	// queuemonitor.New documents this as the intended degraded mode).
	monitor := queuemonitor.New(logger, sched, db, nil, rec, comp)

	w := &builder.Worker{
		Log:             logger,
		Scheduler:       sched,
		Queries:         db,
		Completion:      comp,
		Metrics:         rec,
		Health:          health,
		Local:           throttle.NewLocal(*localParallel),
		Copies:          throttle.NewClosureCopies(*maxCopies),
		GCRootsDir:      *gcRootsDir,
		MaxTries:        3,
		RetryInterval:   10 * time.Second,
		RetryBackoff:    2,
		SendLockTimeout: 30 * time.Second,
	}
	launch := func(ctx context.Context, step *model.Step, machine *model.Machine) {
		w.Run(ctx, step, machine)
	}
	disp := dispatcher.New(logger, sched, rec, comp, launch)
	disp.MaxUnsupportedTime = *maxUnsupported

	sockPath := controlSocketPath(*root)
	os.Remove(sockPath) // drop a stale socket left by a previous unclean shutdown
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	lifecycle.RegisterAtExit(ln.Close)
	ctl := &controlServer{sched: sched}
	go ctl.Serve(ctx, ln)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { listener.Run(gctx, sched.QueueWake); return nil })

	if *buildOne != 0 {
		return runBuildOne(gctx, cancel, sched, g, *buildOne)
	}

	err = g.Wait()
	if atexitErr := lifecycle.RunAtExit(); atexitErr != nil && err == nil {
		err = atexitErr
	}
	if err != nil && gctx.Err() != nil {
		return nil // cancellation via signal is not a failure
	}
	return err
}

// runBuildOne polls for buildID to reach a terminal state, then cancels the
// supervised tasks and returns an error if the build did not succeed.
func runBuildOne(ctx context.Context, cancel context.CancelFunc, sched *model.Scheduler, g *errgroup.Group, buildID int64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	// Keep the *Build once seen: finishing a build removes it from the
	// scheduler's table, so a fresh lookup would never observe the end.
	var b *model.Build
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
			if b == nil {
				found, ok := sched.Build(buildID)
				if !ok {
					continue
				}
				b = found
			}
			st, _, finished := b.Finished()
			if !finished {
				continue
			}
			cancel()
			_ = g.Wait()
			if st != model.BsSuccess {
				return fmt.Errorf("build %d finished with status %v", buildID, st)
			}
			return nil
		}
	}
}
