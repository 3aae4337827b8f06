// Package env captures the queue runner's process environment and
// configuration defaults. The env-derived values here are the default
// values of the corresponding flags in cmd/queue-runner, which override them.
package env

import (
	"os"
	"time"
)

// QueueRunnerRoot is the root directory the queue runner keeps its local
// state under (lock file, control socket). GC roots go to the separate
// --gc_roots_dir directory.
var QueueRunnerRoot = findQueueRunnerRoot()

func findQueueRunnerRoot() string {
	if v := os.Getenv("QUEUE_RUNNER_ROOT"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/.queue-runner")
}

// DatabaseURL is the Postgres connection string internal/store dials
// (lib/pq DSN or URL form). QUEUE_RUNNER_DATABASE_URL takes precedence; a
// plain local default keeps a fresh checkout runnable against a local
// Postgres without any configuration.
var DatabaseURL = findDatabaseURL()

func findDatabaseURL() string {
	if v := os.Getenv("QUEUE_RUNNER_DATABASE_URL"); v != "" {
		return v
	}
	return "postgres:///queue_runner?sslmode=disable"
}

// MachinesFile is the default path to the machine-list file
// internal/machines.Registry watches (§4.4).
var MachinesFile = findMachinesFile()

func findMachinesFile() string {
	if v := os.Getenv("QUEUE_RUNNER_MACHINES_FILE"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/.config/queue-runner/machines")
}

// SchedulingWindow is a 24h scheduling-window value (§3, §5). Nothing reads
// it: jobset share accounting in internal/model prunes with its own
// model.SchedulingWindow constant.
var SchedulingWindow = 24 * time.Hour

// LocalParallelism bounds concurrent CPU-bound local work (NAR extraction,
// closure hashing; §4.6).
var LocalParallelism = int64(findIntEnv("QUEUE_RUNNER_LOCAL_PARALLELISM", 4))

// MaxParallelCopyClosure bounds concurrent closure uploads across all
// machines combined (§4.3 step 3, §5).
var MaxParallelCopyClosure = int64(findIntEnv("QUEUE_RUNNER_MAX_PARALLEL_COPY_CLOSURE", 4))

func findIntEnv(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		v = v*10 + int(c-'0')
	}
	if v <= 0 {
		return fallback
	}
	return v
}
