package model

import (
	"fmt"
	"sync"
	"time"
)

// Build is an externally-created unit of work: realize one top-level
// derivation and record the result back to the database (§3).
type Build struct {
	ID      int64
	DrvPath string
	Project string
	Jobset  *Jobset
	Name    string // the "job" column

	Timestamp time.Time

	LocalPriority  int
	GlobalPriority int

	MaxSilentTime time.Duration
	BuildTimeout  time.Duration

	Toplevel *Step

	mu           sync.Mutex
	outputs      map[string]string // output name -> store path, filled in on success
	finishedInDB bool
	status       BuildStatus
	errorMsg     string
}

// NewBuild constructs a Build not yet attached to a Step graph. Callers
// attach Toplevel once CreateStep has run for DrvPath.
func NewBuild(id int64, drvPath, project, name string, js *Jobset, localPriority, globalPriority int, maxSilentTime, buildTimeout time.Duration, timestamp time.Time) *Build {
	return &Build{
		ID:             id,
		DrvPath:        drvPath,
		Project:        project,
		Jobset:         js,
		Name:           name,
		Timestamp:      timestamp,
		LocalPriority:  localPriority,
		GlobalPriority: globalPriority,
		MaxSilentTime:  maxSilentTime,
		BuildTimeout:   buildTimeout,
		outputs:        make(map[string]string),
	}
}

// Identity returns the textual "project:jobset:name" identity used in logs
// and notifications.
func (b *Build) Identity() string {
	jobset := ""
	if b.Jobset != nil {
		jobset = b.Jobset.Key.Jobset
	}
	return fmt.Sprintf("%s:%s:%s", b.Project, jobset, b.Name)
}

// Finish transitions finishedInDB false→true exactly once (I4). It returns
// false if the build had already finished, in which case the caller must
// not write a second completion row.
func (b *Build) Finish(status BuildStatus, errorMsg string, outputs map[string]string) (first bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishedInDB {
		return false
	}
	b.finishedInDB = true
	b.status = status
	b.errorMsg = errorMsg
	for k, v := range outputs {
		b.outputs[k] = v
	}
	return true
}

// Finished reports whether the build has already been finalized, and if so
// with what status.
func (b *Build) Finished() (status BuildStatus, errorMsg string, finished bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.errorMsg, b.finishedInDB
}

// Outputs returns a snapshot of the build's recorded output store paths.
func (b *Build) Outputs() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.outputs))
	for k, v := range b.outputs {
		out[k] = v
	}
	return out
}
