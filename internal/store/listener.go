package store

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/distr1/buildqueue/internal/wake"
)

// channels the queue runner listens on (§6 "Notifications consumed").
var channels = []string{
	"builds_added",
	"builds_restarted",
	"builds_cancelled",
	"builds_deleted",
	"builds_bumped",
	"jobset_shares_changed",
	"dump_status",
}

// Listener translates Postgres LISTEN/NOTIFY traffic into a coalesced wake
// on queueWake: one connection, one goroutine, per §9 design note.
type Listener struct {
	l *pq.Listener
}

// NewListener opens a dedicated LISTEN connection to dsn and subscribes to
// every channel the queue monitor cares about.
func NewListener(dsn string) (*Listener, error) {
	problem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("pq listener event %v: %v", ev, err)
		}
	}
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, problem)
	for _, ch := range channels {
		if err := l.Listen(ch); err != nil {
			l.Close()
			return nil, xerrors.Errorf("listening on %s: %w", ch, err)
		}
	}
	return &Listener{l: l}, nil
}

// Run forwards notifications to wakeChan until ctx is cancelled. The
// periodic nil-Notification pings pq.Listener sends to verify the
// connection is alive are treated the same as a real notification: a
// spurious extra wakeup is harmless, the queue monitor just finds nothing
// new to do (§9 DESIGN NOTES, coalesced wake channels).
func (l *Listener) Run(ctx context.Context, wakeChan *wake.Chan) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.l.Notify:
			if !ok {
				return
			}
			if n != nil {
				log.Printf("received notification on %s: %s", n.Channel, n.Extra)
			}
			wakeChan.Notify()
		case <-time.After(90 * time.Second):
			// pq.Listener recommends a periodic Ping to detect a dead
			// connection the driver itself hasn't noticed yet.
			if err := l.l.Ping(); err != nil {
				log.Printf("pq listener ping: %v", err)
			}
		}
	}
}

// Close releases the LISTEN connection.
func (l *Listener) Close() error {
	return l.l.Close()
}
