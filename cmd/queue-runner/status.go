package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/distr1/buildqueue/internal/model"
)

// controlSocketPath is where the running instance listens for --status
// queries, mirroring the teacher's own "unix://" control-socket convention
// (cmd/distri/gc.go, fusectl.go) without pulling in a gRPC service
// definition for what is a single plain-text request/response.
func controlSocketPath(root string) string {
	return root + "/control"
}

// controlServer answers --status queries from other queue-runner
// invocations while this process is running.
type controlServer struct {
	sched *model.Scheduler
}

// Serve accepts connections on ln until ctx is cancelled. Each connection
// gets exactly one line in, one multi-line reply, then is closed.
func (c *controlServer) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go c.handle(conn)
	}
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	switch strings.TrimSpace(line) {
	case "status":
		fmt.Fprint(conn, c.snapshot())
	default:
		fmt.Fprintf(conn, "unknown command %q\n", strings.TrimSpace(line))
	}
}

func (c *controlServer) snapshot() string {
	var b strings.Builder
	runnable := c.sched.Runnable()
	machines := c.sched.Machines()
	fmt.Fprintf(&b, "runnable steps: %d\n", len(runnable))
	active, free := 0, 0
	for _, m := range machines {
		active += m.CurrentJobs()
		free += m.Free()
	}
	fmt.Fprintf(&b, "machines: %d (active jobs %d, free slots %d)\n", len(machines), active, free)
	return b.String()
}

// queryStatus dials a running instance's control socket, sends "status",
// and returns its reply. Used by --status.
func queryStatus(socketPath string) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dialing %s (is queue-runner running?): %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintln(conn, "status")
	out := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return out.String(), nil
}
