package tracer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Inherit is the inherit tracer flavour: counters are opened
// with the kernel inherit flag so they follow any descendant thread
// scheduled on their CPU, and the child is held at the start line with a
// ready-pipe until counters are armed.
type Inherit struct {
	logger         *slog.Logger
	experimentPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	readyW  *os.File
	once    once
	waitErr error
	waitCh  chan struct{}
}

// NewInherit constructs an Inherit supervisor. experimentPath is where the
// `<exp>/done` marker is written on finalize.
func NewInherit(logger *slog.Logger, experimentPath string) *Inherit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inherit{logger: logger, experimentPath: experimentPath}
}

// Start launches the target held at a ready-pipe, sets CPU affinity if
// requested, and returns a channel that receives a single
// Event{Exited: true} when waitpid reports the child has exited. The child
// stays held until Release.
// Counter arming happens between the fork and the pipe release: callers
// must open their counter groups (see internal/pmu, WithInherit(true))
// after Start returns but before calling Release.
func (in *Inherit) Start(ctx context.Context, cmdline []string, cpuList []int) (<-chan Event, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("tracer: ready-pipe: %w", err)
	}

	// Hold the child at the start line: block reading fd 3 (the
	// ready-pipe's read end, passed via ExtraFiles) until Release closes
	// the write end, then exec the real command. sh has no fork-time hook in the Go exec API, so the
	// hold is implemented as a tiny shell preamble, the same trick used
	// to sequence container startup against a readiness gate.
	shArgs := append([]string{"-c", `read -r _ <&3; exec "$@"`, "sh"}, cmdline...)
	cmd := exec.Command("sh", shArgs...)
	cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	cmd.ExtraFiles = []*os.File{r}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("tracer: starting target: %w", err)
	}
	r.Close()

	if len(cpuList) > 0 {
		if err := setAffinity(cmd.Process.Pid, cpuList); err != nil {
			in.logger.Warn("setting child affinity failed", "error", err)
		}
	}

	in.mu.Lock()
	in.cmd = cmd
	in.readyW = w
	in.waitCh = make(chan struct{})
	in.mu.Unlock()

	events := make(chan Event, 1)
	go func() {
		defer close(events)
		err := cmd.Wait()
		in.mu.Lock()
		in.waitErr = err
		close(in.waitCh)
		in.mu.Unlock()
		events <- Event{Exited: true, ExitErr: err}
	}()

	return events, nil
}

// Pid returns the held child's process id. Valid after Start.
func (in *Inherit) Pid() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cmd == nil || in.cmd.Process == nil {
		return 0
	}
	return in.cmd.Process.Pid
}

// Release closes the ready-pipe's write end, unblocking the held child.
// Callers invoke this once their per-CPU inherited counter groups are
// armed (step 4 of the design).
func (in *Inherit) Release() error {
	in.mu.Lock()
	w := in.readyW
	in.mu.Unlock()
	if w == nil {
		return fmt.Errorf("tracer: Release called before Start")
	}
	return w.Close()
}

// Finalize kills the target's process group and writes the done marker.
// It is idempotent.
func (in *Inherit) Finalize() error {
	var err error
	in.once.do(func() {
		in.mu.Lock()
		cmd := in.cmd
		in.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			if kerr := finalizeGroup(cmd.Process.Pid, sigTERM); kerr != nil {
				in.logger.Warn("finalize signal failed", "error", kerr)
			}
		}
		if werr := writeDoneMarker(in.experimentPath); werr != nil {
			err = werr
		}
	})
	return err
}

// Wait blocks until the target has exited.
func (in *Inherit) Wait() error {
	in.mu.Lock()
	ch := in.waitCh
	in.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("tracer: Wait called before Start")
	}
	<-ch
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.waitErr
}
