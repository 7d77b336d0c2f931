// Package tracer implements the Tracee Supervisor: the three
// interchangeable flavours (inherit, ptrace, timers) that each drive a
// target command to completion while handing (thread-id, CPU) additions
// and removals to the ring-buffer drainer.
package tracer

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Event reports a thread addition or removal observed by a Supervisor.
type Event struct {
	TID     int
	Added   bool // true = addable, false = removable
	Exited  bool // true when the whole process tree has exited
	ExitErr error
}

// Supervisor is the shared contract every tracer flavour implements:
// "given a command line, drive it to completion and deliver every
// thread-id addition/removal to the caller".
type Supervisor interface {
	// Start launches the target and begins supervising it. Events are
	// delivered on the returned channel until the target exits, at which
	// point the channel is closed after a final Event{Exited: true}.
	Start(ctx context.Context, cmd []string, cpuList []int) (<-chan Event, error)
	// Pid returns the root target's process id. Valid after Start.
	Pid() int
	// Finalize sends the user's finalize signal semantics: terminate the
	// whole process group.
	Finalize() error
	// Wait blocks until the supervised process tree has fully exited.
	Wait() error
}

// lethalSignals is the list of signals that cause a traced thread to be
// removed and killed rather than forwarded, per the ptrace flavour's
// shared contract.
var lethalSignals = map[os.Signal]bool{}

func init() {
	for _, sig := range []os.Signal{
		sigHUP, sigINT, sigQUIT, sigILL, sigABRT, sigFPE, sigKILL, sigSEGV, sigPIPE, sigALRM, sigTERM,
	} {
		lethalSignals[sig] = true
	}
}

// writeDoneMarker writes the `<exp>/done` marker file the shared contract
// requires on termination, regardless of flavour.
func writeDoneMarker(experimentPath string) error {
	path := experimentPath + "/done"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tracer: writing done marker: %w", err)
	}
	return f.Close()
}

// WriteDoneMarker is exported so callers (the finalize-signal handler in
// cmd/lprof-collect) can invoke it without reaching into package
// internals.
func WriteDoneMarker(experimentPath string) error { return writeDoneMarker(experimentPath) }

// once guards double-invocation of a finalize sequence shared by every
// flavour's termination handler.
type once struct {
	mu   sync.Mutex
	done bool
}

func (o *once) do(f func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done = true
	f()
}
