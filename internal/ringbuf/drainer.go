package ringbuf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// OwnedGroup is one group this worker polls, along with the metadata
// needed to decode its samples and attribute them to a store key.
type OwnedGroup struct {
	LeaderFD  int
	MemberFDs []int // group member fds, in declared event order
	LeaderID  uint64
	MemberIDs []uint64 // kernel-assigned ids, same order as MemberFDs
	Attrs     SampleAttrs
	Ring      *RingBuffer
}

// rankForID resolves which event in the group carries id as its
// kernel-assigned PERF_SAMPLE_ID: 0 for the leader, i+1 for MemberIDs[i],
// or -1 if id matches none of them.
func (g OwnedGroup) rankForID(id uint64) int {
	if id == g.LeaderID {
		return 0
	}
	for i, mid := range g.MemberIDs {
		if id == mid {
			return i + 1
		}
	}
	return -1
}

// Sink receives decoded records. Implemented by internal/store.Worker.
// rank identifies which event in the group triggered the sample (0 is the
// leader, i+1 is MemberIDs[i]).
type Sink interface {
	InsertSample(pid, tid, ip uint64, cpu uint32, rank int, callChain []uint64)
	AddLost(n uint64)
}

// staticOwner keys groups handed to a worker at construction time (the
// inherit flavour's per-CPU groups); they live until Shutdown.
const staticOwner = -1

// Worker polls a disjoint subset of groups and dispatches their records to
// a Sink. One Worker runs on its own goroutine; workers make progress
// independently and in parallel. The set of owned groups is mutable: the
// ptrace flavours hand threads to a fixed pool of workers as they appear
// and take them back as they exit.
type Worker struct {
	id      int
	logger  *slog.Logger
	sink    Sink
	timeout time.Duration

	collected atomic.Uint64
	lost      atomic.Uint64

	// Two-lock discipline over the (tid -> groups) table. removalMu is
	// the removal lock: it excludes a drain from running concurrently
	// with the close of the group it is about to drain. tableMu is the
	// table lock: it excludes concurrent table mutations. Locks are
	// always acquired removal then table and released in reverse.
	removalMu sync.Mutex
	tableMu   sync.Mutex
	groups    map[int][]OwnedGroup // owner tid -> groups
}

// NewWorker constructs a drainer worker owning the given static groups.
// timeout is the poll timeout: 500ms for the inherit/timers flavours,
// 100ms for ptrace (shorter so the worker notices thread removal,
// emergency-stop, and target-exit promptly).
func NewWorker(id int, logger *slog.Logger, groups []OwnedGroup, sink Sink, timeout time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{id: id, logger: logger, sink: sink, timeout: timeout, groups: make(map[int][]OwnedGroup)}
	if len(groups) > 0 {
		w.groups[staticOwner] = groups
	}
	return w
}

// AddThread hands tid's freshly-opened groups to this worker; the poll
// loop picks them up on its next descriptor rebuild.
func (w *Worker) AddThread(tid int, groups []OwnedGroup) {
	w.removalMu.Lock()
	defer w.removalMu.Unlock()
	w.tableMu.Lock()
	w.groups[tid] = append(w.groups[tid], groups...)
	w.tableMu.Unlock()
}

// RemoveThread detaches tid's groups from the table, performs their final
// drain, and unmaps their rings. Holding the removal lock across the
// flush-and-close guarantees the poll loop cannot be draining one of
// these groups while its ring goes away.
func (w *Worker) RemoveThread(tid int) {
	w.removalMu.Lock()
	defer w.removalMu.Unlock()
	w.tableMu.Lock()
	gs := w.groups[tid]
	delete(w.groups, tid)
	w.tableMu.Unlock()
	for _, g := range gs {
		w.drain(g)
		_ = g.Ring.Close()
	}
}

// Shutdown drains and unmaps every group still owned, emptying the table.
// Called once the supervisor has observed target exit.
func (w *Worker) Shutdown() {
	w.removalMu.Lock()
	defer w.removalMu.Unlock()
	w.tableMu.Lock()
	all := w.groups
	w.groups = make(map[int][]OwnedGroup)
	w.tableMu.Unlock()
	for _, gs := range all {
		for _, g := range gs {
			w.drain(g)
			_ = g.Ring.Close()
		}
	}
}

// snapshotGroups flattens the current table for one poll iteration.
func (w *Worker) snapshotGroups() []OwnedGroup {
	w.tableMu.Lock()
	defer w.tableMu.Unlock()
	var out []OwnedGroup
	for _, gs := range w.groups {
		out = append(out, gs...)
	}
	return out
}

// owns reports whether g is still in the table. Callers hold tableMu.
func (w *Worker) owns(g OwnedGroup) bool {
	for _, gs := range w.groups {
		for _, o := range gs {
			if o.Ring == g.Ring {
				return true
			}
		}
	}
	return false
}

// EmergencyStop is a process-wide flag observed at the top of each
// worker's iteration; once set, the worker disables its groups, drops new
// samples, and exits.
type EmergencyStop struct {
	flag atomic.Bool
}

func (e *EmergencyStop) Set()        { e.flag.Store(true) }
func (e *EmergencyStop) IsSet() bool { return e.flag.Load() }

// Run drains this worker's groups until ctx is cancelled (the supervisor
// observed target exit) or stop is set. The poll descriptor array is
// rebuilt from the currently owned groups on every iteration, so thread
// adds and removals take effect within one poll timeout.
func (w *Worker) Run(ctx context.Context, stop *EmergencyStop) {
	for {
		if ctx.Err() != nil {
			return
		}
		if stop.IsSet() {
			w.disableAll()
			return
		}

		groups := w.snapshotGroups()
		pollFDs := make([]unix.PollFd, len(groups))
		for i, g := range groups {
			pollFDs[i] = unix.PollFd{Fd: int32(g.LeaderFD), Events: unix.POLLIN}
		}

		// With an empty table this is a plain bounded sleep until the
		// next rebuild.
		n, err := unix.Poll(pollFDs, int(w.timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("poll failed", "worker", w.id, "error", err)
			return
		}
		if n <= 0 {
			continue
		}

		for i, pfd := range pollFDs {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			w.drainOwned(groups[i])
		}
	}
}

// drainOwned drains one group under the removal lock, re-checking table
// membership first: the group may have been removed (and its ring
// unmapped) between the snapshot and this drain.
func (w *Worker) drainOwned(g OwnedGroup) {
	w.removalMu.Lock()
	defer w.removalMu.Unlock()
	w.tableMu.Lock()
	ok := w.owns(g)
	w.tableMu.Unlock()
	if !ok {
		return
	}
	w.drain(g)
}

func (w *Worker) disableAll() {
	for _, g := range w.snapshotGroups() {
		_ = unix.IoctlSetInt(g.LeaderFD, unix.PERF_EVENT_IOC_DISABLE, 0)
	}
}

// drain reads every available record from one group's ring buffer and
// dispatches it by type.
func (w *Worker) drain(g OwnedGroup) {
	g.Ring.Records(func(recType uint32, payload []byte) {
		switch recType {
		case RecordSample:
			s, err := DecodeSample(payload, g.Attrs)
			if err != nil {
				w.logger.Warn("malformed sample record", "worker", w.id, "error", err)
				return
			}
			w.collected.Add(1)
			rank := g.rankForID(s.ID)
			if rank < 0 {
				w.logger.Warn("sample id matches no counter in group", "worker", w.id, "id", s.ID)
				return
			}
			w.sink.InsertSample(uint64(s.PID), uint64(s.TID), s.IP, s.CPU, rank, s.CallChain)
		case RecordLost:
			if len(payload) < 16 {
				return
			}
			count := leUint64(payload[8:16])
			w.sink.AddLost(count)
			w.lost.Add(count)
		case RecordThrottle, RecordUnthrottle:
			// Payload already fully consumed by Records(); nothing further
			// to do.
		default:
			// Unknown record types are skipped; Records() already advanced
			// the tail past the full payload.
		}
	})
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Pool runs a fixed set of workers to completion and reports the combined
// loss ratio.
type Pool struct {
	workers []*Worker
}

// NewPool constructs a pool from pre-sharded worker groups.
func NewPool(workers []*Worker) *Pool {
	return &Pool{workers: workers}
}

// Run starts every worker and blocks until all have returned.
func (p *Pool) Run(ctx context.Context, stop *EmergencyStop) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx, stop)
		}(w)
	}
	wg.Wait()
}

// LossSeverity classifies the loss ratio.
type LossSeverity int

const (
	LossNone LossSeverity = iota
	LossWarning
	LossStrongWarning
	LossError
)

// LossReport summarizes collected/lost counts and the resulting severity.
type LossReport struct {
	Collected uint64
	Lost      uint64
	Ratio     float64
	Severity  LossSeverity
}

// Report computes the combined loss ratio across every worker in the pool
// and classifies its severity.
func (p *Pool) Report() LossReport {
	var collected, lost uint64
	for _, w := range p.workers {
		collected += w.collected.Load()
		lost += w.lost.Load()
	}
	total := collected + lost
	var ratio float64
	if total > 0 {
		ratio = float64(lost) / float64(total)
	}

	sev := LossNone
	switch {
	case ratio == 0:
		sev = LossNone
	case ratio <= 0.005:
		sev = LossWarning
	case ratio <= 0.05:
		sev = LossStrongWarning
	default:
		sev = LossError
	}

	return LossReport{Collected: collected, Lost: lost, Ratio: ratio, Severity: sev}
}

// LogSummary logs the loss report at a severity-appropriate level,
// including actionable advice for the error tier.
func (r LossReport) LogSummary(logger *slog.Logger) {
	switch r.Severity {
	case LossNone:
		return
	case LossWarning:
		logger.Warn("sample loss detected", "ratio", r.Ratio, "lost", r.Lost, "collected", r.Collected)
	case LossStrongWarning:
		logger.Warn("significant sample loss detected", "ratio", r.Ratio, "lost", r.Lost, "collected", r.Collected)
	case LossError:
		logger.Error(fmt.Sprintf("sample loss %.2f%% exceeds 5%%: rerun with a larger period or disable stack unwinding", r.Ratio*100),
			"lost", r.Lost, "collected", r.Collected)
	}
}
