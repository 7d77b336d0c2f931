// Package store implements the sample store: a per-worker arena (no lock
// shared between workers) of (process, thread, IP, event) aggregates
// that spills gracefully to disk once memory runs out, and a final
// dump/merge phase that serializes to the IP_events.lprof / cpu_id.info
// layout, one directory per traced process.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// CallChain is one distinct call stack with its aggregated hit count.
type CallChain struct {
	Hits   uint64
	Frames []uint64
}

// key identifies a chain by content for deduplication.
func (c CallChain) key() string {
	b := make([]byte, 8*len(c.Frames))
	for i, f := range c.Frames {
		binary.LittleEndian.PutUint64(b[i*8:], f)
	}
	return string(b)
}

// IPEvents aggregates every sample seen at one instruction pointer: a
// per-event hit vector plus a small set of distinct call chains.
type IPEvents struct {
	IP          uint64
	EventsNb    []uint32
	chainsByKey map[string]int // key -> index into Chains
	Chains      []CallChain
}

func newIPEvents(ip uint64, eventsPerGroup int) *IPEvents {
	return &IPEvents{
		IP:          ip,
		EventsNb:    make([]uint32, eventsPerGroup),
		chainsByKey: make(map[string]int),
	}
}

// addSample records one sample that was attributed to rank (0 for the
// group's leader event, i+1 for the i-th member): the rank's hit count is
// incremented by exactly one. Call chains aggregate for the leader event
// only; non-leader ranks contribute a hit count and nothing else.
func (e *IPEvents) addSample(rank int, chain []uint64) {
	if rank >= 0 && rank < len(e.EventsNb) {
		e.EventsNb[rank]++
	}
	if rank != 0 || len(chain) == 0 {
		return
	}
	cc := CallChain{Hits: 1, Frames: chain}
	k := cc.key()
	if idx, ok := e.chainsByKey[k]; ok {
		e.Chains[idx].Hits++
		return
	}
	e.chainsByKey[k] = len(e.Chains)
	e.Chains = append(e.Chains, cc)
}

// merge folds another IPEvents' aggregates into e, re-deduplicating call
// chains across spill generations.
func (e *IPEvents) merge(other *IPEvents) {
	for i := range e.EventsNb {
		if i < len(other.EventsNb) {
			e.EventsNb[i] += other.EventsNb[i]
		}
	}
	for _, cc := range other.Chains {
		k := cc.key()
		if idx, ok := e.chainsByKey[k]; ok {
			e.Chains[idx].Hits += cc.Hits
			continue
		}
		e.chainsByKey[k] = len(e.Chains)
		e.Chains = append(e.Chains, cc)
	}
}

// CPUHistogram counts samples per CPU for one thread.
type CPUHistogram map[uint32]uint64

// threadTable aggregates one process's samples:
// tid -> (ip -> IPEvents) and tid -> CPUHistogram.
type threadTable struct {
	ipEvents map[uint64]map[uint64]*IPEvents
	cpuHist  map[uint64]CPUHistogram
}

func newThreadTable() *threadTable {
	return &threadTable{
		ipEvents: make(map[uint64]map[uint64]*IPEvents),
		cpuHist:  make(map[uint64]CPUHistogram),
	}
}

func (t *threadTable) approxSize() int {
	n := 0
	for _, m := range t.ipEvents {
		n += len(m) * 64
	}
	return n
}

// insert records one sample at (tid, ip) triggered by rank. The CPU
// histogram, like call-chain aggregation, only advances for the leader
// event (rank == 0): it counts samples, and only the leader's sample rate
// reflects the group's actual sampling period.
func (t *threadTable) insert(tid, ip uint64, eventsPerGroup int, rank int, chain []uint64, cpu uint32) {
	byIP, ok := t.ipEvents[tid]
	if !ok {
		byIP = make(map[uint64]*IPEvents)
		t.ipEvents[tid] = byIP
	}
	ev, ok := byIP[ip]
	if !ok {
		ev = newIPEvents(ip, eventsPerGroup)
		byIP[ip] = ev
	}
	ev.addSample(rank, chain)

	if rank != 0 {
		return
	}
	hist, ok := t.cpuHist[tid]
	if !ok {
		hist = make(CPUHistogram)
		t.cpuHist[tid] = hist
	}
	hist[cpu]++
}

// procTable shards a worker's arena by process id, so a traced tree of
// forked children dumps into one directory per process.
type procTable struct {
	byPID map[uint64]*threadTable
}

func newProcTable() *procTable {
	return &procTable{byPID: make(map[uint64]*threadTable)}
}

func (p *procTable) table(pid uint64) *threadTable {
	t, ok := p.byPID[pid]
	if !ok {
		t = newThreadTable()
		p.byPID[pid] = t
	}
	return t
}

func (p *procTable) approxSize() int {
	n := 0
	for _, t := range p.byPID {
		n += t.approxSize()
	}
	return n
}

// SpillGauge aggregates the spill-file bytes of every worker of one
// session, so the temp-file cap is enforced over the sum of all workers'
// files rather than each worker's own subset.
type SpillGauge struct {
	bytes atomic.Int64
}

func (g *SpillGauge) add(delta int64) int64 { return g.bytes.Add(delta) }

// Total returns the combined spill-file size across every worker sharing
// the gauge.
func (g *SpillGauge) Total() int64 { return g.bytes.Load() }

// Worker owns one disjoint slice of the ring buffer's groups and
// aggregates their samples independently; no locking is needed between
// workers since each owns its entire arena and file set. Only the spill
// gauge is shared, and only through atomic adds.
type Worker struct {
	id             int
	logger         *slog.Logger
	eventsPerGroup int
	experimentPath string

	maxMemoryBytes int
	filesBufBytes  int
	maxFileBytes   int
	gauge          *SpillGauge

	mu           sync.Mutex
	mem          *procTable
	fileMode     bool
	spillFiles   *spillFileSet
	spilledBytes int
	lost         uint64

	onEmergencyStop func()
}

// NewWorker constructs a store worker. maxMemoryBytes bounds the
// in-memory arena before a transition to file mode; filesBufBytes is the
// size of the second arena used while in file mode; maxFileBytes bounds
// the total size of all sibling workers' spill files (summed through
// gauge) before an emergency stop is raised. Workers of one session must
// share one gauge; a nil gauge gets the worker a private one.
func NewWorker(id int, logger *slog.Logger, experimentPath string, eventsPerGroup, maxMemoryBytes, filesBufBytes, maxFileBytes int, gauge *SpillGauge) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if filesBufBytes <= 0 {
		filesBufBytes = maxMemoryBytes
	}
	if gauge == nil {
		gauge = &SpillGauge{}
	}
	return &Worker{
		id:             id,
		logger:         logger,
		eventsPerGroup: eventsPerGroup,
		experimentPath: experimentPath,
		maxMemoryBytes: maxMemoryBytes,
		filesBufBytes:  filesBufBytes,
		maxFileBytes:   maxFileBytes,
		gauge:          gauge,
		mem:            newProcTable(),
	}
}

// OnEmergencyStop registers a callback invoked, after a spill flush, when
// the combined spill files of every worker sharing this worker's gauge
// exceed the configured maximum. The caller is responsible for actually
// raising the shared EmergencyStop flag.
func (w *Worker) OnEmergencyStop(fn func()) { w.onEmergencyStop = fn }

// InsertSample implements ringbuf.Sink. rank identifies which event in the
// group triggered the sample (0 is the leader).
func (w *Worker) InsertSample(pid, tid, ip uint64, cpu uint32, rank int, callChain []uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fileMode && w.mem.approxSize() >= w.filesBufBytes {
		if err := w.flushLocked(); err != nil {
			w.logger.Error("spill flush failed", "worker", w.id, "error", err)
		}
	} else if !w.fileMode && w.mem.approxSize() >= w.maxMemoryBytes {
		if err := w.enterFileModeLocked(); err != nil {
			w.logger.Error("entering file mode failed", "worker", w.id, "error", err)
		}
	}

	w.mem.table(pid).insert(tid, ip, w.eventsPerGroup, rank, callChain, cpu)
}

// AddLost implements ringbuf.Sink.
func (w *Worker) AddLost(n uint64) {
	w.mu.Lock()
	w.lost += n
	w.mu.Unlock()
}

func (w *Worker) enterFileModeLocked() error {
	dir := filepath.Join(w.experimentPath, fmt.Sprintf("worker_%d", w.id))
	sf, err := openSpillFileSet(dir)
	if err != nil {
		return err
	}
	w.spillFiles = sf
	w.fileMode = true
	return w.flushLocked()
}

// flushLocked serializes the current arena to the four spill files and
// resets the in-memory table for reuse. The generation's growth is added
// to the shared gauge, and the cap is checked against the combined size
// of every sibling worker's files.
func (w *Worker) flushLocked() error {
	if w.spillFiles == nil {
		return nil
	}
	if err := w.spillFiles.writeGeneration(w.mem, w.eventsPerGroup); err != nil {
		return err
	}
	w.mem = newProcTable()

	total, err := w.spillFiles.totalSize()
	if err != nil {
		return err
	}
	combined := w.gauge.add(int64(total - w.spilledBytes))
	w.spilledBytes = total
	if combined > int64(w.maxFileBytes) && w.onEmergencyStop != nil {
		w.onEmergencyStop()
	}
	return nil
}

// Finalize returns everything needed to participate in the final
// dump/merge: the residual in-memory table and the worker's spill file
// set (nil if the worker never entered file mode).
func (w *Worker) Finalize() (*procTable, *spillFileSet, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mem, w.spillFiles, w.lost
}

// Dump performs the final merge across every worker and writes one
// <nodeDir>/<pid>/ directory per traced process, each holding
// IP_events.lprof and cpu_id.info. sampleMasks carries each event's
// sample-attribute bitmask, recorded in the IP_events.lprof header.
// Returns the pids written, sorted ascending.
func Dump(nodeDir string, eventsPerGroup int, eventNames []string, sampleMasks []uint64, workers []*Worker, mergeBufferCeiling int, logger *slog.Logger) ([]uint64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mergeBufferCeiling <= 0 {
		mergeBufferCeiling = 1 << 30
	}

	merged := newProcTable()
	for _, w := range workers {
		mem, sf, _ := w.Finalize()
		mergeProcInto(merged, mem)
		if sf == nil {
			continue
		}
		if err := sf.mergeInto(merged, eventsPerGroup, mergeBufferCeiling, logger); err != nil {
			return nil, fmt.Errorf("store: merging worker %d spill: %w", w.id, err)
		}
		sf.close()
	}

	pids := make([]uint64, 0, len(merged.byPID))
	for pid := range merged.byPID {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		t := merged.byPID[pid]
		pidDir := filepath.Join(nodeDir, strconv.FormatUint(pid, 10))
		if err := os.MkdirAll(pidDir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", pidDir, err)
		}
		if err := writeIPEvents(filepath.Join(pidDir, "IP_events.lprof"), t, eventsPerGroup, eventNames, sampleMasks); err != nil {
			return nil, err
		}
		if err := writeCPUHistogram(filepath.Join(pidDir, "cpu_id.info"), t); err != nil {
			return nil, err
		}
	}
	return pids, nil
}

func mergeProcInto(dst, src *procTable) {
	if src == nil {
		return
	}
	for pid, t := range src.byPID {
		mergeInto(dst.table(pid), t)
	}
}

func mergeInto(dst, src *threadTable) {
	if src == nil {
		return
	}
	for tid, byIP := range src.ipEvents {
		dstByIP, ok := dst.ipEvents[tid]
		if !ok {
			dstByIP = make(map[uint64]*IPEvents)
			dst.ipEvents[tid] = dstByIP
		}
		for ip, ev := range byIP {
			if existing, ok := dstByIP[ip]; ok {
				existing.merge(ev)
			} else {
				dstByIP[ip] = ev
			}
		}
	}
	for tid, hist := range src.cpuHist {
		dstHist, ok := dst.cpuHist[tid]
		if !ok {
			dstHist = make(CPUHistogram)
			dst.cpuHist[tid] = dstHist
		}
		for cpu, n := range hist {
			dstHist[cpu] += n
		}
	}
}

// writeIPEvents serializes merged per-thread IP events: a header (thread
// count, events-per-group, per-event names, the comma-joined event list,
// per-event sample-attribute masks) followed by, per thread, a (tid,
// ip_entry_count) pair and one record per IP.
func writeIPEvents(path string, t *threadTable, eventsPerGroup int, eventNames []string, sampleMasks []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tids := sortedTIDs(t.ipEvents)

	if err := writeUint32(f, uint32(len(tids))); err != nil {
		return err
	}
	if err := writeUint32(f, uint32(eventsPerGroup)); err != nil {
		return err
	}
	for i := 0; i < eventsPerGroup; i++ {
		name := ""
		if i < len(eventNames) {
			name = eventNames[i]
		}
		if err := writeLenPrefixedString(f, name); err != nil {
			return err
		}
	}
	if err := writeLenPrefixedString(f, strings.Join(eventNames, ",")); err != nil {
		return err
	}
	for i := 0; i < eventsPerGroup; i++ {
		var mask uint64
		if i < len(sampleMasks) {
			mask = sampleMasks[i]
		}
		if err := writeUint64(f, mask); err != nil {
			return err
		}
	}

	for _, tid := range tids {
		byIP := t.ipEvents[tid]
		ips := sortedIPs(byIP)
		if err := writeUint64(f, tid); err != nil {
			return err
		}
		if err := writeUint32(f, uint32(len(ips))); err != nil {
			return err
		}
		for _, ip := range ips {
			if err := writeOneIPEvents(f, byIP[ip]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeOneIPEvents(f *os.File, ev *IPEvents) error {
	if err := writeUint64(f, ev.IP); err != nil {
		return err
	}
	for _, v := range ev.EventsNb {
		if err := writeUint32(f, v); err != nil {
			return err
		}
	}
	if err := writeUint64(f, uint64(len(ev.Chains))); err != nil {
		return err
	}
	for _, cc := range ev.Chains {
		// hits is a u32 on disk; the in-memory counter is wider only so
		// merging never wraps mid-aggregation.
		if err := writeUint32(f, saturateUint32(cc.Hits)); err != nil {
			return err
		}
		if err := writeUint32(f, uint32(len(cc.Frames))); err != nil {
			return err
		}
		for _, ip := range cc.Frames {
			if err := writeUint64(f, ip); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeCPUHistogram writes cpu_id.info: one text line per thread,
// "<tid>,<cpu>,<fraction>,<cpu>,<fraction>,...", fractions of that
// thread's samples observed on each logical CPU, summing to 1.
func writeCPUHistogram(path string, t *threadTable) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	tids := make([]uint64, 0, len(t.cpuHist))
	for tid := range t.cpuHist {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	for _, tid := range tids {
		hist := t.cpuHist[tid]
		var total uint64
		for _, n := range hist {
			total += n
		}
		if total == 0 {
			continue
		}
		cpus := make([]uint32, 0, len(hist))
		for cpu := range hist {
			cpus = append(cpus, cpu)
		}
		sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })

		if _, err := fmt.Fprintf(w, "%d", tid); err != nil {
			return err
		}
		for _, cpu := range cpus {
			frac := float64(hist[cpu]) / float64(total)
			if _, err := fmt.Fprintf(w, ",%d,%.6f", cpu, frac); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

func saturateUint32(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

func sortedTIDs(m map[uint64]map[uint64]*IPEvents) []uint64 {
	out := make([]uint64, 0, len(m))
	for tid := range m {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedIPs(m map[uint64]*IPEvents) []uint64 {
	out := make([]uint64, 0, len(m))
	for ip := range m {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeUint32(f *os.File, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := f.Write(b[:])
	return err
}

func writeUint64(f *os.File, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := f.Write(b[:])
	return err
}

func writeLenPrefixedString(f *os.File, s string) error {
	if err := writeUint64(f, uint64(len(s))); err != nil {
		return err
	}
	_, err := f.WriteString(s)
	return err
}
