package experiment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lprof/lprof/internal/binfmt"
	"github.com/lprof/lprof/internal/metafile"
	"github.com/lprof/lprof/internal/store"
)

// Thread is one loaded thread: its rank (dense, 0-based, order of
// appearance in IP_events.lprof), its raw samples, and its per-CPU
// sample shares.
type Thread struct {
	TID      uint64
	Rank     int
	IPEvents []*store.IPEvents
	CPUHist  store.CPUShares
}

// Process is one loaded (pid, metadata, threads) triple.
type Process struct {
	PID          uint64
	Rank         int
	BinaryOffset uint64
	WallSeconds  float64
	Uarch        string
	EventNames   []string // from the IP_events.lprof header
	LibRanges    []metafile.LibRange
	Threads      []*Thread
}

// LibraryTree is one node's loaded library metadata plus its function and
// loop indices. Per-process mapped ranges live on Process.LibRanges, not
// here: the same library file is shared by every process that maps it.
type LibraryTree struct {
	Name      string
	Functions *IntervalIndex
	Loops     *IntervalIndex
}

// Node is one loaded per-hostname sub-tree.
type Node struct {
	Name       string
	Processes  []*Process
	ExecFuncs  *IntervalIndex
	ExecLoops  *IntervalIndex
	Libraries  map[string]*LibraryTree // keyed by library basename
	Kernel     *IntervalIndex          // nil if system_map absent
	UnknownHit uint64                  // running count for the "Unknown functions" sink
}

// Experiment is the fully loaded Experiment -> Node -> Process -> Thread
// tree.
type Experiment struct {
	Path          string
	BinaryMajor   int
	BinaryMinor   int
	BinaryName    string
	ExecFunctions []binfmt.Function
	ExecLoops     []binfmt.Loop
	Nodes         []*Node
}

// Load reads the full persisted layout rooted at expPath and reconstructs
// the in-memory tree, including the address interval indices the hotspot
// resolver needs.
//
// A binary.lprof major version below 2, or one that cannot be read at
// all, aborts loading.
func Load(logger *slog.Logger, expPath string) (*Experiment, error) {
	if logger == nil {
		logger = slog.Default()
	}

	binInfo, err := loadBinaryInfo(expPath)
	if err != nil {
		return nil, err
	}

	exp := &Experiment{
		Path:          expPath,
		BinaryMajor:   binInfo.MajorVersion,
		BinaryMinor:   binInfo.MinorVersion,
		BinaryName:    binInfo.BinaryName,
		ExecFunctions: binInfo.Functions,
		ExecLoops:     binInfo.Loops,
	}

	names, err := nodeDirs(expPath)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		node, err := loadNode(logger, expPath, name, binInfo)
		if err != nil {
			return nil, fmt.Errorf("experiment: loading node %q: %w", name, err)
		}
		exp.Nodes = append(exp.Nodes, node)
	}

	return exp, nil
}

func loadBinaryInfo(expPath string) (binfmt.BinaryInfo, error) {
	path := filepath.Join(expPath, "binary.lprof")
	f, err := os.Open(path)
	if err != nil {
		return binfmt.BinaryInfo{}, fmt.Errorf("experiment: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := binfmt.ReadBinaryInfo(f)
	if err != nil {
		return binfmt.BinaryInfo{}, fmt.Errorf("experiment: reading %s: %w", path, err)
	}
	return info, nil
}

func loadNode(logger *slog.Logger, expPath, name string, binInfo binfmt.BinaryInfo) (*Node, error) {
	nodeDir := filepath.Join(expPath, name)

	node := &Node{
		Name:      name,
		ExecFuncs: FunctionIndex(binInfo.Functions),
		ExecLoops: LoopIndex(binInfo.Loops),
		Libraries: make(map[string]*LibraryTree),
	}

	ranks, err := ReadProcessIndex(filepath.Join(nodeDir, "processes_index.lua"))
	if err != nil {
		return nil, err
	}
	if err := assertBijective(ranks); err != nil {
		return nil, err
	}

	if syms, err := ReadSystemMap(filepath.Join(nodeDir, "system_map")); err == nil {
		node.Kernel = KernelIndex(syms)
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("system_map unreadable, kernel resolution disabled", "node", name, "error", err)
	}

	pids, err := pidDirs(nodeDir)
	if err != nil {
		return nil, err
	}

	libNamesNeeded := make(map[string]bool)

	for _, pid := range pids {
		proc, libNames, err := loadProcess(nodeDir, pid, ranks)
		if err != nil {
			logger.Warn("skipping process, metadata unreadable", "node", name, "pid", pid, "error", err)
			continue
		}
		node.Processes = append(node.Processes, proc)
		for _, ln := range libNames {
			libNamesNeeded[ln] = true
		}
	}

	for ln := range libNamesNeeded {
		lib, err := loadLibrary(nodeDir, ln)
		if err != nil {
			logger.Warn("library metadata unreadable, samples in it fall through to Unknown", "node", name, "library", ln, "error", err)
			continue
		}
		node.Libraries[ln] = lib
	}

	return node, nil
}

func loadProcess(nodeDir string, pid uint64, ranks map[uint64]int) (*Process, []string, error) {
	pidDir := filepath.Join(nodeDir, fmt.Sprint(pid))

	rank, ok := ranks[pid]
	if !ok {
		return nil, nil, fmt.Errorf("pid %d has no entry in processes_index.lua", pid)
	}

	proc := &Process{PID: pid, Rank: rank}

	if offset, err := readBinaryOffset(filepath.Join(pidDir, "binary_offset.lprof")); err == nil {
		proc.BinaryOffset = offset
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	if data, err := os.ReadFile(filepath.Join(pidDir, "walltime")); err == nil {
		if v, perr := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); perr == nil {
			proc.WallSeconds = v
		}
	}
	if data, err := os.ReadFile(filepath.Join(pidDir, "uarch")); err == nil {
		proc.Uarch = strings.TrimSpace(string(data))
	}

	var libNames []string
	if ranges, err := metafile.ReadLibRanges(filepath.Join(pidDir, "lib_ranges.lprof")); err == nil {
		proc.LibRanges = ranges
		for _, r := range ranges {
			libNames = append(libNames, filepath.Base(r.Name))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	ipFile, err := store.ReadIPEvents(filepath.Join(pidDir, "IP_events.lprof"))
	if err != nil {
		return nil, nil, err
	}
	cpuHists, err := store.ReadCPUHistograms(filepath.Join(pidDir, "cpu_id.info"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	histByTID := make(map[uint64]store.CPUShares, len(cpuHists))
	for _, h := range cpuHists {
		histByTID[h.TID] = h.Shares
	}

	proc.EventNames = ipFile.EventNames
	for rank, ts := range ipFile.Threads {
		proc.Threads = append(proc.Threads, &Thread{
			TID:      ts.TID,
			Rank:     rank,
			IPEvents: ts.IPEvents,
			CPUHist:  histByTID[ts.TID],
		})
	}

	return proc, libNames, nil
}

// readBinaryOffset reads <pid>/binary_offset.lprof. Format 2.0 wrote a
// non-zero value unconditionally; from 2.1 on, 0 means "classic (non-PIE)
// executable". Both read the same way here because the writer encodes the
// distinction: the value on disk is always the offset to subtract.
func readBinaryOffset(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("experiment: %s truncated", path)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func loadLibrary(nodeDir, name string) (*LibraryTree, error) {
	path := filepath.Join(nodeDir, "libs", name+".lprof")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lib, err := binfmt.ReadLibrary(f)
	if err != nil {
		return nil, err
	}
	return &LibraryTree{
		Name:      lib.Name,
		Functions: FunctionIndex(lib.Functions),
		Loops:     LoopIndex(lib.Loops),
	}, nil
}
