// Package metafile implements the Metafile Writer (C5): maps sampling,
// library range derivation, executable-offset detection, and the
// per-node/per-experiment binary.lprof and libs/*.lprof writers.
package metafile

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/lprof/lprof/internal/binfmt"
)

// MapsListener copies /proc/<pid>/maps five times at one-second intervals
// into <exp>/<node>/<pid>/maps_bin_<pid>_<n>. If overrideBin
// is set, every pid matching its basename via pidof is copied in place of
// pid; pid itself is copied only when pidof fails.
type MapsListener struct {
	logger      *slog.Logger
	nodeDir     string
	pid         int
	overrideBin string
}

// NewMapsListener constructs a listener for one traced process.
func NewMapsListener(logger *slog.Logger, nodeDir string, pid int, overrideBin string) *MapsListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapsListener{logger: logger, nodeDir: nodeDir, pid: pid, overrideBin: overrideBin}
}

// Run copies maps snapshots 1..5 at one-second intervals, stopping early
// if ctx is cancelled (the target exited before the fifth copy).
func (m *MapsListener) Run(ctx context.Context) {
	for n := 1; n <= 5; n++ {
		pids := []int{m.pid}
		if m.overrideBin != "" {
			if resolved, err := resolvePidof(m.overrideBin); err == nil {
				pids = resolved
			}
		}
		for _, pid := range pids {
			if err := m.copyOne(pid, n); err != nil {
				m.logger.Warn("maps copy failed", "pid", pid, "n", n, "error", err)
			}
		}

		if n == 5 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (m *MapsListener) copyOne(pid, n int) error {
	src := fmt.Sprintf("/proc/%d/maps", pid)
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	dir := filepath.Join(m.nodeDir, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, fmt.Sprintf("maps_bin_%d_%d", pid, n))
	return os.WriteFile(dst, data, 0o644)
}

func resolvePidof(binName string) ([]int, error) {
	out, err := exec.Command("pidof", filepath.Base(binName)).Output()
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, tok := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// LibRange is one executable mapping's derived address range, written to
// <pid>/lib_ranges.lprof as a length-prefixed sequence.
type LibRange struct {
	Name  string
	Start uint64
	Stop  uint64
}

// ValidityProber checks whether a disassembler accepts a mapped file.
// DeriveLibraryRanges calls it at most once per distinct library name.
type ValidityProber interface {
	IsValid(path string) bool
}

// DeriveLibraryRanges unions every maps_bin_<pid>_* snapshot for pid under
// dir and, for each distinct executable mapping, keeps the smallest start
// and largest end address seen, filtered through prober.
func DeriveLibraryRanges(dir string, pid int, prober ValidityProber) ([]LibRange, error) {
	pattern := filepath.Join(dir, strconv.Itoa(pid), fmt.Sprintf("maps_bin_%d_*", pid))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	ranges := make(map[string]*LibRange)
	validityCache := make(map[string]bool)

	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		mapping, err := profile.ParseProcMaps(f)
		f.Close()
		if err != nil {
			continue
		}
		for _, mp := range mapping {
			if mp.File == "" {
				continue
			}
			valid, cached := validityCache[mp.File]
			if !cached {
				valid = prober == nil || prober.IsValid(mp.File)
				validityCache[mp.File] = valid
			}
			if !valid {
				continue
			}
			r, ok := ranges[mp.File]
			if !ok {
				r = &LibRange{Name: mp.File, Start: mp.Start, Stop: mp.Limit}
				ranges[mp.File] = r
				continue
			}
			if mp.Start < r.Start {
				r.Start = mp.Start
			}
			if mp.Limit > r.Stop {
				r.Stop = mp.Limit
			}
		}
	}

	out := make([]LibRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteLibRanges serializes ranges to <pid>/lib_ranges.lprof.
func WriteLibRanges(path string, ranges []LibRange) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range ranges {
		if err := writeLenString(w, r.Name); err != nil {
			return err
		}
		if err := writeU64(w, r.Start); err != nil {
			return err
		}
		if err := writeU64(w, r.Stop); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadLibRanges parses a lib_ranges.lprof file.
func ReadLibRanges(path string) ([]LibRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var out []LibRange
	for {
		name, err := readLenString(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, err := readU64(r)
		if err != nil {
			return nil, err
		}
		stop, err := readU64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, LibRange{Name: name, Start: start, Stop: stop})
	}
	return out, nil
}

// WriteExecutableOffset writes <pid>/binary_offset.lprof. If the
// executable mapping (matched by basename against cmdName) is itself a
// position-independent (dynamic-library-style) binary, its smallest
// mapped address is written; otherwise 0 is written. Only PIE
// executables need per-run offsetting.
func WriteExecutableOffset(path, cmdName string, ranges []LibRange, isPIE bool) error {
	var offset uint64
	if isPIE {
		base := filepath.Base(cmdName)
		for _, r := range ranges {
			if filepath.Base(r.Name) == base {
				offset = r.Start
				break
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return binary.Write(f, binary.LittleEndian, offset)
}

// IsPIE reports whether the ELF file at path is a position-independent
// executable, judged by its ELF type alone (ET_DYN).
func IsPIE(path string) (bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return f.Type == elf.ET_DYN, nil
}

// NodeLock is the per-node advisory lock directory <node>/lockdir,
// acquired via os.Mkdir and released via os.Remove.
type NodeLock struct {
	path string
}

// NewNodeLock returns a lock bound to <nodeDir>/lockdir.
func NewNodeLock(nodeDir string) *NodeLock {
	return &NodeLock{path: filepath.Join(nodeDir, "lockdir")}
}

// Acquire busy-waits (1-second poll) until it can create the lock
// directory or ctx is cancelled.
func (l *NodeLock) Acquire(ctx context.Context) error {
	for {
		err := os.Mkdir(l.path, 0o755)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Release removes the lock directory.
func (l *NodeLock) Release() error {
	return os.Remove(l.path)
}

// Disassembler is the external collaborator that turns a mapped file into
// full function/loop metadata. No default implementation ships here;
// callers plug in a real disassembly backend (an objdump wrapper, a
// capstone binding) when they need loop-level resolution.
type Disassembler interface {
	Disassemble(path string) (functions []binfmt.Function, loops []binfmt.Loop, err error)
}

// ParseOnlySymbolize extracts function labels from an ELF symbol table,
// deriving each function's stop address from the start of the next
// symbol in address order. This is the fallback for libraries outside
// the disassemble set: labels only, no loops.
func ParseOnlySymbolize(path string) ([]binfmt.Function, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("metafile: reading symbols from %s: %w", path, err)
	}
	var funcSyms []elf.Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
			funcSyms = append(funcSyms, s)
		}
	}
	sort.Slice(funcSyms, func(i, j int) bool { return funcSyms[i].Value < funcSyms[j].Value })

	out := make([]binfmt.Function, 0, len(funcSyms))
	for i, s := range funcSyms {
		stop := s.Value
		if i+1 < len(funcSyms) {
			stop = funcSyms[i+1].Value
		} else if s.Size > 0 {
			stop = s.Value + s.Size
		}
		out = append(out, binfmt.Function{
			Name:         symbolName(s, i),
			StartAddress: []uint64{s.Value},
			StopAddress:  []uint64{stop},
		})
	}
	return out, nil
}

func symbolName(s elf.Symbol, i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("unnamed_%d", i)
}

// OpenMP outlined-region naming. Names of the form "outer_fn._omp_fn.3"
// (regions) and "outer_fn._omp_loop_fn.1" (outlined loops) are collapsed
// into "<outer_fn>#omp_region_<n>" / "<outer_fn>#omp_loop_<n>". Other
// outlining schemes (for example "..omp_outlined" suffixes) are not
// rewritten.
var (
	ompRegionPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\._omp_fn\.(\d+)$`)
	ompLoopPattern   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\._omp_loop_fn\.(\d+)$`)
)

// CanonicalizeFunctionName applies the OpenMP outlined-name rewrite,
// falling back to demangled when provided, else the raw name.
func CanonicalizeFunctionName(rawName, demangled string) string {
	if m := ompRegionPattern.FindStringSubmatch(rawName); m != nil {
		return fmt.Sprintf("%s#omp_region_%s", m[1], m[2])
	}
	if m := ompLoopPattern.FindStringSubmatch(rawName); m != nil {
		return fmt.Sprintf("%s#omp_loop_%s", m[1], m[2])
	}
	if demangled != "" {
		return demangled
	}
	return rawName
}

// WriteBinaryInfo writes <exp>/binary.lprof once per experiment.
func WriteBinaryInfo(path, binName string, functions []binfmt.Function, loops []binfmt.Loop) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return binfmt.WriteBinaryInfo(f, binfmt.BinaryInfo{
		MajorVersion: 2, MinorVersion: 2,
		BinaryName: binName, Functions: functions, Loops: loops,
	})
}

// WriteLibraryMetadata materializes <node>/libs/<basename>.lprof for every
// distinct library referenced by ranges that hasn't been written yet,
// under the node's advisory lock. disassembleSet names libraries that
// should receive full disassembly; everything else is parsed only.
func WriteLibraryMetadata(ctx context.Context, logger *slog.Logger, nodeDir string, ranges []LibRange, disassembleSet map[string]bool, disasm Disassembler) error {
	if logger == nil {
		logger = slog.Default()
	}
	lock := NewNodeLock(nodeDir)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("metafile: acquiring node lock: %w", err)
	}
	defer lock.Release()

	libsDir := filepath.Join(nodeDir, "libs")
	if err := os.MkdirAll(libsDir, 0o755); err != nil {
		return err
	}

	for _, r := range ranges {
		base := filepath.Base(r.Name)
		outPath := filepath.Join(libsDir, base+".lprof")
		if _, err := os.Stat(outPath); err == nil {
			continue // already materialized by a prior process/node pass
		}

		var functions []binfmt.Function
		var loops []binfmt.Loop
		var err error
		if disassembleSet[base] && disasm != nil {
			functions, loops, err = disasm.Disassemble(r.Name)
		} else {
			functions, err = ParseOnlySymbolize(r.Name)
		}
		if err != nil {
			logger.Warn("materializing library metadata failed", "library", r.Name, "error", err)
			continue
		}

		out, err := os.Create(outPath)
		if err != nil {
			return err
		}
		werr := binfmt.WriteLibrary(out, binfmt.Library{Name: base, Functions: functions, Loops: loops})
		out.Close()
		if werr != nil {
			return werr
		}
	}
	return nil
}

// GenerateMetafile finalizes one process's persisted metadata after
// collection: it derives library ranges from the maps snapshots, writes
// lib_ranges.lprof and binary_offset.lprof, records the walltime and
// uarch scalars, materializes per-library metadata under the node's
// advisory lock, and writes <exp>/binary.lprof if no other node has yet.
func GenerateMetafile(ctx context.Context, logger *slog.Logger, expPath, nodeDir string, pid int, exeName string, walltime time.Duration, disassembleSet map[string]bool, disasm Disassembler) error {
	if logger == nil {
		logger = slog.Default()
	}

	ranges, err := DeriveLibraryRanges(nodeDir, pid, nil)
	if err != nil {
		return fmt.Errorf("metafile: deriving library ranges for pid %d: %w", pid, err)
	}

	pidDir := filepath.Join(nodeDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return fmt.Errorf("metafile: creating %s: %w", pidDir, err)
	}

	if err := WriteLibRanges(filepath.Join(pidDir, "lib_ranges.lprof"), ranges); err != nil {
		return fmt.Errorf("metafile: writing lib_ranges.lprof: %w", err)
	}

	isPIE, err := IsPIE(exeName)
	if err != nil {
		logger.Warn("PIE probe failed, assuming classic executable", "binary", exeName, "error", err)
	}
	if err := WriteExecutableOffset(filepath.Join(pidDir, "binary_offset.lprof"), exeName, ranges, isPIE); err != nil {
		return fmt.Errorf("metafile: writing binary_offset.lprof: %w", err)
	}

	if err := os.WriteFile(filepath.Join(pidDir, "walltime"), []byte(fmt.Sprintf("%.3f\n", walltime.Seconds())), 0o644); err != nil {
		return fmt.Errorf("metafile: writing walltime: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "uarch"), []byte(runtime.GOARCH+"\n"), 0o644); err != nil {
		return fmt.Errorf("metafile: writing uarch: %w", err)
	}

	// The executable's own mapping is covered by binary.lprof, not by a
	// libs/ entry.
	exeBase := filepath.Base(exeName)
	libRanges := make([]LibRange, 0, len(ranges))
	for _, r := range ranges {
		if filepath.Base(r.Name) == exeBase {
			continue
		}
		libRanges = append(libRanges, r)
	}
	if err := WriteLibraryMetadata(ctx, logger, nodeDir, libRanges, disassembleSet, disasm); err != nil {
		return err
	}

	binPath := filepath.Join(expPath, "binary.lprof")
	if _, err := os.Stat(binPath); err == nil {
		return nil // another process or node already wrote it
	}
	var functions []binfmt.Function
	var loops []binfmt.Loop
	if disasm != nil && disassembleSet[exeBase] {
		functions, loops, err = disasm.Disassemble(exeName)
	} else {
		functions, err = ParseOnlySymbolize(exeName)
	}
	if err != nil {
		return fmt.Errorf("metafile: extracting executable metadata from %s: %w", exeName, err)
	}
	for i := range functions {
		functions[i].Name = CanonicalizeFunctionName(functions[i].Name, "")
	}
	return WriteBinaryInfo(binPath, exeBase, functions, loops)
}

func writeU64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeLenString(w *bufio.Writer, s string) error {
	if err := writeU64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readLenString(r *bufio.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
