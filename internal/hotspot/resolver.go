// Package hotspot implements the Hotspot Resolver & Categorizer (C7):
// per-process (ip -> function/loop) resolution across the executable,
// libraries, and kernel symbol map, plus sample categorization and
// call-chain pretty-printing.
package hotspot

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lprof/lprof/internal/binfmt"
	"github.com/lprof/lprof/internal/experiment"
)

// ResolutionKind tags which scope a sample's address was resolved in.
type ResolutionKind int

const (
	KindExecutable ResolutionKind = iota
	KindLibrary
	KindKernel
	KindUnknown
)

func (k ResolutionKind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	case KindKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// FunctionHit is the resolved function (or best-effort stand-in) for one
// sampled address.
type FunctionHit struct {
	Kind        ResolutionKind
	Function    *binfmt.Function // nil for kernel/unknown
	SymbolName  string           // kernel symbol name, or ""
	LibraryName string           // basename, populated for KindLibrary
}

// DisplayName returns the name used in reports and call-chain strings.
func (h FunctionHit) DisplayName() string {
	switch h.Kind {
	case KindExecutable, KindLibrary:
		if h.Function != nil {
			return h.Function.Name
		}
	case KindKernel:
		if h.SymbolName != "" {
			return h.SymbolName
		}
	}
	return "Unknown functions"
}

// Config holds the resolver's tunables, plus the user-declared extra
// library->category table.
type Config struct {
	// AbsoluteLibraryWindowStart/Stop bound the heuristic window: a
	// library mapped inside this range is treated as always
	// absolute-mapped (its addresses are used as-is, no base subtraction),
	// empirically true of libc/ld on a standard Linux/x86-64 loader
	// layout. Outside the window, the per-process load address is
	// subtracted before lookup. The window is tied to that loader layout
	// and not stable under ASLR, hence a configuration point rather than
	// a constant.
	AbsoluteLibraryWindowStart uint64
	AbsoluteLibraryWindowStop  uint64

	// ExtraCategoryLibs maps a library basename to a user-declared category
	// name, consulted before the fixed glob table.
	ExtraCategoryLibs map[string]string
}

// DefaultConfig returns the standard Linux/x86-64 window.
func DefaultConfig() Config {
	return Config{
		AbsoluteLibraryWindowStart: 0x3000000000,
		AbsoluteLibraryWindowStop:  0x4000000000,
	}
}

// Resolver caches per-process (ip -> FunctionHit) resolutions against
// one loaded experiment node, short-circuiting repeated addresses.
type Resolver struct {
	cfg  Config
	node *experiment.Node

	funcCache map[uint64]map[uint64]FunctionHit // pid -> ip -> hit
	loopCache map[uint64]map[uint64]*binfmt.Loop // pid -> ip -> loop (nil entries cached as well via ok map)
	loopSeen  map[uint64]map[uint64]bool
}

// NewResolver builds a resolver over one loaded node.
func NewResolver(cfg Config, node *experiment.Node) *Resolver {
	return &Resolver{
		cfg:       cfg,
		node:      node,
		funcCache: make(map[uint64]map[uint64]FunctionHit),
		loopCache: make(map[uint64]map[uint64]*binfmt.Loop),
		loopSeen:  make(map[uint64]map[uint64]bool),
	}
}

func (r *Resolver) inAbsoluteWindow(addr uint64) bool {
	return addr >= r.cfg.AbsoluteLibraryWindowStart && addr < r.cfg.AbsoluteLibraryWindowStop
}

// libraryMatch finds the process-mapped library range containing ip, and
// the address to use for the in-library lookup after applying the
// absolute-window heuristic.
func (r *Resolver) libraryMatch(proc *experiment.Process, ip uint64) (libBasename string, lookupAddr uint64, ok bool) {
	for _, lr := range proc.LibRanges {
		if ip < lr.Start || ip > lr.Stop {
			continue
		}
		base := filepath.Base(lr.Name)
		if r.inAbsoluteWindow(lr.Start) {
			return base, ip, true
		}
		return base, ip - lr.Start, true
	}
	return "", 0, false
}

// ResolveFunction maps one sampled address to a function: executable
// first (after subtracting the binary offset), then the process's mapped
// libraries, then the kernel symbol map, else the Unknown sink.
func (r *Resolver) ResolveFunction(proc *experiment.Process, ip uint64) FunctionHit {
	byIP, ok := r.funcCache[proc.PID]
	if !ok {
		byIP = make(map[uint64]FunctionHit)
		r.funcCache[proc.PID] = byIP
	}
	if hit, ok := byIP[ip]; ok {
		return hit
	}

	hit := r.resolveFunctionUncached(proc, ip)
	byIP[ip] = hit
	return hit
}

func (r *Resolver) resolveFunctionUncached(proc *experiment.Process, ip uint64) FunctionHit {
	execAddr := ip - proc.BinaryOffset
	if payload, ok := r.node.ExecFuncs.Lookup(execAddr); ok {
		return FunctionHit{Kind: KindExecutable, Function: payload.(*binfmt.Function)}
	}

	if base, addr, ok := r.libraryMatch(proc, ip); ok {
		if lib, ok := r.node.Libraries[base]; ok {
			if payload, ok := lib.Functions.Lookup(addr); ok {
				return FunctionHit{Kind: KindLibrary, Function: payload.(*binfmt.Function), LibraryName: base}
			}
		}
		// Library mapped but no resolvable function inside it (no metadata,
		// or address falls in a gap): still attribute library provenance so
		// the library-glob category rules can use it.
		return FunctionHit{Kind: KindLibrary, LibraryName: base}
	}

	if r.node.Kernel != nil {
		if payload, ok := r.node.Kernel.Lookup(ip); ok {
			sym := payload.(*experiment.KernelSymbol)
			return FunctionHit{Kind: KindKernel, SymbolName: sym.Name}
		}
	}

	return FunctionHit{Kind: KindUnknown}
}

// ResolveLoop is the same two-phase lookup as ResolveFunction, excluding
// the kernel tree: loops are not resolved in system code.
func (r *Resolver) ResolveLoop(proc *experiment.Process, ip uint64) (*binfmt.Loop, bool) {
	seen, ok := r.loopSeen[proc.PID]
	if !ok {
		seen = make(map[uint64]bool)
		r.loopSeen[proc.PID] = seen
		r.loopCache[proc.PID] = make(map[uint64]*binfmt.Loop)
	}
	if seen[ip] {
		lp := r.loopCache[proc.PID][ip]
		return lp, lp != nil
	}

	var found *binfmt.Loop
	execAddr := ip - proc.BinaryOffset
	if payload, ok := r.node.ExecLoops.Lookup(execAddr); ok {
		found = payload.(*binfmt.Loop)
	} else if base, addr, ok := r.libraryMatch(proc, ip); ok {
		if lib, ok := r.node.Libraries[base]; ok {
			if payload, ok := lib.Loops.Lookup(addr); ok {
				found = payload.(*binfmt.Loop)
			}
		}
	}

	seen[ip] = true
	r.loopCache[proc.PID][ip] = found
	return found, found != nil
}

// Categorize attributes one sample to exactly one category. chains holds
// every distinct call chain recorded for the sample, each outward from
// the sampled ip.
func (r *Resolver) Categorize(proc *experiment.Process, ip uint64, chains [][]uint64) Category {
	hit := r.ResolveFunction(proc, ip)

	if hit.Kind == KindExecutable {
		return classifyExecutableFunction(hit.Function.Name)
	}

	// Non-executable: walk every recorded call chain first, skipping frames
	// at the sampled ip itself; the first frame across them resolving to an
	// MPI, OpenMP, or pthread library decides the category.
	for _, chain := range chains {
		for _, frameIP := range chain {
			if frameIP == ip {
				continue
			}
			frameHit := r.ResolveFunction(proc, frameIP)
			if frameHit.Kind != KindLibrary {
				continue
			}
			if cat, ok := isChainRefinementLibrary(frameHit.LibraryName); ok {
				return cat
			}
		}
	}

	if hit.Kind == KindLibrary {
		if cat, ok := r.cfg.ExtraCategoryLibs[hit.LibraryName]; ok {
			return Category(cat)
		}
		if cat, ok := classifyLibraryName(hit.LibraryName); ok {
			if cat == CategorySystem && matchesAny(libcFamilyPatterns, hit.LibraryName) && hit.Function != nil {
				return classifyLibcFunction(hit.Function.Name)
			}
			return cat
		}
		return CategoryOther
	}

	// Kernel samples default to system unless a chain frame refined them
	// above.
	return CategorySystem
}

// PrettyPrintChain formats a call chain for display:
// "fn0 [xk0] <-- fn1 [xk1] <-- ..." with adjacent repeats collapsed and
// frames whose resolution kind exceeds filterThreshold dropped.
func (r *Resolver) PrettyPrintChain(proc *experiment.Process, frames []uint64, filterThreshold ResolutionKind) string {
	type run struct {
		name  string
		count int
	}
	var runs []run
	for _, ip := range frames {
		hit := r.ResolveFunction(proc, ip)
		if hit.Kind > filterThreshold {
			continue
		}
		name := hit.DisplayName()
		if len(runs) > 0 && runs[len(runs)-1].name == name {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{name: name, count: 1})
	}

	parts := make([]string, 0, len(runs))
	for _, rn := range runs {
		if rn.count > 1 {
			parts = append(parts, fmt.Sprintf("%s [x%d]", rn.name, rn.count))
		} else {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, " <-- ")
}
