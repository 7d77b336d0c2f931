package hotspot

import (
	"fmt"
	"sort"

	"github.com/lprof/lprof/internal/binfmt"
	"github.com/lprof/lprof/internal/experiment"
	"github.com/lprof/lprof/internal/store"
)

// ChainFilter bounds which frames of a call chain are displayed: frames
// whose resolution kind exceeds it are dropped.
type ChainFilter = ResolutionKind

// FunctionResult is one leaf function entry in the result tree: a display
// string, per-event hit counts, and a call-chain map from pretty-printed
// chain to percentage of this function's recorded call-chain hits
// (leader-event samples carrying a chain that survives the filter).
type FunctionResult struct {
	Display    string
	Category   Category
	HitsByCol  []uint64 // one entry per event/column, leader event first
	ChainPct   map[string]float64
	SourceFile string
	SourceLine uint32
}

// LoopResult mirrors FunctionResult for loop hotspots.
type LoopResult struct {
	Display   string
	HitsByCol []uint64
	ChainPct  map[string]float64
}

// ThreadResult is one thread's leaf of the result tree.
type ThreadResult struct {
	TID          uint64
	Rank         int
	WallSeconds  float64
	Functions    []FunctionResult
	Loops        []LoopResult
	Categories   map[Category]uint64 // leader-event hits per category
	LibcCategory map[Category]uint64 // leader-event hits per libc sub-category
}

// ProcessResult is one process's leaf of the result tree.
type ProcessResult struct {
	PID          uint64
	Rank         int
	LibraryNames []string
	Threads      []ThreadResult
}

// NodeResult is one node's leaf of the result tree.
type NodeResult struct {
	Name      string
	Processes []ProcessResult
}

// Context carries the caller-supplied knobs that shape the result tree.
type Context struct {
	EventNames      []string
	ChainFilter     ChainFilter
	ExtraCategories map[string]string
	ResolverConfig  Config
}

// Result is the structured, language-neutral result tree handed to the
// display front-end.
type Result struct {
	ExecutableName string
	EventNames     []string
	Nodes          []NodeResult
}

// PrepareSamplingDisplay resolves every sample in exp against its node's
// address indices, aggregates per-thread function/loop hit vectors and
// categories, and renders call-chain display strings.
func PrepareSamplingDisplay(exp *experiment.Experiment, ctx Context) Result {
	result := Result{ExecutableName: exp.BinaryName, EventNames: ctx.EventNames}

	for _, node := range exp.Nodes {
		cfg := ctx.ResolverConfig
		if cfg.AbsoluteLibraryWindowStart == 0 && cfg.AbsoluteLibraryWindowStop == 0 {
			cfg = DefaultConfig()
		}
		cfg.ExtraCategoryLibs = ctx.ExtraCategories
		resolver := NewResolver(cfg, node)
		node.UnknownHit = 0

		nr := NodeResult{Name: node.Name}
		for _, proc := range node.Processes {
			libNames := make([]string, 0, len(proc.LibRanges))
			for _, lr := range proc.LibRanges {
				libNames = append(libNames, lr.Name)
			}
			pr := ProcessResult{PID: proc.PID, Rank: proc.Rank, LibraryNames: libNames}
			for _, th := range proc.Threads {
				pr.Threads = append(pr.Threads, aggregateThread(resolver, node, proc, th, ctx.ChainFilter))
			}
			nr.Processes = append(nr.Processes, pr)
		}
		result.Nodes = append(result.Nodes, nr)
	}
	return result
}

func aggregateThread(resolver *Resolver, node *experiment.Node, proc *experiment.Process, th *experiment.Thread, filter ChainFilter) ThreadResult {
	funcAgg := make(map[string]*functionAccum)
	var funcOrder []string
	loopAgg := make(map[uint32]*loopAccum)
	var loopOrder []uint32
	categories := make(map[Category]uint64)
	libcCategories := make(map[Category]uint64)

	for _, ev := range th.IPEvents {
		hit := resolver.ResolveFunction(proc, ev.IP)
		cat := resolver.Categorize(proc, ev.IP, allChainFrames(ev))

		leaderHits := uint64(0)
		if len(ev.EventsNb) > 0 {
			leaderHits = uint64(ev.EventsNb[0])
		}
		if hit.Kind == KindUnknown {
			node.UnknownHit += leaderHits
		}
		categories[cat] += leaderHits
		if cat == CategoryIO || cat == CategoryString || cat == CategoryMemory {
			libcCategories[cat] += leaderHits
		}

		key := hit.DisplayName()
		fa, ok := funcAgg[key]
		if !ok {
			fa = &functionAccum{display: key, category: cat, hitsByCol: make([]uint64, len(ev.EventsNb)), chains: make(map[string]uint64)}
			funcAgg[key] = fa
			funcOrder = append(funcOrder, key)
			if hit.Function != nil {
				fa.sourceFile = hit.Function.SrcFile
				fa.sourceLine = hit.Function.SrcLine
			}
		}
		addColumns(&fa.hitsByCol, ev.EventsNb)
		for _, cc := range ev.Chains {
			s := resolver.PrettyPrintChain(proc, cc.Frames, filter)
			if s == "" {
				continue
			}
			fa.chains[s] += cc.Hits
			fa.chainTotal += cc.Hits
		}

		if loop, ok := resolver.ResolveLoop(proc, ev.IP); ok {
			la, ok := loopAgg[loop.ID]
			if !ok {
				la = &loopAccum{display: loopDisplayName(loop), hitsByCol: make([]uint64, len(ev.EventsNb)), chains: make(map[string]uint64)}
				loopAgg[loop.ID] = la
				loopOrder = append(loopOrder, loop.ID)
			}
			addColumns(&la.hitsByCol, ev.EventsNb)
			for _, cc := range ev.Chains {
				s := resolver.PrettyPrintChain(proc, cc.Frames, filter)
				if s == "" {
					continue
				}
				la.chains[s] += cc.Hits
				la.chainTotal += cc.Hits
			}
		}
	}

	sort.Strings(funcOrder)
	functions := make([]FunctionResult, 0, len(funcOrder))
	for _, key := range funcOrder {
		fa := funcAgg[key]
		functions = append(functions, FunctionResult{
			Display: fa.display, Category: fa.category, HitsByCol: fa.hitsByCol,
			ChainPct: percentages(fa.chains, fa.chainTotal), SourceFile: fa.sourceFile, SourceLine: fa.sourceLine,
		})
	}

	sort.Slice(loopOrder, func(i, j int) bool { return loopOrder[i] < loopOrder[j] })
	loops := make([]LoopResult, 0, len(loopOrder))
	for _, id := range loopOrder {
		la := loopAgg[id]
		loops = append(loops, LoopResult{Display: la.display, HitsByCol: la.hitsByCol, ChainPct: percentages(la.chains, la.chainTotal)})
	}

	return ThreadResult{
		TID: th.TID, Rank: th.Rank,
		WallSeconds: proc.WallSeconds,
		Functions:   functions, Loops: loops,
		Categories: categories, LibcCategory: libcCategories,
	}
}

type functionAccum struct {
	display    string
	category   Category
	hitsByCol  []uint64
	chains     map[string]uint64
	chainTotal uint64
	sourceFile string
	sourceLine uint32
}

type loopAccum struct {
	display    string
	hitsByCol  []uint64
	chains     map[string]uint64
	chainTotal uint64
}

func addColumns(dst *[]uint64, src []uint32) {
	if len(*dst) < len(src) {
		grown := make([]uint64, len(src))
		copy(grown, *dst)
		*dst = grown
	}
	for i, v := range src {
		(*dst)[i] += uint64(v)
	}
}

func percentages(hits map[string]uint64, total uint64) map[string]float64 {
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(hits))
	for k, v := range hits {
		out[k] = float64(v) / float64(total) * 100
	}
	return out
}

// allChainFrames collects every distinct recorded call chain of the
// sample: a refining library frame may appear in a minority chain only.
func allChainFrames(ev *store.IPEvents) [][]uint64 {
	if len(ev.Chains) == 0 {
		return nil
	}
	out := make([][]uint64, len(ev.Chains))
	for i, cc := range ev.Chains {
		out[i] = cc.Frames
	}
	return out
}

func loopDisplayName(loop *binfmt.Loop) string {
	return fmt.Sprintf("%s/loop%d", loop.SrcFunctionName, loop.ID)
}
