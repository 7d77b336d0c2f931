package hotspot

import (
	"testing"

	"github.com/lprof/lprof/internal/binfmt"
	"github.com/lprof/lprof/internal/experiment"
	"github.com/lprof/lprof/internal/metafile"
	"github.com/lprof/lprof/internal/store"
)

func buildTestNode() *experiment.Node {
	fns := []binfmt.Function{
		{Name: "main", StartAddress: []uint64{0x1000}, StopAddress: []uint64{0x2000}},
	}
	mpiFns := []binfmt.Function{
		{Name: "MPI_Send", StartAddress: []uint64{0}, StopAddress: []uint64{0x100}},
	}
	node := &experiment.Node{
		Name:      "node0",
		ExecFuncs: experiment.FunctionIndex(fns),
		ExecLoops: experiment.LoopIndex(nil),
		Libraries: map[string]*experiment.LibraryTree{
			"libmpi.so": {
				Name:      "libmpi.so",
				Functions: experiment.FunctionIndex(mpiFns),
				Loops:     experiment.LoopIndex(nil),
			},
		},
	}
	return node
}

func TestResolveFunctionExecutableAndLibrary(t *testing.T) {
	node := buildTestNode()
	r := NewResolver(DefaultConfig(), node)

	proc := &experiment.Process{
		PID: 1,
		LibRanges: []metafile.LibRange{
			{Name: "libmpi.so", Start: 0x7f0000, Stop: 0x7f0200},
		},
	}

	hit := r.ResolveFunction(proc, 0x1050)
	if hit.Kind != KindExecutable || hit.Function.Name != "main" {
		t.Fatalf("exec resolve = %+v", hit)
	}

	hit2 := r.ResolveFunction(proc, 0x7f0050)
	if hit2.Kind != KindLibrary || hit2.Function == nil || hit2.Function.Name != "MPI_Send" {
		t.Fatalf("library resolve = %+v", hit2)
	}

	hit3 := r.ResolveFunction(proc, 0xDEADBEEF)
	if hit3.Kind != KindUnknown {
		t.Fatalf("unresolved ip should be Unknown, got %+v", hit3)
	}
}

func TestResolveFunctionAbsoluteWindow(t *testing.T) {
	node := buildTestNode()
	node.Libraries["libc.so.6"] = &experiment.LibraryTree{
		Name: "libc.so.6",
		Functions: experiment.FunctionIndex([]binfmt.Function{
			{Name: "malloc", StartAddress: []uint64{0x3100000050}, StopAddress: []uint64{0x3100000100}},
		}),
		Loops: experiment.LoopIndex(nil),
	}
	r := NewResolver(DefaultConfig(), node)
	proc := &experiment.Process{
		PID: 1,
		LibRanges: []metafile.LibRange{
			{Name: "libc.so.6", Start: 0x3100000000, Stop: 0x3100001000},
		},
	}
	// Inside the absolute window: address used as-is, not offset by start.
	hit := r.ResolveFunction(proc, 0x3100000075)
	if hit.Kind != KindLibrary || hit.Function == nil || hit.Function.Name != "malloc" {
		t.Fatalf("absolute-window resolve = %+v", hit)
	}
}

func TestCategorizeExecutableMPIPrefix(t *testing.T) {
	node := buildTestNode()
	r := NewResolver(DefaultConfig(), node)
	proc := &experiment.Process{PID: 1}

	fns := []binfmt.Function{{Name: "MPI_Init", StartAddress: []uint64{0x1100}, StopAddress: []uint64{0x1200}}}
	node.ExecFuncs = experiment.FunctionIndex(fns)

	cat := r.Categorize(proc, 0x1150, nil)
	if cat != CategoryMPI {
		t.Errorf("Categorize = %v, want mpi", cat)
	}
}

func TestClassifyExecutableFunctionTokens(t *testing.T) {
	cases := []struct {
		name string
		want Category
	}{
		{"MPI_Send", CategoryMPI},
		{"PMPI_Send", CategoryMPI}, // profiling shim: MPI at index 1
		{"_mpi_reduce", CategoryMPI},
		{"pmi_barrier", CategoryMPI},
		{"__kmp_fork_call", CategoryOpenMP},
		{"GOMP_parallel", CategoryOpenMP},
		{"compute_kernel", CategoryBinary},
		{"simple", CategoryBinary},
	}
	for _, tc := range cases {
		if got := classifyExecutableFunction(tc.name); got != tc.want {
			t.Errorf("classifyExecutableFunction(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCategorizeLibraryGlob(t *testing.T) {
	node := buildTestNode()
	r := NewResolver(DefaultConfig(), node)
	proc := &experiment.Process{
		PID: 1,
		LibRanges: []metafile.LibRange{
			{Name: "libmpi.so", Start: 0x7f0000, Stop: 0x7f0200},
		},
	}
	cat := r.Categorize(proc, 0x7f0050, nil)
	if cat != CategoryMPI {
		t.Errorf("Categorize = %v, want mpi", cat)
	}
}

func TestCategorizeWalksEveryChain(t *testing.T) {
	node := buildTestNode()
	r := NewResolver(DefaultConfig(), node)
	proc := &experiment.Process{
		PID: 1,
		LibRanges: []metafile.LibRange{
			{Name: "libm.so.6", Start: 0x7e0000, Stop: 0x7e1000},
			{Name: "libmpi.so", Start: 0x7f0000, Stop: 0x7f0200},
		},
	}

	// The sampled ip resolves into libm; the dominant chain stays inside
	// the executable, and only a minority chain carries the MPI frame.
	dominant := []uint64{0x1050, 0x1060}
	minority := []uint64{0x7f0050}

	cat := r.Categorize(proc, 0x7e0050, [][]uint64{dominant, minority})
	if cat != CategoryMPI {
		t.Errorf("Categorize = %v, want mpi (refining frame lives in a minority chain)", cat)
	}

	// Without the minority chain the library glob decides instead.
	cat = r.Categorize(proc, 0x7e0050, [][]uint64{dominant})
	if cat != CategoryMath {
		t.Errorf("Categorize = %v, want math", cat)
	}
}

func TestPrettyPrintChainCollapsesRuns(t *testing.T) {
	node := buildTestNode()
	node.ExecFuncs = experiment.FunctionIndex([]binfmt.Function{
		{Name: "main", StartAddress: []uint64{0x1000}, StopAddress: []uint64{0x1100}},
		{Name: "helper", StartAddress: []uint64{0x2000}, StopAddress: []uint64{0x2100}},
	})
	r := NewResolver(DefaultConfig(), node)
	proc := &experiment.Process{PID: 1}

	s := r.PrettyPrintChain(proc, []uint64{0x1050, 0x1060, 0x2050, 0x2060, 0x2070}, KindKernel)
	want := "main [x2] <-- helper [x3]"
	if s != want {
		t.Errorf("PrettyPrintChain = %q, want %q", s, want)
	}
}

func TestPrepareSamplingDisplayAggregates(t *testing.T) {
	node := buildTestNode()
	exp := &experiment.Experiment{
		BinaryName: "busy",
		Nodes: []*experiment.Node{node},
	}
	proc := &experiment.Process{PID: 1, Rank: 0}
	node.Processes = []*experiment.Process{proc}

	ev := &store.IPEvents{IP: 0x1050, EventsNb: []uint32{3}}
	proc.Threads = []*experiment.Thread{
		{TID: 5, Rank: 0, IPEvents: []*store.IPEvents{ev}},
	}

	result := PrepareSamplingDisplay(exp, Context{EventNames: []string{"cycles"}})
	if len(result.Nodes) != 1 || len(result.Nodes[0].Processes) != 1 {
		t.Fatal("result tree missing node/process")
	}
	threads := result.Nodes[0].Processes[0].Threads
	if len(threads) != 1 || len(threads[0].Functions) != 1 {
		t.Fatalf("threads = %+v", threads)
	}
	if threads[0].Functions[0].Display != "main" {
		t.Errorf("function display = %q, want main", threads[0].Functions[0].Display)
	}
	if threads[0].Categories[CategoryBinary] != 3 {
		t.Errorf("categories = %v, want binary=3", threads[0].Categories)
	}
}
