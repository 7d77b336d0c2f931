package experiment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lprof/lprof/internal/binfmt"
	"github.com/lprof/lprof/internal/metafile"
	"github.com/lprof/lprof/internal/store"
)

func TestProcessIndexRoundtripAndBijective(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processes_index.lua")

	if err := WriteProcessIndex(path, []uint64{1001, 1002, 1003}); err != nil {
		t.Fatalf("WriteProcessIndex: %v", err)
	}
	ranks, err := ReadProcessIndex(path)
	if err != nil {
		t.Fatalf("ReadProcessIndex: %v", err)
	}
	if ranks[1001] != 0 || ranks[1002] != 1 || ranks[1003] != 2 {
		t.Fatalf("ranks = %v, want {1001:0 1002:1 1003:2}", ranks)
	}
	if err := assertBijective(ranks); err != nil {
		t.Errorf("assertBijective: %v", err)
	}

	if err := assertBijective(map[uint64]int{1: 0, 2: 0}); err == nil {
		t.Error("assertBijective should reject a duplicate rank")
	}
}

func TestIntervalIndexLookup(t *testing.T) {
	fns := []binfmt.Function{
		{Name: "main", StartAddress: []uint64{0x1000}, StopAddress: []uint64{0x1100}},
		{Name: "helper", StartAddress: []uint64{0x1100, 0x2000}, StopAddress: []uint64{0x1200, 0x2050}},
	}
	idx := FunctionIndex(fns)

	cases := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{0x1050, "main", true},
		{0x1150, "helper", true},
		{0x2040, "helper", true},
		{0x1300, "", false},
		{0xFFFF, "", false},
	}
	for _, c := range cases {
		got, ok := idx.Lookup(c.addr)
		if ok != c.ok {
			t.Errorf("Lookup(%#x).ok = %v, want %v", c.addr, ok, c.ok)
			continue
		}
		if ok && got.(*binfmt.Function).Name != c.want {
			t.Errorf("Lookup(%#x) = %v, want %v", c.addr, got.(*binfmt.Function).Name, c.want)
		}
	}
}

func TestKernelIndexSentinel(t *testing.T) {
	syms := []KernelSymbol{{Address: 0x100, Name: "a"}, {Address: 0x200, Name: "b"}}
	idx := KernelIndex(syms)

	if got, ok := idx.Lookup(0x150); !ok || got.(*KernelSymbol).Name != "a" {
		t.Errorf("Lookup(0x150) = %v,%v, want a,true", got, ok)
	}
	if got, ok := idx.Lookup(^uint64(0)); !ok || got.(*KernelSymbol).Name != "b" {
		t.Errorf("Lookup(maxuint64) = %v,%v, want b,true (trailing sentinel)", got, ok)
	}
	if _, ok := idx.Lookup(0x50); ok {
		t.Error("Lookup below first symbol should miss")
	}
}

func TestLoadFullExperimentTree(t *testing.T) {
	expDir := t.TempDir()
	nodeDir := filepath.Join(expDir, "node0")
	pidDir := filepath.Join(nodeDir, "1")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}

	binPath := filepath.Join(expDir, "binary.lprof")
	bf, err := os.Create(binPath)
	if err != nil {
		t.Fatal(err)
	}
	err = binfmt.WriteBinaryInfo(bf, binfmt.BinaryInfo{
		MajorVersion: 2, MinorVersion: 2, BinaryName: "busy",
		Functions: []binfmt.Function{{Name: "main", StartAddress: []uint64{0x1000}, StopAddress: []uint64{0x2000}}},
	})
	bf.Close()
	if err != nil {
		t.Fatalf("WriteBinaryInfo: %v", err)
	}

	if err := WriteProcessIndex(filepath.Join(nodeDir, "processes_index.lua"), []uint64{1}); err != nil {
		t.Fatal(err)
	}

	w := store.NewWorker(0, nil, nodeDir, 1, 1<<20, 1<<20, 1<<20, nil)
	w.InsertSample(1, 11, 0x1050, 0, 0, nil)
	if _, err := store.Dump(nodeDir, 1, []string{"cycles"}, nil, []*store.Worker{w}, 0, nil); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	if err := metafile.WriteLibRanges(filepath.Join(pidDir, "lib_ranges.lprof"), nil); err != nil {
		t.Fatal(err)
	}

	exp, err := Load(nil, expDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(exp.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1", len(exp.Nodes))
	}
	node := exp.Nodes[0]
	if len(node.Processes) != 1 {
		t.Fatalf("len(Processes) = %d, want 1", len(node.Processes))
	}
	proc := node.Processes[0]
	if proc.PID != 1 || proc.Rank != 0 {
		t.Errorf("proc = %+v, want pid=1 rank=0", proc)
	}
	if len(proc.Threads) != 1 || proc.Threads[0].TID != 11 {
		t.Fatalf("Threads = %+v, want one thread tid=11", proc.Threads)
	}
	if got, ok := node.ExecFuncs.Lookup(0x1050); !ok || got.(*binfmt.Function).Name != "main" {
		t.Errorf("ExecFuncs.Lookup(0x1050) = %v,%v, want main,true", got, ok)
	}
}
