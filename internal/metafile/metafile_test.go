package metafile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLibRangesRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib_ranges.lprof")
	want := []LibRange{
		{Name: "/usr/lib/libc.so.6", Start: 0x7f0000000000, Stop: 0x7f0000100000},
		{Name: "/bin/myapp", Start: 0x400000, Stop: 0x401000},
	}
	if err := WriteLibRanges(path, want); err != nil {
		t.Fatalf("WriteLibRanges: %v", err)
	}
	got, err := ReadLibRanges(path)
	if err != nil {
		t.Fatalf("ReadLibRanges: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriteExecutableOffsetNonPIE(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary_offset.lprof")
	ranges := []LibRange{{Name: "/bin/myapp", Start: 0x400000, Stop: 0x500000}}
	if err := WriteExecutableOffset(path, "/bin/myapp", ranges, false); err != nil {
		t.Fatalf("WriteExecutableOffset: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("len(data) = %d, want 8", len(data))
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("non-PIE offset should be all zero, got %v", data)
		}
	}
}

func TestWriteExecutableOffsetPIE(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary_offset.lprof")
	ranges := []LibRange{{Name: "/bin/myapp", Start: 0x7f1234000000, Stop: 0x7f1234100000}}
	if err := WriteExecutableOffset(path, "/bin/myapp", ranges, true); err != nil {
		t.Fatalf("WriteExecutableOffset: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var allZero = true
	for _, b := range data {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatal("PIE offset should be nonzero")
	}
}

func TestCanonicalizeFunctionNameOMP(t *testing.T) {
	cases := []struct {
		raw, demangled, want string
	}{
		{"compute._omp_fn.3", "", "compute#omp_region_3"},
		{"compute._omp_loop_fn.1", "", "compute#omp_loop_1"},
		{"_Z7computev", "compute()", "compute()"},
		{"plain_func", "", "plain_func"},
	}
	for _, tc := range cases {
		got := CanonicalizeFunctionName(tc.raw, tc.demangled)
		if got != tc.want {
			t.Errorf("CanonicalizeFunctionName(%q, %q) = %q, want %q", tc.raw, tc.demangled, got, tc.want)
		}
	}
}

func TestGenerateMetafileWritesProcessFiles(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot resolve test binary: %v", err)
	}

	expDir := t.TempDir()
	nodeDir := filepath.Join(expDir, "node0")
	pidDir := filepath.Join(nodeDir, "4242")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}

	err = GenerateMetafile(context.Background(), nil, expDir, nodeDir, 4242, exe, 1500*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("GenerateMetafile: %v", err)
	}

	for _, name := range []string{"lib_ranges.lprof", "binary_offset.lprof", "walltime", "uarch"} {
		if _, err := os.Stat(filepath.Join(pidDir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	wt, err := os.ReadFile(filepath.Join(pidDir, "walltime"))
	if err != nil {
		t.Fatalf("read walltime: %v", err)
	}
	if string(wt) != "1.500\n" {
		t.Errorf("walltime = %q, want \"1.500\\n\"", wt)
	}
	if _, err := os.Stat(filepath.Join(expDir, "binary.lprof")); err != nil {
		t.Errorf("binary.lprof not written: %v", err)
	}
}

func TestNodeLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewNodeLock(dir)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lock.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "lockdir")); err != nil {
		t.Fatalf("lockdir not created: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "lockdir")); !os.IsNotExist(err) {
		t.Fatalf("lockdir still exists after Release")
	}
}

func TestNodeLockBlocksSecondAcquirer(t *testing.T) {
	dir := t.TempDir()
	first := NewNodeLock(dir)
	ctx := context.Background()
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	second := NewNodeLock(dir)
	shortCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := second.Acquire(shortCtx); err == nil {
		t.Fatal("second Acquire should have blocked until timeout")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
}
