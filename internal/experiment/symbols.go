package experiment

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lprof/lprof/internal/binfmt"
)

// KernelSymbolLibraryIndex is the reserved library index attributed to
// every kernel-resolved range: kernel code belongs to no real library
// and categorizes as system.
const KernelSymbolLibraryIndex = -2

// KernelSymbol is one entry of a loaded system_map.
type KernelSymbol struct {
	Address uint64
	Name    string
}

// FunctionIndex builds an IntervalIndex over a function list, one entry
// per disjoint address range (a function may own several).
func FunctionIndex(fns []binfmt.Function) *IntervalIndex {
	var entries []addrEntry
	for i := range fns {
		fn := &fns[i]
		for r := range fn.StartAddress {
			if r >= len(fn.StopAddress) {
				break
			}
			entries = append(entries, addrEntry{start: fn.StartAddress[r], stop: fn.StopAddress[r], payload: fn})
		}
	}
	return NewIntervalIndex(entries)
}

// LoopIndex builds an IntervalIndex over a loop list, one entry per
// disjoint address range.
func LoopIndex(loops []binfmt.Loop) *IntervalIndex {
	var entries []addrEntry
	for i := range loops {
		lp := &loops[i]
		for r := range lp.StartAddress {
			if r >= len(lp.StopAddress) {
				break
			}
			entries = append(entries, addrEntry{start: lp.StartAddress[r], stop: lp.StopAddress[r], payload: lp})
		}
	}
	return NewIntervalIndex(entries)
}

// ReadSystemMap parses <node>/system_map: one "<hex-address> <type> <name>"
// line per symbol, the /proc/kallsyms convention. Returns symbols sorted by
// address.
func ReadSystemMap(path string) ([]KernelSymbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("experiment: opening %s: %w", path, err)
	}
	defer f.Close()

	var syms []KernelSymbol
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		syms = append(syms, KernelSymbol{Address: addr, Name: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })
	return syms, nil
}

// KernelIndex builds the kernel symbol IntervalIndex: each entry's range
// is [addr, next_addr-1], with a trailing sentinel covering
// [last_addr, UINT64_MAX].
func KernelIndex(syms []KernelSymbol) *IntervalIndex {
	entries := make([]addrEntry, 0, len(syms))
	for i := range syms {
		stop := uint64(math.MaxUint64)
		if i+1 < len(syms) {
			stop = syms[i+1].Address
		}
		entries = append(entries, addrEntry{start: syms[i].Address, stop: stop, payload: &syms[i]})
	}
	return NewIntervalIndex(entries)
}
