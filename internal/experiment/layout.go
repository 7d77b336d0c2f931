// Package experiment implements the Experiment Loader (C6): it reads back
// the persisted layout written by the Metafile Writer (C5) and the Sample
// Store (C4) dump phase and reconstructs the in-memory
// Experiment -> Node -> Process -> Thread tree, together with the address
// interval indices the Hotspot Resolver (C7) needs.
package experiment

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// WriteProcessIndex writes <node>/processes_index.lua: one "<pid> <rank>"
// line per process, rank dense and 0-based in order of first appearance.
// A plain sorted text file keeps the mapping bijective within a node and
// stable across loader runs; the ".lua" extension is a historical naming
// convention of the experiment layout, not an embedded-interpreter
// requirement.
func WriteProcessIndex(path string, pids []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("experiment: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for rank, pid := range pids {
		if _, err := fmt.Fprintf(w, "%d %d\n", pid, rank); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadProcessIndex parses processes_index.lua into pid->rank.
func ReadProcessIndex(path string) (map[uint64]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("experiment: opening %s: %w", path, err)
	}
	defer f.Close()

	ranks := make(map[uint64]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("experiment: malformed processes_index.lua line %q", line)
		}
		pid, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("experiment: bad pid in %q: %w", line, err)
		}
		rank, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("experiment: bad rank in %q: %w", line, err)
		}
		ranks[pid] = rank
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ranks, nil
}

// assertBijective verifies that no two pids of a node share a rank.
func assertBijective(ranks map[uint64]int) error {
	seen := make(map[int]uint64, len(ranks))
	for pid, rank := range ranks {
		if other, ok := seen[rank]; ok {
			return fmt.Errorf("experiment: rank %d assigned to both pid %d and pid %d", rank, other, pid)
		}
		seen[rank] = pid
	}
	return nil
}

// nodeDirs lists the node subdirectories of an experiment root, skipping
// the "html" display-output directory.
func nodeDirs(expPath string) ([]string, error) {
	entries, err := os.ReadDir(expPath)
	if err != nil {
		return nil, fmt.Errorf("experiment: reading %s: %w", expPath, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "html" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// pidDirs lists numeric-named subdirectories of a node directory: the
// per-process directories.
func pidDirs(nodeDir string) ([]uint64, error) {
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return nil, fmt.Errorf("experiment: reading %s: %w", nodeDir, err)
	}
	var pids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue // libs/, lockdir, etc.
		}
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}
