//go:build linux

package tracer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readInstructionPointer reads the kprobe-free approximation of a thread's
// current instruction pointer from /proc/<pid>/stat's kstkeip field
// (field 30, 1-indexed), used by the Timers flavour in place of a real
// performance-counter sample.
func readInstructionPointer(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		return 0, fmt.Errorf("tracer: empty /proc/%d/stat", pid)
	}
	line := scanner.Text()

	// The second field is "(comm)" and may itself contain spaces, so
	// split on the last ')' before tokenizing the rest positionally.
	end := strings.LastIndexByte(line, ')')
	if end < 0 {
		return 0, fmt.Errorf("tracer: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[end+1:])
	const kstkeipField = 30 - 3 // fields[] is 0-indexed starting at field 3
	if kstkeipField >= len(fields) {
		return 0, fmt.Errorf("tracer: /proc/%d/stat has no kstkeip field", pid)
	}
	v, err := strconv.ParseUint(fields[kstkeipField], 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
