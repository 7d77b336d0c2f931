package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ThreadSamples is one thread's decoded IP_events.lprof entries, in the
// order they appear on disk; that order defines the thread's dense rank.
type ThreadSamples struct {
	TID      uint64
	IPEvents []*IPEvents
}

// IPEventsFile is the fully decoded content of one IP_events.lprof file.
type IPEventsFile struct {
	EventsPerGroup int
	EventNames     []string
	EventList      string   // the comma-joined list as originally supplied
	SampleMasks    []uint64 // per-event sample-attribute bitmask
	Threads        []ThreadSamples
}

// ReadIPEvents parses an IP_events.lprof file written by Dump/writeIPEvents.
func ReadIPEvents(path string) (*IPEventsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	threadCount, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("store: reading thread count: %w", err)
	}
	eventsPerGroup, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("store: reading events-per-group: %w", err)
	}

	names := make([]string, eventsPerGroup)
	for i := range names {
		s, err := readLenPrefixedString(r)
		if err != nil {
			return nil, fmt.Errorf("store: reading event name %d: %w", i, err)
		}
		names[i] = s
	}

	list, err := readLenPrefixedString(r)
	if err != nil {
		return nil, fmt.Errorf("store: reading event list: %w", err)
	}
	masks := make([]uint64, eventsPerGroup)
	for i := range masks {
		m, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("store: reading sample mask %d: %w", i, err)
		}
		masks[i] = m
	}

	out := &IPEventsFile{EventsPerGroup: int(eventsPerGroup), EventNames: names, EventList: list, SampleMasks: masks}
	for t := uint32(0); t < threadCount; t++ {
		tid, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("store: reading tid %d: %w", t, err)
		}
		entryCount, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("store: reading ip entry count for tid %d: %w", tid, err)
		}
		ts := ThreadSamples{TID: tid}
		for i := uint32(0); i < entryCount; i++ {
			ev, err := readOneIPEvents(r, int(eventsPerGroup))
			if err != nil {
				return nil, fmt.Errorf("store: reading ip entry %d for tid %d: %w", i, tid, err)
			}
			ts.IPEvents = append(ts.IPEvents, ev)
		}
		out.Threads = append(out.Threads, ts)
	}
	return out, nil
}

func readOneIPEvents(r *bufio.Reader, eventsPerGroup int) (*IPEvents, error) {
	ip, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	ev := newIPEvents(ip, eventsPerGroup)
	for i := range ev.EventsNb {
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		ev.EventsNb[i] = v
	}
	chainCount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < chainCount; i++ {
		hits, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		frameCount, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		frames := make([]uint64, frameCount)
		for j := range frames {
			v, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			frames[j] = v
		}
		cc := CallChain{Hits: uint64(hits), Frames: frames}
		ev.chainsByKey[cc.key()] = len(ev.Chains)
		ev.Chains = append(ev.Chains, cc)
	}
	return ev, nil
}

// CPUShares maps a logical CPU to the fraction of a thread's samples
// observed on it; the fractions of one thread sum to 1.
type CPUShares map[uint32]float64

// ThreadCPUHistogram pairs a thread id with its decoded cpu_id.info line.
type ThreadCPUHistogram struct {
	TID    uint64
	Shares CPUShares
}

// ReadCPUHistograms parses a cpu_id.info file: one
// "<tid>,<cpu>,<fraction>,..." text line per thread.
func ReadCPUHistograms(path string) ([]ThreadCPUHistogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	var out []ThreadCPUHistogram
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 1 || len(fields)%2 == 0 {
			return nil, fmt.Errorf("store: malformed cpu_id.info line %q", line)
		}
		tid, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("store: bad tid in %q: %w", line, err)
		}
		shares := make(CPUShares, (len(fields)-1)/2)
		for i := 1; i+1 < len(fields); i += 2 {
			cpu, err := strconv.ParseUint(fields[i], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("store: bad cpu in %q: %w", line, err)
			}
			frac, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("store: bad fraction in %q: %w", line, err)
			}
			shares[uint32(cpu)] = frac
		}
		out = append(out, ThreadCPUHistogram{TID: tid, Shares: shares})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func readLenPrefixedString(r *bufio.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
