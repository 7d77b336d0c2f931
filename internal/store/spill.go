package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// spillFileSet is one worker's four append-only temp files: samples data
// and index, CPU data and index. The index file records, for each
// generation's entries, the key triple (pid, tid, ip) and the byte offset
// of the payload in the matching data file.
type spillFileSet struct {
	dir string

	samplesData  *os.File
	samplesIndex *os.File
	cpuData      *os.File
	cpuIndex     *os.File
}

type sampleIndexEntry struct {
	pid, tid, ip uint64
	offset       int64
}

func openSpillFileSet(dir string) (*spillFileSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating spill dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	}
	sd, err := open("samples.data")
	if err != nil {
		return nil, err
	}
	si, err := open("samples.index")
	if err != nil {
		return nil, err
	}
	cd, err := open("cpu.data")
	if err != nil {
		return nil, err
	}
	ci, err := open("cpu.index")
	if err != nil {
		return nil, err
	}
	return &spillFileSet{dir: dir, samplesData: sd, samplesIndex: si, cpuData: cd, cpuIndex: ci}, nil
}

// writeGeneration appends one spill generation: every (pid, tid, ip)
// record in p, plus the CPU histograms.
func (s *spillFileSet) writeGeneration(p *procTable, eventsPerGroup int) error {
	for pid, t := range p.byPID {
		for tid, byIP := range t.ipEvents {
			for ip, ev := range byIP {
				offset, err := s.samplesData.Seek(0, os.SEEK_END)
				if err != nil {
					return err
				}
				if err := writeOneIPEvents(s.samplesData, ev); err != nil {
					return err
				}
				for _, v := range []uint64{pid, tid, ip, uint64(offset)} {
					if err := writeUint64(s.samplesIndex, v); err != nil {
						return err
					}
				}
			}
		}

		for tid, hist := range t.cpuHist {
			offset, err := s.cpuData.Seek(0, os.SEEK_END)
			if err != nil {
				return err
			}
			if err := writeUint32(s.cpuData, uint32(len(hist))); err != nil {
				return err
			}
			for cpu, n := range hist {
				if err := writeUint32(s.cpuData, cpu); err != nil {
					return err
				}
				if err := writeUint64(s.cpuData, n); err != nil {
					return err
				}
			}
			for _, v := range []uint64{pid, tid, uint64(offset)} {
				if err := writeUint64(s.cpuIndex, v); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// totalSize sums the four files' current sizes.
func (s *spillFileSet) totalSize() (int, error) {
	total := 0
	for _, f := range []*os.File{s.samplesData, s.samplesIndex, s.cpuData, s.cpuIndex} {
		fi, err := f.Stat()
		if err != nil {
			return 0, err
		}
		total += int(fi.Size())
	}
	return total, nil
}

func (s *spillFileSet) close() {
	s.samplesData.Close()
	s.samplesIndex.Close()
	s.cpuData.Close()
	s.cpuIndex.Close()
}

// readIndex reads every (pid, tid, ip, offset) entry recorded across
// every spill generation.
func (s *spillFileSet) readIndex() ([]sampleIndexEntry, error) {
	if _, err := s.samplesIndex.Seek(0, os.SEEK_SET); err != nil {
		return nil, err
	}
	r := bufio.NewReader(s.samplesIndex)
	var entries []sampleIndexEntry
	for {
		var buf [32]byte
		if _, err := readFull(r, buf[:]); err != nil {
			break
		}
		entries = append(entries, sampleIndexEntry{
			pid:    binary.LittleEndian.Uint64(buf[0:8]),
			tid:    binary.LittleEndian.Uint64(buf[8:16]),
			ip:     binary.LittleEndian.Uint64(buf[16:24]),
			offset: int64(binary.LittleEndian.Uint64(buf[24:32])),
		})
	}
	return entries, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// mergeInto streams every spilled record into dst, re-deduplicating call
// chains across generations. If a merged record would not fit the merge
// buffer, the buffer's capacity is doubled up to mergeBufferCeiling bytes;
// exceeding the ceiling drops that key with a logged error rather than
// aborting the whole merge.
func (s *spillFileSet) mergeInto(dst *procTable, eventsPerGroup, mergeBufferCeiling int, logger *slog.Logger) error {
	entries, err := s.readIndex()
	if err != nil {
		return err
	}

	bufSize := 4096
	buf := make([]byte, bufSize)

	for _, e := range entries {
		ev, err := readOneIPEventsAt(s.samplesData, e.offset, eventsPerGroup, &buf, &bufSize, mergeBufferCeiling)
		if err != nil {
			logger.Error("skipping key exceeding merge buffer ceiling", "pid", e.pid, "tid", e.tid, "ip", e.ip, "error", err)
			continue
		}
		t := dst.table(e.pid)
		byIP, ok := t.ipEvents[e.tid]
		if !ok {
			byIP = make(map[uint64]*IPEvents)
			t.ipEvents[e.tid] = byIP
		}
		if existing, ok := byIP[e.ip]; ok {
			existing.merge(ev)
		} else {
			byIP[e.ip] = ev
		}
	}

	if _, err := s.cpuIndex.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	r := bufio.NewReader(s.cpuIndex)
	for {
		var hdr [24]byte
		if _, err := readFull(r, hdr[:]); err != nil {
			break
		}
		pid := binary.LittleEndian.Uint64(hdr[0:8])
		tid := binary.LittleEndian.Uint64(hdr[8:16])
		offset := int64(binary.LittleEndian.Uint64(hdr[16:24]))

		hist, err := readCPUHistogramAt(s.cpuData, offset)
		if err != nil {
			logger.Error("reading spilled CPU histogram", "pid", pid, "tid", tid, "error", err)
			continue
		}
		t := dst.table(pid)
		dstHist, ok := t.cpuHist[tid]
		if !ok {
			dstHist = make(CPUHistogram)
			t.cpuHist[tid] = dstHist
		}
		for cpu, n := range hist {
			dstHist[cpu] += n
		}
	}

	return nil
}

// readOneIPEventsAt reads one serialized IPEvents record at offset in
// data, growing *buf (doubling, up to ceilingBytes) if the record does
// not fit.
func readOneIPEventsAt(data *os.File, offset int64, eventsPerGroup int, buf *[]byte, bufSize *int, ceilingBytes int) (*IPEvents, error) {
	for {
		n, err := data.ReadAt((*buf)[:*bufSize], offset)
		if err != nil && n == 0 {
			return nil, err
		}
		ev, consumed, ok := decodeIPEvents((*buf)[:n], eventsPerGroup)
		if ok {
			_ = consumed
			return ev, nil
		}
		if *bufSize >= ceilingBytes {
			return nil, fmt.Errorf("store: record exceeds %d byte merge buffer ceiling", ceilingBytes)
		}
		*bufSize *= 2
		if *bufSize > ceilingBytes {
			*bufSize = ceilingBytes
		}
		*buf = make([]byte, *bufSize)
	}
}

// decodeIPEvents parses one IP_events record from buf. ok is false if buf
// does not contain a complete record (caller should retry with a larger
// buffer).
func decodeIPEvents(buf []byte, eventsPerGroup int) (ev *IPEvents, consumed int, ok bool) {
	off := 0
	need := func(n int) bool { return off+n <= len(buf) }

	if !need(8) {
		return nil, 0, false
	}
	ip := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	ev = newIPEvents(ip, eventsPerGroup)
	if !need(4 * eventsPerGroup) {
		return nil, 0, false
	}
	for i := 0; i < eventsPerGroup; i++ {
		ev.EventsNb[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	if !need(8) {
		return nil, 0, false
	}
	nbChains := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	for i := uint64(0); i < nbChains; i++ {
		if !need(8) {
			return nil, 0, false
		}
		hits := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		nbIPs := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if !need(8 * int(nbIPs)) {
			return nil, 0, false
		}
		frames := make([]uint64, nbIPs)
		for j := range frames {
			frames[j] = binary.LittleEndian.Uint64(buf[off:])
			off += 8
		}
		cc := CallChain{Hits: uint64(hits), Frames: frames}
		ev.chainsByKey[cc.key()] = len(ev.Chains)
		ev.Chains = append(ev.Chains, cc)
	}

	return ev, off, true
}

func readCPUHistogramAt(data *os.File, offset int64) (CPUHistogram, error) {
	var lenBuf [4]byte
	if _, err := data.ReadAt(lenBuf[:], offset); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, int(n)*12)
	if n > 0 {
		if _, err := data.ReadAt(body, offset+4); err != nil {
			return nil, err
		}
	}

	hist := make(CPUHistogram, n)
	for i := 0; i < int(n); i++ {
		cpu := binary.LittleEndian.Uint32(body[i*12:])
		count := binary.LittleEndian.Uint64(body[i*12+4:])
		hist[cpu] = count
	}
	return hist, nil
}
