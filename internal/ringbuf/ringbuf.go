// Package ringbuf implements the Ring-Buffer Drainer: a fixed pool of
// worker goroutines, each polling a disjoint subset of mmap'd perf ring
// buffers and dispatching records by type into the sample store.
package ringbuf

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Perf ring buffer record types (linux/perf_event.h, enum perf_event_type).
const (
	RecordMmap       = 1
	RecordLost       = 2
	RecordComm       = 3
	RecordExit       = 4
	RecordThrottle   = 5
	RecordUnthrottle = 6
	RecordFork       = 7
	RecordRead       = 8
	RecordSample     = 9
)

// SampleAttrs mirrors the kernel's PERF_SAMPLE_* bitmask (linux/perf_event.h).
// Field order within a PERF_RECORD_SAMPLE payload is fixed by the kernel and
// does not follow bit position (see DecodeSample).
type SampleAttrs uint64

const (
	AttrIP          SampleAttrs = 1 << 0
	AttrTID         SampleAttrs = 1 << 1
	AttrTime        SampleAttrs = 1 << 2
	AttrAddr        SampleAttrs = 1 << 3
	AttrRead        SampleAttrs = 1 << 4
	AttrCallchain   SampleAttrs = 1 << 5
	AttrID          SampleAttrs = 1 << 6
	AttrCPU         SampleAttrs = 1 << 7
	AttrPeriod      SampleAttrs = 1 << 8
	AttrStreamID    SampleAttrs = 1 << 9
	AttrRaw         SampleAttrs = 1 << 10
	AttrBranchStack SampleAttrs = 1 << 11
	AttrRegsUser    SampleAttrs = 1 << 12
	AttrStackUser   SampleAttrs = 1 << 13
	AttrWeight      SampleAttrs = 1 << 14
	AttrDataSrc     SampleAttrs = 1 << 15
	AttrIdentifier  SampleAttrs = 1 << 16
	AttrTransaction SampleAttrs = 1 << 17
	AttrRegsIntr    SampleAttrs = 1 << 18
)

// DefaultSampleAttrs is the sample bitmask every counter group is opened
// with (internal/pmu's perf_event_attr.Sample_type) and the bitmask
// DecodeSample is always called with: IP, tid/pid, time, addr, the
// leader-normalized read value, call chain, the triggering event's id,
// cpu and period.
const DefaultSampleAttrs = AttrIP | AttrTID | AttrTime | AttrAddr | AttrRead | AttrCallchain | AttrID | AttrCPU | AttrPeriod

// recordHeaderSize is sizeof(struct perf_event_header): u32 type, u16 misc,
// u16 size.
const recordHeaderSize = 8

// metadata page layout offsets (struct perf_event_mmap_page,
// linux/perf_event.h): the page is padded to 1024 bytes before the data
// ring's head/tail/offset/size fields begin.
const (
	offDataHead   = 1024
	offDataTail   = 1032
	offDataOffset = 1040
	offDataSize   = 1048
)

// RingBuffer wraps one mmap'd perf_event ring buffer: a one-page metadata
// header followed by the data pages.
type RingBuffer struct {
	fd   int
	mmap []byte
}

// pagesPerBuffer is the number of data pages mmap'd per counter, giving a
// total ring size of (pages)*4096 bytes excluding the metadata page.
const pagesPerBuffer = 128

// Open mmaps the ring buffer backing fd (a perf_event file descriptor) and
// returns a reader over it.
func Open(fd int) (*RingBuffer, error) {
	size := (pagesPerBuffer + 1) * unix.Getpagesize()
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap fd %d: %w", fd, err)
	}
	return &RingBuffer{fd: fd, mmap: data}, nil
}

// Close unmaps the ring buffer.
func (r *RingBuffer) Close() error {
	return unix.Munmap(r.mmap)
}

func (r *RingBuffer) u64At(off int) uint64 {
	return binary.LittleEndian.Uint64(r.mmap[off : off+8])
}

func (r *RingBuffer) setU64At(off int, v uint64) {
	binary.LittleEndian.PutUint64(r.mmap[off:off+8], v)
}

// Records drains every complete record currently available and invokes fn
// with each one's type and payload (the bytes after the 8-byte header).
// fn must not retain the slice past its call. Every record is consumed even if fn reports it as
// unrecognized, preserving the ring's producer/consumer invariant.
func (r *RingBuffer) Records(fn func(recordType uint32, payload []byte)) {
	dataHead := r.u64At(offDataHead)
	dataTail := r.u64At(offDataTail)
	dataOffset := r.u64At(offDataOffset)
	dataSize := r.u64At(offDataSize)
	if dataSize == 0 {
		return
	}

	base := int(dataOffset)
	mask := dataSize - 1

	for dataTail < dataHead {
		hdrBuf := r.readWrapped(base, dataTail, mask, recordHeaderSize)
		recType := binary.LittleEndian.Uint32(hdrBuf[0:4])
		recSize := binary.LittleEndian.Uint16(hdrBuf[6:8])
		if recSize < recordHeaderSize {
			// Corrupt record: stop rather than risk an infinite loop or
			// reading outside the ring.
			break
		}
		payload := r.readWrapped(base, dataTail+recordHeaderSize, mask, int(recSize)-recordHeaderSize)
		fn(recType, payload)
		dataTail += uint64(recSize)
	}

	r.setU64At(offDataTail, dataTail)
}

// readWrapped copies n bytes starting at ring-relative offset off (mod
// mask+1), handling the wrap-around that a ring buffer requires.
func (r *RingBuffer) readWrapped(base int, off uint64, mask uint64, n int) []byte {
	start := int(off & mask)
	out := make([]byte, n)
	size := int(mask) + 1
	if start+n <= size {
		copy(out, r.mmap[base+start:base+start+n])
	} else {
		first := size - start
		copy(out[:first], r.mmap[base+start:base+size])
		copy(out[first:], r.mmap[base:base+(n-first)])
	}
	return out
}

// Sample is a decoded PERF_RECORD_SAMPLE, containing only the fields the
// group's sample-attribute mask requested.
type Sample struct {
	IP        uint64
	TID       uint32
	PID       uint32
	Time      uint64
	Addr      uint64
	ReadValue uint64
	CallChain []uint64
	CPU       uint32
	Period    uint64
	ID        uint64
}

// DecodeSample parses payload according to attrs, reading fields in the
// exact kernel-declared order (identifier, ip, pid/tid, time, addr, id,
// stream id, cpu, period, read value, call chain), and
// applies the call-chain truncation rule: skip the first two frames
// (kernel frame plus duplicate of the sampled IP) and cap at 100 frames.
func DecodeSample(payload []byte, attrs SampleAttrs) (Sample, error) {
	var s Sample
	off := 0
	need := func(n int) error {
		if off+n > len(payload) {
			return fmt.Errorf("ringbuf: truncated sample payload")
		}
		return nil
	}
	u64 := func() (uint64, error) {
		if err := need(8); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		return v, nil
	}
	u32pair := func() (uint32, uint32, error) {
		if err := need(8); err != nil {
			return 0, 0, err
		}
		a := binary.LittleEndian.Uint32(payload[off : off+4])
		b := binary.LittleEndian.Uint32(payload[off+4 : off+8])
		off += 8
		return a, b, nil
	}

	if attrs&AttrIdentifier != 0 {
		if _, err := u64(); err != nil {
			return s, err
		}
	}
	if attrs&AttrIP != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.IP = v
	}
	if attrs&AttrTID != 0 {
		pid, tid, err := u32pair()
		if err != nil {
			return s, err
		}
		s.PID, s.TID = pid, tid
	}
	if attrs&AttrTime != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.Time = v
	}
	if attrs&AttrAddr != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.Addr = v
	}
	if attrs&AttrID != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.ID = v
	}
	if attrs&AttrStreamID != 0 {
		if _, err := u64(); err != nil {
			return s, err
		}
	}
	if attrs&AttrCPU != 0 {
		cpu, _, err := u32pair()
		if err != nil {
			return s, err
		}
		s.CPU = cpu
	}
	if attrs&AttrPeriod != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.Period = v
	}
	if attrs&AttrRead != 0 {
		v, err := u64()
		if err != nil {
			return s, err
		}
		s.ReadValue = v
	}
	if attrs&AttrCallchain != 0 {
		n, err := u64()
		if err != nil {
			return s, err
		}
		frames := make([]uint64, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := u64()
			if err != nil {
				return s, err
			}
			frames = append(frames, v)
		}
		s.CallChain = truncateCallChain(frames)
	}

	return s, nil
}

// truncateCallChain skips the first two frames (kernel frame plus
// duplicate of the sampled IP) and caps the result at 100 frames.
func truncateCallChain(frames []uint64) []uint64 {
	const skip = 2
	const max = 100
	if len(frames) <= skip {
		return nil
	}
	frames = frames[skip:]
	if len(frames) > max {
		frames = frames[:max]
	}
	out := make([]uint64, len(frames))
	copy(out, frames)
	return out
}
