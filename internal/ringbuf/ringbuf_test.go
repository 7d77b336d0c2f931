package ringbuf

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"
)

func encodeSamplePayload(attrs SampleAttrs, ip uint64, pid, tid uint32, id uint64, chain []uint64) []byte {
	var buf []byte
	put64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	put32pair := func(a, b uint32) {
		var bb [8]byte
		binary.LittleEndian.PutUint32(bb[0:4], a)
		binary.LittleEndian.PutUint32(bb[4:8], b)
		buf = append(buf, bb[:]...)
	}

	if attrs&AttrIdentifier != 0 {
		put64(0)
	}
	if attrs&AttrIP != 0 {
		put64(ip)
	}
	if attrs&AttrTID != 0 {
		put32pair(pid, tid)
	}
	if attrs&AttrID != 0 {
		put64(id)
	}
	if attrs&AttrCallchain != 0 {
		put64(uint64(len(chain)))
		for _, f := range chain {
			put64(f)
		}
	}
	return buf
}

func TestDecodeSampleBasicFields(t *testing.T) {
	attrs := AttrIP | AttrTID
	payload := encodeSamplePayload(attrs, 0xdeadbeef, 100, 200, 0, nil)

	s, err := DecodeSample(payload, attrs)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if s.IP != 0xdeadbeef {
		t.Errorf("IP = %#x, want 0xdeadbeef", s.IP)
	}
	if s.PID != 100 || s.TID != 200 {
		t.Errorf("PID/TID = %d/%d, want 100/200", s.PID, s.TID)
	}
}

func TestDecodeSampleTruncatesCallChain(t *testing.T) {
	attrs := AttrIP | AttrCallchain
	chain := make([]uint64, 150)
	for i := range chain {
		chain[i] = uint64(i)
	}
	payload := encodeSamplePayload(attrs, 1, 0, 0, 0, chain)

	s, err := DecodeSample(payload, attrs)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if len(s.CallChain) != 100 {
		t.Fatalf("len(CallChain) = %d, want 100", len(s.CallChain))
	}
	// First two frames skipped, so the truncated chain starts at index 2.
	if s.CallChain[0] != 2 {
		t.Errorf("CallChain[0] = %d, want 2", s.CallChain[0])
	}
}

func TestDecodeSampleShortCallChainYieldsNil(t *testing.T) {
	attrs := AttrCallchain
	payload := encodeSamplePayload(attrs, 0, 0, 0, 0, []uint64{1, 2})

	s, err := DecodeSample(payload, attrs)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if s.CallChain != nil {
		t.Errorf("CallChain = %v, want nil", s.CallChain)
	}
}

func TestDecodeSampleTruncatedPayloadErrors(t *testing.T) {
	attrs := AttrIP
	if _, err := DecodeSample([]byte{1, 2, 3}, attrs); err == nil {
		t.Error("expected error decoding truncated payload")
	}
}

func TestDecodeSampleCapturesID(t *testing.T) {
	attrs := AttrIP | AttrID
	payload := encodeSamplePayload(attrs, 0x1000, 0, 0, 501, nil)

	s, err := DecodeSample(payload, attrs)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if s.ID != 501 {
		t.Errorf("ID = %d, want 501", s.ID)
	}
}

func TestOwnedGroupRankForID(t *testing.T) {
	g := OwnedGroup{LeaderID: 501, MemberIDs: []uint64{502, 503}}

	cases := []struct {
		id   uint64
		want int
	}{
		{501, 0},
		{502, 1},
		{503, 2},
		{999, -1},
	}
	for _, tc := range cases {
		if got := g.rankForID(tc.id); got != tc.want {
			t.Errorf("rankForID(%d) = %d, want %d", tc.id, got, tc.want)
		}
	}
}

// fakeSink records every InsertSample/AddLost call, for asserting on the
// rank a drained sample resolved to.
type fakeSink struct {
	inserts []sinkInsert
	lost    uint64
}

type sinkInsert struct {
	pid, tid, ip uint64
	cpu          uint32
	rank         int
	chain        []uint64
}

func (f *fakeSink) InsertSample(pid, tid, ip uint64, cpu uint32, rank int, chain []uint64) {
	f.inserts = append(f.inserts, sinkInsert{pid, tid, ip, cpu, rank, chain})
}

func (f *fakeSink) AddLost(n uint64) { f.lost += n }

// buildTestRing constructs a RingBuffer entirely in-memory (no real perf
// fd/mmap) with a single metadata page followed by a power-of-two data
// region prefilled with the given already-header-prefixed records.
func buildTestRing(records ...[]byte) *RingBuffer {
	const metaSize = 4096
	const dataSize = 4096
	buf := make([]byte, metaSize+dataSize)
	r := &RingBuffer{mmap: buf}

	offset := 0
	for _, rec := range records {
		copy(buf[metaSize+offset:], rec)
		offset += len(rec)
	}
	r.setU64At(offDataOffset, uint64(metaSize))
	r.setU64At(offDataSize, uint64(dataSize))
	r.setU64At(offDataTail, 0)
	r.setU64At(offDataHead, uint64(offset))
	return r
}

func buildSampleRecord(payload []byte) []byte {
	rec := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(rec[0:4], RecordSample)
	binary.LittleEndian.PutUint16(rec[6:8], uint16(len(rec)))
	copy(rec[recordHeaderSize:], payload)
	return rec
}

func TestWorkerDrainResolvesRankFromSampleID(t *testing.T) {
	attrs := AttrIP | AttrTID | AttrID
	leaderSample := buildSampleRecord(encodeSamplePayload(attrs, 0x1000, 11, 22, 501, nil))
	memberSample := buildSampleRecord(encodeSamplePayload(attrs, 0x1000, 11, 22, 502, nil))
	unknownSample := buildSampleRecord(encodeSamplePayload(attrs, 0x2000, 11, 22, 999, nil))

	ring := buildTestRing(leaderSample, memberSample, unknownSample)
	g := OwnedGroup{
		LeaderID:  501,
		MemberIDs: []uint64{502},
		Attrs:     attrs,
		Ring:      ring,
	}

	sink := &fakeSink{}
	w := NewWorker(0, nil, []OwnedGroup{g}, sink, time.Millisecond)
	w.drain(g)

	if w.collected.Load() != 3 {
		t.Errorf("collected = %d, want 3: every decoded sample counts toward the loss ratio, matched or not", w.collected.Load())
	}
	if len(sink.inserts) != 2 {
		t.Fatalf("len(inserts) = %d, want 2 (the id with no matching counter must be dropped)", len(sink.inserts))
	}
	if sink.inserts[0].rank != 0 {
		t.Errorf("first insert rank = %d, want 0 (leader id)", sink.inserts[0].rank)
	}
	if sink.inserts[1].rank != 1 {
		t.Errorf("second insert rank = %d, want 1 (first member id)", sink.inserts[1].rank)
	}
}

func TestWorkerAddRemoveThreadFlushesOnRemoval(t *testing.T) {
	attrs := AttrIP | AttrTID | AttrID
	rec := buildSampleRecord(encodeSamplePayload(attrs, 0x3000, 7, 7, 501, nil))
	ring := buildTestRing(rec)
	g := OwnedGroup{LeaderID: 501, Attrs: attrs, Ring: ring}

	sink := &fakeSink{}
	w := NewWorker(0, nil, nil, sink, time.Millisecond)

	w.AddThread(7, []OwnedGroup{g})
	if got := len(w.snapshotGroups()); got != 1 {
		t.Fatalf("snapshot after AddThread has %d groups, want 1", got)
	}

	// Removal must flush whatever the kernel produced before the ring
	// goes away.
	w.RemoveThread(7)
	if len(sink.inserts) != 1 || sink.inserts[0].ip != 0x3000 {
		t.Fatalf("inserts after RemoveThread = %+v, want the one pending sample", sink.inserts)
	}
	if got := len(w.snapshotGroups()); got != 0 {
		t.Errorf("snapshot after RemoveThread has %d groups, want 0", got)
	}

	// A second removal of the same tid is a no-op.
	w.RemoveThread(7)
	if len(sink.inserts) != 1 {
		t.Errorf("inserts after duplicate RemoveThread = %d, want 1", len(sink.inserts))
	}
}

func TestWorkerShutdownDrainsStaticGroups(t *testing.T) {
	attrs := AttrIP | AttrTID | AttrID
	rec := buildSampleRecord(encodeSamplePayload(attrs, 0x4000, 8, 8, 601, nil))
	ring := buildTestRing(rec)
	g := OwnedGroup{LeaderID: 601, Attrs: attrs, Ring: ring}

	sink := &fakeSink{}
	w := NewWorker(0, nil, []OwnedGroup{g}, sink, time.Millisecond)

	w.Shutdown()
	if len(sink.inserts) != 1 || sink.inserts[0].ip != 0x4000 {
		t.Fatalf("inserts after Shutdown = %+v, want the one pending sample", sink.inserts)
	}
	if got := len(w.snapshotGroups()); got != 0 {
		t.Errorf("snapshot after Shutdown has %d groups, want 0", got)
	}
}

func TestLossReportSeverityBands(t *testing.T) {
	cases := []struct {
		name      string
		collected uint64
		lost      uint64
		want      LossSeverity
	}{
		{"no loss", 1000, 0, LossNone},
		{"warning band", 1000, 4, LossWarning},       // 4/1004 ~= 0.4%
		{"strong warning band", 1000, 30, LossStrongWarning}, // 30/1030 ~= 2.9%
		{"error band", 100, 100, LossError},          // 50%
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Pool{workers: []*Worker{{}}}
			p.workers[0].collected.Store(tc.collected)
			p.workers[0].lost.Store(tc.lost)
			got := p.Report()
			if got.Severity != tc.want {
				t.Errorf("severity = %v, want %v (ratio=%.4f)", got.Severity, tc.want, got.Ratio)
			}
		})
	}
}

func TestLossReportLogSummaryDoesNotPanic(t *testing.T) {
	logger := slog.Default()
	LossReport{Severity: LossNone}.LogSummary(logger)
	LossReport{Severity: LossWarning, Lost: 1, Collected: 999}.LogSummary(logger)
	LossReport{Severity: LossStrongWarning, Lost: 10, Collected: 990}.LogSummary(logger)
	LossReport{Severity: LossError, Ratio: 0.1, Lost: 100, Collected: 900}.LogSummary(logger)
}
