package store

import (
	"path/filepath"
	"testing"
)

func TestReadIPEventsRoundtrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWorker(0, nil, dir, 2, 1<<20, 1<<20, 1<<20, nil)

	w.InsertSample(100, 1, 0x400000, 0, 0, []uint64{10, 20, 30})
	w.InsertSample(100, 1, 0x400000, 0, 0, []uint64{10, 20, 30})
	w.InsertSample(100, 1, 0x400000, 0, 1, []uint64{10, 20, 30}) // non-leader: hit count only, no chain
	w.InsertSample(100, 1, 0x401000, 0, 0, nil)
	w.InsertSample(100, 2, 0x500000, 1, 1, nil)

	if _, err := Dump(dir, 2, []string{"cycles", "instructions"}, []uint64{0x1e7, 0x1e7}, []*Worker{w}, 0, nil); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	got, err := ReadIPEvents(filepath.Join(dir, "100", "IP_events.lprof"))
	if err != nil {
		t.Fatalf("ReadIPEvents: %v", err)
	}
	if got.EventsPerGroup != 2 {
		t.Fatalf("EventsPerGroup = %d, want 2", got.EventsPerGroup)
	}
	if len(got.EventNames) != 2 || got.EventNames[0] != "cycles" || got.EventNames[1] != "instructions" {
		t.Fatalf("EventNames = %v", got.EventNames)
	}
	if got.EventList != "cycles,instructions" {
		t.Errorf("EventList = %q, want %q", got.EventList, "cycles,instructions")
	}
	if len(got.SampleMasks) != 2 || got.SampleMasks[0] != 0x1e7 || got.SampleMasks[1] != 0x1e7 {
		t.Errorf("SampleMasks = %#x, want [0x1e7 0x1e7]", got.SampleMasks)
	}
	if len(got.Threads) != 2 {
		t.Fatalf("len(Threads) = %d, want 2", len(got.Threads))
	}

	var thread1 *ThreadSamples
	for i := range got.Threads {
		if got.Threads[i].TID == 1 {
			thread1 = &got.Threads[i]
		}
	}
	if thread1 == nil {
		t.Fatal("tid 1 missing")
	}
	if len(thread1.IPEvents) != 2 {
		t.Fatalf("tid 1 has %d ip entries, want 2", len(thread1.IPEvents))
	}

	var ev400000 *IPEvents
	for _, e := range thread1.IPEvents {
		if e.IP == 0x400000 {
			ev400000 = e
		}
	}
	if ev400000 == nil {
		t.Fatal("ip 0x400000 missing for tid 1")
	}
	if ev400000.EventsNb[0] != 2 || ev400000.EventsNb[1] != 1 {
		t.Errorf("EventsNb = %v, want [2 1]", ev400000.EventsNb)
	}
	if len(ev400000.Chains) != 1 || ev400000.Chains[0].Hits != 2 {
		t.Errorf("Chains = %+v, want one chain with 2 hits", ev400000.Chains)
	}

	hists, err := ReadCPUHistograms(filepath.Join(dir, "100", "cpu_id.info"))
	if err != nil {
		t.Fatalf("ReadCPUHistograms: %v", err)
	}
	// Only tid 1 appears: tid 2 saw a single non-leader sample, and the
	// histogram advances on leader-triggered samples alone.
	if len(hists) != 1 {
		t.Fatalf("len(hists) = %d, want 1", len(hists))
	}
	if hists[0].TID != 1 {
		t.Fatalf("hists[0].TID = %d, want 1", hists[0].TID)
	}
	if frac := hists[0].Shares[0]; frac < 0.999 || frac > 1.001 {
		t.Errorf("tid 1 share on cpu 0 = %v, want 1.0", frac)
	}
}
