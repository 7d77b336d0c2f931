package pmu_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lprof/lprof/internal/eventspec"
	"github.com/lprof/lprof/internal/pmu"
)

// fakeOpener simulates a kernel that can reject precise-IP or grouping on
// specific events by name, so the grouping/downgrade logic can be tested
// without real hardware counters.
type fakeOpener struct {
	nextFD        int32
	rejectPrecise map[string]bool
	rejectGroup   map[string]bool
	enabledTimes  map[int]uint64
	runningTimes  map[int]uint64
	fdEvent       map[int]string
	fdBits        map[int]uint64
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		rejectPrecise: map[string]bool{},
		rejectGroup:   map[string]bool{},
		enabledTimes:  map[int]uint64{},
		runningTimes:  map[int]uint64{},
		fdEvent:       map[int]string{},
		fdBits:        map[int]uint64{},
	}
}

func (f *fakeOpener) Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	// We can't recover the event name from attr alone in this fake, so
	// tests key rejection off Config value via a side table populated by
	// the test itself through nameForConfig.
	name := f.nameForConfig(attr)
	precise := attr.Bits&(2<<15) != 0
	if precise && f.rejectPrecise[name] {
		return 0, fmt.Errorf("fake: precise-IP rejected for %s", name)
	}
	if groupFD != -1 && f.rejectGroup[name] {
		return 0, fmt.Errorf("fake: grouping rejected for %s", name)
	}
	fd := int(atomic.AddInt32(&f.nextFD, 1))
	f.fdEvent[fd] = name
	f.fdBits[fd] = attr.Bits
	f.enabledTimes[fd] = 100
	f.runningTimes[fd] = 100
	return fd, nil
}

func (f *fakeOpener) GetID(fd int) (uint64, error) { return uint64(fd), nil }

// configNames lets the test map a raw Config value to the event's name so
// fakeOpener can apply per-event fault injection. Real kernels don't need
// this; it exists purely to make the fake legible.
var configNames = map[uint64]string{}

func (f *fakeOpener) nameForConfig(attr *unix.PerfEventAttr) string {
	return configNames[attr.Config]
}

func (f *fakeOpener) IoctlSetInt(fd int, req uint, value int) error { return nil }
func (f *fakeOpener) Close(fd int) error                            { return nil }

func (f *fakeOpener) ReadTimes(fd int) (uint64, uint64, error) {
	return f.enabledTimes[fd], f.runningTimes[fd], nil
}

func (f *fakeOpener) setRatio(fd int, enabled, running uint64) {
	f.enabledTimes[fd] = enabled
	f.runningTimes[fd] = running
}

func TestSessionOpenGroupsAllEvents(t *testing.T) {
	events, err := eventspec.ParseList("cycles,instructions")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	for i, ev := range events {
		configNames[uint64(i)] = ev.Name
		events[i].Config = uint64(i)
	}
	periods := map[string]uint64{"cycles": eventspec.PeriodDefault, "instructions": eventspec.PeriodDefault}

	opener := newFakeOpener()
	s := pmu.NewSession(nil, events, periods, pmu.WithOpener(opener))

	if err := s.Open(context.Background(), -1, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	groups := s.Groups()
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	if len(groups[0].Members) != 1 {
		t.Fatalf("len(Members) = %d, want 1 (instructions grouped with leader)", len(groups[0].Members))
	}
	if groups[0].Leader.ID == 0 {
		t.Error("Leader.ID not populated")
	}
	if groups[0].Members[0].ID == 0 {
		t.Error("Members[0].ID not populated")
	}
	if groups[0].Leader.ID == groups[0].Members[0].ID {
		t.Error("Leader.ID and Members[0].ID collide, want distinct kernel ids")
	}
}

func TestSessionOpenDowngradesOnPreciseRejection(t *testing.T) {
	events, err := eventspec.ParseList("cycles")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	events[0].Config = 42
	configNames[42] = "cycles"
	periods := map[string]uint64{"cycles": eventspec.PeriodDefault}

	opener := newFakeOpener()
	opener.rejectPrecise["cycles"] = true
	s := pmu.NewSession(nil, events, periods, pmu.WithOpener(opener))

	if err := s.Open(context.Background(), -1, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	groups := s.Groups()
	if groups[0].Leader.Precise {
		t.Error("Leader.Precise = true, want false after downgrade")
	}
}

func TestSessionOpenImmediatePolicyOpensAlreadyEnabled(t *testing.T) {
	events, err := eventspec.ParseList("cycles")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	events[0].Config = 101
	configNames[101] = "cycles"
	periods := map[string]uint64{"cycles": eventspec.PeriodDefault}

	opener := newFakeOpener()
	s := pmu.NewSession(nil, events, periods, pmu.WithOpener(opener), pmu.WithEnablePolicy("immediate"))
	if err := s.Open(context.Background(), -1, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	groups := s.Groups()
	leaderFD := groups[0].Leader.FD
	if opener.fdBits[leaderFD]&unix.PerfBitDisabled != 0 {
		t.Error("leader opened with PerfBitDisabled set under immediate policy, want counter created running")
	}
}

func TestSessionOpenDelayPolicyOpensDisabled(t *testing.T) {
	events, err := eventspec.ParseList("cycles")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	events[0].Config = 102
	configNames[102] = "cycles"
	periods := map[string]uint64{"cycles": eventspec.PeriodDefault}

	opener := newFakeOpener()
	s := pmu.NewSession(nil, events, periods, pmu.WithOpener(opener), pmu.WithEnablePolicy("delay"))
	if err := s.Open(context.Background(), -1, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	groups := s.Groups()
	leaderFD := groups[0].Leader.FD
	if opener.fdBits[leaderFD]&unix.PerfBitDisabled == 0 {
		t.Error("leader opened without PerfBitDisabled under delay policy, want counter created disabled")
	}
}

func TestSessionEnableImmediate(t *testing.T) {
	events, err := eventspec.ParseList("cycles")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	events[0].Config = 7
	configNames[7] = "cycles"
	periods := map[string]uint64{"cycles": eventspec.PeriodDefault}

	opener := newFakeOpener()
	s := pmu.NewSession(nil, events, periods, pmu.WithOpener(opener))
	if err := s.Open(context.Background(), -1, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Enable(context.Background(), pmu.EnablePolicy{Mode: "immediate"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
