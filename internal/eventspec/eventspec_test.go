package eventspec_test

import (
	"testing"

	"github.com/lprof/lprof/internal/eventspec"
)

func TestParseListSimple(t *testing.T) {
	events, err := eventspec.ParseList("cycles,instructions")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Name != "cycles" || events[1].Name != "instructions" {
		t.Errorf("events = %+v", events)
	}
	if events[0].Config != 0 || events[1].Config != 1 {
		t.Errorf("hardware configs = %d/%d, want 0/1", events[0].Config, events[1].Config)
	}
}

func TestParseListWithTypeAndFlags(t *testing.T) {
	events, err := eventspec.ParseList("L1D_MISS@4-event=0x51,umask=0x01,usr=1")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != "L1D_MISS" {
		t.Errorf("Name = %q", ev.Name)
	}
	if ev.Type != 4 {
		t.Errorf("Type = %d, want 4", ev.Type)
	}
	wantConfig := uint64(0x51) | uint64(0x01)<<8 | uint64(1)<<16
	if ev.Config != wantConfig {
		t.Errorf("Config = 0x%x, want 0x%x", ev.Config, wantConfig)
	}
}

func TestParseListFlagCommaDoesNotSplitElement(t *testing.T) {
	events, err := eventspec.ParseList("A-event=0x1,umask=0x2,B-event=0x3")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2: %+v", len(events), events)
	}
	if events[0].Name != "A" || events[1].Name != "B" {
		t.Errorf("events = %+v", events)
	}
}

func TestParseListRawHexCode(t *testing.T) {
	events, err := eventspec.ParseList("0x1a")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if !events[0].Raw || events[0].RawCode != 0x1a {
		t.Errorf("events[0] = %+v", events[0])
	}
}

func TestParseListUncore(t *testing.T) {
	events, err := eventspec.ParseList("DRAM_DATA_READS,DRAM_DATA_WRITES")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	for _, ev := range events {
		if !ev.Uncore {
			t.Errorf("event %q: Uncore = false, want true", ev.Name)
		}
	}
}

func TestParseListUnknownFlag(t *testing.T) {
	if _, err := eventspec.ParseList("X-bogus=1"); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestParseListFlagOutOfRange(t *testing.T) {
	if _, err := eventspec.ParseList("X-usr=2"); err == nil {
		t.Fatal("expected error for 1-bit flag value 2")
	}
}

func TestParseListEmpty(t *testing.T) {
	if _, err := eventspec.ParseList(""); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestResolvePeriodsPreset(t *testing.T) {
	events, _ := eventspec.ParseList("cycles,instructions")
	periods, err := eventspec.ResolvePeriods("xsmall", events)
	if err != nil {
		t.Fatalf("ResolvePeriods: %v", err)
	}
	if periods["cycles"] != eventspec.PeriodXSmall || periods["instructions"] != eventspec.PeriodXSmall {
		t.Errorf("periods = %+v", periods)
	}
}

func TestResolvePeriodsCustom(t *testing.T) {
	events, _ := eventspec.ParseList("cycles,instructions")
	periods, err := eventspec.ResolvePeriods("cycles@1000003", events)
	if err != nil {
		t.Fatalf("ResolvePeriods: %v", err)
	}
	if periods["cycles"] != 1000003 {
		t.Errorf("periods[cycles] = %d, want 1000003", periods["cycles"])
	}
	if periods["instructions"] != eventspec.PeriodDefault {
		t.Errorf("periods[instructions] = %d, want default fallback", periods["instructions"])
	}
}

func TestResolvePeriodsInvalid(t *testing.T) {
	events, _ := eventspec.ParseList("cycles")
	if _, err := eventspec.ResolvePeriods("not-a-spec", events); err == nil {
		t.Fatal("expected error for malformed period spec")
	}
}
