// Package eventspec parses the user-supplied event list and sampling period
// syntax into the descriptors the counter session (internal/pmu) needs to
// open kernel performance counters.
package eventspec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Event is one parsed element of an event list.
type Event struct {
	// Name is the symbolic event name, or the literal hex text (e.g.
	// "0x1a") when Raw is true.
	Name string

	// Raw is true when Name was given as a hex code rather than a
	// symbolic identifier; RawCode then holds the parsed value and Flags
	// is always empty.
	Raw     bool
	RawCode uint64

	// Uncore is true for DRAM_DATA_READS / DRAM_DATA_WRITES, which select
	// a special uncore counting path rather than a core PMU counter.
	Uncore bool

	// Type is the decimal kernel counter-type code from "@TYPE". Zero
	// means "use the raw PMU type", the default.
	Type uint32

	// Flags holds the raw flag=value pairs in declaration order.
	Flags []Flag

	// Config is the counter configuration word: each flag's value OR-ed
	// in at its bit position, per flagBits below.
	Config uint64
}

// Flag is a single "-name=value" pair attached to an event.
type Flag struct {
	Name  string
	Value uint64
}

var uncoreNames = map[string]bool{
	"DRAM_DATA_READS":  true,
	"DRAM_DATA_WRITES": true,
}

// hardwareEvents maps the generic symbolic names to their
// PERF_TYPE_HARDWARE config values (PERF_COUNT_HW_*), so the common
// "cycles,instructions" style of list needs no raw codes or flags.
// Architecture-specific events go through @TYPE and the flag syntax.
var hardwareEvents = map[string]uint64{
	"cycles":              0, // PERF_COUNT_HW_CPU_CYCLES
	"instructions":        1,
	"cache-references":    2,
	"cache-misses":        3,
	"branches":            4, // PERF_COUNT_HW_BRANCH_INSTRUCTIONS
	"branch-instructions": 4,
	"branch-misses":       5,
	"bus-cycles":          6,
	"ref-cycles":          9, // PERF_COUNT_HW_REF_CPU_CYCLES
}

// flagBits gives the bit offset and width of each recognized flag within
// the counter configuration word, matching the layout of the x86
// IA32_PERFEVTSELx MSRs: event(0-7) umask(8-15) usr(16) os(17) edge(18)
// pc(19) int(20) any(21) en(22) inv(23) cmask(24-31).
var flagBits = map[string]struct{ offset, width uint }{
	"event": {0, 8},
	"umask": {8, 8},
	"usr":   {16, 1},
	"os":    {17, 1},
	"e":     {18, 1},
	"pc":    {19, 1},
	"int":   {20, 1},
	"any":   {21, 1},
	"en":    {22, 1},
	"inv":   {23, 1},
	"cmask": {24, 8},
}

var nameToken = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// ParseList parses a comma-separated event list of elements shaped
// NAME[@TYPE][-flag=value,...]. A flag-continuation token ("bare=value")
// immediately following a comma is folded into the preceding element's
// flag list, so that the flag group's own internal comma separators do
// not get mistaken for a new top-level element.
func ParseList(list string) ([]Event, error) {
	rawTokens := strings.Split(list, ",")
	var merged []string
	for _, tok := range rawTokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if nameToken.MatchString(tok) && len(merged) > 0 {
			merged[len(merged)-1] += "," + tok
			continue
		}
		merged = append(merged, tok)
	}

	events := make([]Event, 0, len(merged))
	for _, tok := range merged {
		ev, err := parseOne(tok)
		if err != nil {
			return nil, fmt.Errorf("eventspec: %q: %w", tok, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("eventspec: empty event list")
	}
	return events, nil
}

func parseOne(tok string) (Event, error) {
	name := tok
	var flagPart string
	if i := strings.IndexByte(tok, '-'); i >= 0 && strings.ContainsRune(tok[i:], '=') {
		name = tok[:i]
		flagPart = tok[i+1:]
	}

	var typ uint32
	if i := strings.IndexByte(name, '@'); i >= 0 {
		typeStr := name[i+1:]
		name = name[:i]
		t, err := strconv.ParseUint(typeStr, 10, 32)
		if err != nil {
			return Event{}, fmt.Errorf("invalid counter type %q: %w", typeStr, err)
		}
		typ = uint32(t)
	}

	ev := Event{Name: name, Type: typ, Uncore: uncoreNames[name]}
	if hw, ok := hardwareEvents[strings.ToLower(name)]; ok && typ == 0 {
		ev.Config = hw
	}

	if strings.HasPrefix(name, "0x") || strings.HasPrefix(name, "0X") {
		code, err := strconv.ParseUint(name[2:], 16, 64)
		if err != nil {
			return Event{}, fmt.Errorf("invalid raw event code %q: %w", name, err)
		}
		ev.Raw = true
		ev.RawCode = code
		return ev, nil
	}

	if flagPart == "" {
		return ev, nil
	}

	for _, kv := range strings.Split(flagPart, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return Event{}, fmt.Errorf("malformed flag %q, want name=value", kv)
		}
		fname := kv[:eq]
		bits, ok := flagBits[fname]
		if !ok {
			return Event{}, fmt.Errorf("unknown flag %q", fname)
		}
		val, err := strconv.ParseUint(kv[eq+1:], 0, 64)
		if err != nil {
			return Event{}, fmt.Errorf("invalid value for flag %q: %w", fname, err)
		}
		max := uint64(1)<<bits.width - 1
		if val > max {
			return Event{}, fmt.Errorf("flag %q value %d exceeds %d-bit range", fname, val, bits.width)
		}
		ev.Flags = append(ev.Flags, Flag{Name: fname, Value: val})
		ev.Config |= val << bits.offset
	}
	return ev, nil
}

// Preset periods, in event occurrences per sample. xsmall is 250003, an odd
// value just above 250000 (matching the literal value used in end-to-end
// testing).
const (
	PeriodXSmall  = 250003
	PeriodSmall   = 500009
	PeriodMedium  = 1000003
	PeriodDefault = 4000000
	PeriodBig     = 10000019
)

var presets = map[string]uint64{
	"xsmall":  PeriodXSmall,
	"small":   PeriodSmall,
	"medium":  PeriodMedium,
	"default": PeriodDefault,
	"big":     PeriodBig,
}

// ResolvePeriods maps period onto a concrete sampling period for each event
// in events. period is either one of the five preset names (applied
// uniformly) or a custom comma-separated "NAME@PERIOD" list; event names
// absent from a custom list fall back to the default preset.
func ResolvePeriods(period string, events []Event) (map[string]uint64, error) {
	result := make(map[string]uint64, len(events))

	if p, ok := presets[period]; ok {
		for _, ev := range events {
			result[ev.Name] = p
		}
		return result, nil
	}

	for _, ev := range events {
		result[ev.Name] = PeriodDefault
	}

	for _, tok := range strings.Split(period, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		i := strings.IndexByte(tok, '@')
		if i < 0 {
			return nil, fmt.Errorf("eventspec: invalid period spec %q, want NAME@PERIOD", tok)
		}
		name, periodStr := tok[:i], tok[i+1:]
		p, err := strconv.ParseUint(periodStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("eventspec: invalid period %q for %q: %w", periodStr, name, err)
		}
		result[name] = p
	}
	return result, nil
}
