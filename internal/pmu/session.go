// Package pmu implements the Counter Session: translating a parsed event
// list into kernel performance-counter descriptors, deciding how events
// group onto file descriptors, detecting multiplexing, and owning
// enable/disable of every group for the lifetime of a sampling run.
package pmu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lprof/lprof/internal/eventspec"
	"github.com/lprof/lprof/internal/ringbuf"
)

// Bits within perf_event_attr's packed flag word, written out by position
// (see the Linux perf_event_open(2) man page and
// include/uapi/linux/perf_event.h): the single-bit inherit flag and the
// 2-bit precise_ip field (bits 15-16).
const (
	inheritBit      = 1 << 1  // inherit: counters follow descendant threads
	preciseIPShift  = 15      // precise_ip: 2-bit field, bits 15-16
	preciseIPLevel2 = 2 << preciseIPShift
)

// Opener abstracts perf_event_open(2) so tests can substitute a fake kernel
// without real hardware counters.
type Opener interface {
	Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (fd int, err error)
	IoctlSetInt(fd int, req uint, value int) error
	Close(fd int) error
	ReadTimes(fd int) (enabled, running uint64, err error)
	GetID(fd int) (id uint64, err error)
}

// realOpener calls the real kernel perf_event_open/ioctl/read syscalls.
type realOpener struct{}

func (realOpener) Open(attr *unix.PerfEventAttr, pid, cpu, groupFD, flags int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFD, flags)
}

func (realOpener) IoctlSetInt(fd int, req uint, value int) error {
	return unix.IoctlSetInt(fd, req, value)
}

func (realOpener) Close(fd int) error { return unix.Close(fd) }

// GetID retrieves the kernel-assigned id a PERF_RECORD_SAMPLE's AttrID
// field carries, so a drained sample can be traced back to the counter
// that triggered it.
func (realOpener) GetID(fd int) (uint64, error) {
	var id uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_ID), uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, fmt.Errorf("pmu: ioctl PERF_EVENT_IOC_ID fd %d: %w", fd, errno)
	}
	return id, nil
}

// readFormat mirrors the layout requested by Read_format =
// PERF_FORMAT_TOTAL_TIME_ENABLED|PERF_FORMAT_TOTAL_TIME_RUNNING: a raw
// count followed by the two u64 time fields.
type readFormat struct {
	Value   uint64
	Enabled uint64
	Running uint64
}

func (realOpener) ReadTimes(fd int) (enabled, running uint64, err error) {
	var buf [unsafe.Sizeof(readFormat{})]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, 0, err
	}
	if n != len(buf) {
		return 0, 0, fmt.Errorf("pmu: short read of counter times: %d bytes", n)
	}
	rf := (*readFormat)(unsafe.Pointer(&buf[0]))
	return rf.Enabled, rf.Running, nil
}

// DefaultOpener is the real-kernel Opener used outside tests.
var DefaultOpener Opener = realOpener{}

// EnablePolicy selects when a group transitions from disabled to enabled.
type EnablePolicy struct {
	// Mode is "immediate", "delay", or "interactive".
	Mode string
	// DelaySeconds is used when Mode == "delay".
	DelaySeconds int
	// Toggle, when non-nil, is read for each interactive enable/disable
	// flip when Mode == "interactive".
	Toggle <-chan struct{}
}

// Counter is one opened perf_event file descriptor.
type Counter struct {
	Event   eventspec.Event
	FD      int
	ID      uint64
	Precise bool
}

// Group is a set of counters opened together; Leader is always present and
// always index zero semantics for the kernel's group-leader file
// descriptor.
type Group struct {
	Leader  *Counter
	Members []*Counter
	CPU     int
	PID     int // target thread/process id, or -1 for "any"
}

// FDs returns every counter file descriptor in the group, leader first.
func (g *Group) FDs() []int {
	fds := make([]int, 0, 1+len(g.Members))
	fds = append(fds, g.Leader.FD)
	for _, m := range g.Members {
		fds = append(fds, m.FD)
	}
	return fds
}

// Session owns every opened counter group for one sampling run.
type Session struct {
	logger     *slog.Logger
	opener     Opener
	events      []eventspec.Event
	periods     map[string]uint64
	inherit     bool
	policyMode  string
	sampleAttrs uint64

	mu      sync.Mutex
	groups  []*Group
	enabled bool
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithOpener overrides the Opener, for tests.
func WithOpener(o Opener) Option {
	return func(s *Session) { s.opener = o }
}

// WithInherit requests the kernel inherit flag (the Inherit tracer
// flavour's counters must follow descendant threads).
func WithInherit(v bool) Option {
	return func(s *Session) { s.inherit = v }
}

// WithEnablePolicy records the EnablePolicy.Mode the session will be
// enabled with, so Open can build immediate-mode counters already
// enabled instead of disabled-then-enabled. Must be set before Open is
// called; it does not itself enable anything (see Enable).
func WithEnablePolicy(mode string) Option {
	return func(s *Session) { s.policyMode = mode }
}

// WithSampleAttrs overrides the sample-attribute bitmask each counter is
// opened with (perf_event_attr.sample_type). The drainer must decode with
// the same mask. Defaults to ringbuf.DefaultSampleAttrs.
func WithSampleAttrs(mask uint64) Option {
	return func(s *Session) { s.sampleAttrs = mask }
}

// NewSession parses nothing; it expects already-parsed events and resolved
// periods (see internal/eventspec).
func NewSession(logger *slog.Logger, events []eventspec.Event, periods map[string]uint64, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		logger:      logger,
		opener:      DefaultOpener,
		events:      events,
		periods:     periods,
		sampleAttrs: uint64(ringbuf.DefaultSampleAttrs),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) buildAttr(ev eventspec.Event, precise bool) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      s.periods[ev.Name],
		Sample_type: s.sampleAttrs,
	}
	// Immediate mode counters are created already running: the kernel
	// starts counting at Open. The multiplex probe at the end of Open
	// disables the group again, so Enable re-enables it. Delay and
	// interactive mode counters are created disabled, and the explicit
	// Enable call (possibly much later) is what starts them.
	if s.policyMode == "delay" || s.policyMode == "interactive" {
		attr.Bits = unix.PerfBitDisabled
	}
	if s.inherit {
		attr.Bits |= inheritBit
	}
	if precise {
		attr.Bits |= preciseIPLevel2
	}
	if ev.Raw {
		attr.Type = unix.PERF_TYPE_RAW
		attr.Config = ev.RawCode
	} else {
		attr.Type = ev.Type
		attr.Config = ev.Config
	}
	return attr
}

// Open performs the three-step grouping algorithm of the counter session
// design: a solo dry run to validate every event, a precise-IP grouping
// pass with downgrade-on-failure, and a counting-mode multiplex check.
// pid/cpu identify the target (pid == -1 means CPU-wide for the Inherit
// flavour; cpu == -1 means "follow the thread across CPUs" for per-thread
// ptrace counters).
func (s *Session) Open(ctx context.Context, pid, cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dryRunSolo(pid, cpu); err != nil {
		return err
	}

	group, err := s.openGrouped(pid, cpu)
	if err != nil {
		return err
	}
	s.groups = append(s.groups, group)

	if err := s.checkMultiplexing(group); err != nil {
		s.logger.Warn("multiplex check failed", "error", err)
	}
	return nil
}

// dryRunSolo opens each event alone with no grouping, to fail fast and
// name the offending event, then closes every fd.
func (s *Session) dryRunSolo(pid, cpu int) error {
	var opened []int
	defer func() {
		for _, fd := range opened {
			_ = s.opener.Close(fd)
		}
	}()
	for _, ev := range s.events {
		attr := s.buildAttr(ev, false)
		fd, err := s.opener.Open(attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("pmu: event %q cannot be opened: %w", ev.Name, err)
		}
		opened = append(opened, fd)
	}
	return nil
}

// openGrouped re-opens every event requesting precise-IP, downgrading to
// non-precise on failure, and groups every event it can onto the first
// event's (the leader's) file descriptor. An event that cannot join the
// leader's group becomes a single-member group of its own — "cannot group
// with previous" per the design.
func (s *Session) openGrouped(pid, cpu int) (*Group, error) {
	leaderEv := s.events[0]
	leaderAttr := s.buildAttr(leaderEv, true)
	leaderFD, err := s.opener.Open(leaderAttr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	precise := true
	if err != nil {
		leaderAttr = s.buildAttr(leaderEv, false)
		leaderFD, err = s.opener.Open(leaderAttr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		precise = false
		if err != nil {
			return nil, fmt.Errorf("pmu: leader event %q cannot be opened: %w", leaderEv.Name, err)
		}
	}

	leaderID, err := s.opener.GetID(leaderFD)
	if err != nil {
		return nil, fmt.Errorf("pmu: leader event %q: get id: %w", leaderEv.Name, err)
	}

	group := &Group{
		Leader: &Counter{Event: leaderEv, FD: leaderFD, ID: leaderID, Precise: precise},
		CPU:    cpu,
		PID:    pid,
	}

	for _, ev := range s.events[1:] {
		attr := s.buildAttr(ev, true)
		fd, err := s.opener.Open(attr, pid, cpu, leaderFD, unix.PERF_FLAG_FD_CLOEXEC)
		memberPrecise := true
		if err != nil {
			attr = s.buildAttr(ev, false)
			fd, err = s.opener.Open(attr, pid, cpu, leaderFD, unix.PERF_FLAG_FD_CLOEXEC)
			memberPrecise = false
		}
		if err != nil {
			s.logger.Warn("cannot group with previous", "event", ev.Name, "error", err)
			soloFD, soloErr := s.opener.Open(s.buildAttr(ev, false), pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
			if soloErr != nil {
				return nil, fmt.Errorf("pmu: event %q cannot be opened even ungrouped: %w", ev.Name, soloErr)
			}
			soloID, idErr := s.opener.GetID(soloFD)
			if idErr != nil {
				return nil, fmt.Errorf("pmu: event %q (ungrouped): get id: %w", ev.Name, idErr)
			}
			group.Members = append(group.Members, &Counter{Event: ev, FD: soloFD, ID: soloID, Precise: false})
			continue
		}
		id, idErr := s.opener.GetID(fd)
		if idErr != nil {
			return nil, fmt.Errorf("pmu: event %q: get id: %w", ev.Name, idErr)
		}
		group.Members = append(group.Members, &Counter{Event: ev, FD: fd, ID: id, Precise: memberPrecise})
	}

	return group, nil
}

// multiplexThreshold is the time_running/time_enabled ratio below which a
// counter is considered multiplexed.
const multiplexThreshold = 0.95

// checkMultiplexing runs the group briefly in counting mode and compares
// time_enabled/time_running for each counter.
func (s *Session) checkMultiplexing(group *Group) error {
	if err := s.enableGroup(group); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	defer s.disableGroup(group)

	var warned []string
	for _, c := range append([]*Counter{group.Leader}, group.Members...) {
		enabled, running, err := s.opener.ReadTimes(c.FD)
		if err != nil {
			continue
		}
		if enabled == 0 {
			continue
		}
		ratio := float64(running) / float64(enabled)
		if ratio < multiplexThreshold {
			warned = append(warned, c.Event.Name)
		}
	}
	if len(warned) > 0 {
		return fmt.Errorf("multiplexed: %v", warned)
	}
	return nil
}

func (s *Session) enableGroup(group *Group) error {
	for _, fd := range group.FDs() {
		if err := s.opener.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("pmu: enable fd %d: %w", fd, err)
		}
	}
	return nil
}

func (s *Session) disableGroup(group *Group) error {
	for _, fd := range group.FDs() {
		if err := s.opener.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			return fmt.Errorf("pmu: disable fd %d: %w", fd, err)
		}
	}
	return nil
}

// Enable enables every group according to policy. Immediate mode is
// synchronous; delay and interactive modes spawn a helper goroutine and
// return immediately, honoring ctx cancellation.
func (s *Session) Enable(ctx context.Context, policy EnablePolicy) error {
	s.mu.Lock()
	groups := append([]*Group(nil), s.groups...)
	s.mu.Unlock()

	switch policy.Mode {
	case "", "immediate":
		for _, g := range groups {
			if err := s.enableGroup(g); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.enabled = true
		s.mu.Unlock()
	case "delay":
		go func() {
			select {
			case <-time.After(time.Duration(policy.DelaySeconds) * time.Second):
			case <-ctx.Done():
				return
			}
			for _, g := range groups {
				if err := s.enableGroup(g); err != nil {
					s.logger.Error("delayed enable failed", "error", err)
					return
				}
			}
			s.mu.Lock()
			s.enabled = true
			s.mu.Unlock()
		}()
	case "interactive":
		go s.runInteractive(ctx, groups, policy.Toggle)
	default:
		return fmt.Errorf("pmu: unknown enable policy %q", policy.Mode)
	}
	return nil
}

func (s *Session) runInteractive(ctx context.Context, groups []*Group, toggle <-chan struct{}) {
	on := false
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-toggle:
			if !ok {
				return
			}
			on = !on
			var err error
			if on {
				for _, g := range groups {
					if e := s.enableGroup(g); e != nil {
						err = e
					}
				}
				s.logger.Info("counters enabled")
			} else {
				for _, g := range groups {
					if e := s.disableGroup(g); e != nil {
						err = e
					}
				}
				s.logger.Info("counters disabled")
			}
			if err != nil {
				s.logger.Error("toggle failed", "error", err)
			}
		}
	}
}

// Groups returns every opened group.
func (s *Session) Groups() []*Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Group(nil), s.groups...)
}

// Close disables and closes every counter in every group.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, g := range s.groups {
		_ = s.disableGroup(g)
		for _, fd := range g.FDs() {
			if err := s.opener.Close(fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.groups = nil
	return firstErr
}
