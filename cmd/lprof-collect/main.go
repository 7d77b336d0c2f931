// Command lprof-collect drives one sampling session: it launches the
// target command under a tracee supervisor, opens and enables perf_event
// counter groups (per CPU for the inherit engine, per thread for the
// ptrace engines), drains the resulting ring buffers into per-worker
// stores, writes the experiment tree's metadata files, and (optionally)
// reports session lifecycle events to a fleet dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/lprof/lprof/internal/config"
	"github.com/lprof/lprof/internal/eventspec"
	"github.com/lprof/lprof/internal/experiment"
	"github.com/lprof/lprof/internal/fleet"
	"github.com/lprof/lprof/internal/metafile"
	"github.com/lprof/lprof/internal/pmu"
	"github.com/lprof/lprof/internal/ringbuf"
	"github.com/lprof/lprof/internal/store"
	"github.com/lprof/lprof/internal/tracer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lprof-collect: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lprof-collect", flag.ExitOnError)
	configPath := fs.String("config", "/etc/lprof/collect.yaml", "path to the collect-session YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmdline := fs.Args()
	if len(cmdline) == 0 {
		return fmt.Errorf("usage: lprof-collect -config <path> -- <command> [args...]")
	}

	cfg, err := config.LoadCollectConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("collect session starting",
		slog.String("experiment_path", cfg.ExperimentPath),
		slog.String("engine", cfg.Engine),
		slog.Any("events", cfg.Events),
	)

	events, err := eventspec.ParseList(strings.Join(cfg.Events, ","))
	if err != nil {
		return fmt.Errorf("parse events: %w", err)
	}
	periods, err := eventspec.ResolvePeriods(cfg.Period, events)
	if err != nil {
		return fmt.Errorf("resolve periods: %w", err)
	}

	if err := os.MkdirAll(cfg.ExperimentPath, 0o755); err != nil {
		return fmt.Errorf("create experiment path: %w", err)
	}
	nodeDir, err := nodeDirForHost(cfg.ExperimentPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fleetClient *fleet.Client
	if cfg.Fleet.Addr != "" {
		fc, err := newFleetClient(cfg, logger)
		if err != nil {
			return fmt.Errorf("fleet client: %w", err)
		}
		if err := fc.Start(ctx); err != nil {
			return fmt.Errorf("start fleet client: %w", err)
		}
		defer fc.Stop()
		fleetClient = fc
		_ = fleetClient.ReportSessionStart(cfg.ExperimentPath, cfg.Events, cfg.Engine)
	}

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return err
	}

	// Ctrl+C kills the target, writes the done marker, and exits without
	// flushing in-flight samples.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		s, ok := <-sigCh
		if !ok {
			return
		}
		logger.Info("interrupted, terminating target", slog.Any("signal", s))
		_ = sup.Finalize()
		os.Exit(130)
	}()

	policy, err := enablePolicy(cfg, logger)
	if err != nil {
		return err
	}
	attrs := sampleAttrsFor(cfg.BacktraceMode)

	sessionOpts := []pmu.Option{
		pmu.WithEnablePolicy(policy.Mode),
		pmu.WithSampleAttrs(uint64(attrs)),
	}
	if cfg.Engine == "inherit" {
		sessionOpts = append(sessionOpts, pmu.WithInherit(true))
	}
	session := pmu.NewSession(logger, events, periods, sessionOpts...)

	started := time.Now()
	evCh, err := sup.Start(ctx, cmdline, cfg.CPUList)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	childPID := sup.Pid()

	maps := metafile.NewMapsListener(logger, nodeDir, childPID, cfg.MPITarget)
	go maps.Run(ctx)

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	emergencyStop := &ringbuf.EmergencyStop{}
	spillGauge := &store.SpillGauge{}
	storeWorkers := make([]*store.Worker, workers)
	for i := range storeWorkers {
		w := store.NewWorker(i, logger, nodeDir, eventsPerGroup(cfg, events), cfg.MaxBufMB<<20, cfg.FilesBufMB<<20, cfg.MaxFilesMB<<20, spillGauge)
		w.OnEmergencyStop(func() {
			emergencyStop.Set()
			if fleetClient != nil {
				_ = fleetClient.ReportEmergencyStop(cfg.ExperimentPath, "temp-file cap exceeded")
			}
		})
		storeWorkers[i] = w
	}

	pollTimeout := 500 * time.Millisecond
	if strings.HasPrefix(cfg.Engine, "ptrace") {
		pollTimeout = 100 * time.Millisecond
	}

	var ringWorkers []*ringbuf.Worker
	switch cfg.Engine {
	case "inherit":
		ringWorkers, err = runInherit(ctx, cfg, logger, sup.(*tracer.Inherit), session, policy, storeWorkers, emergencyStop, pollTimeout, evCh)
	case "ptrace", "ptrace-async":
		ringWorkers, err = runPtrace(ctx, logger, session, attrs, storeWorkers, emergencyStop, pollTimeout, evCh)
	case "timers":
		err = runTimers(sup.(*tracer.Timers), storeWorkers, evCh)
	}
	if err != nil {
		return err
	}

	if werr := sup.Wait(); werr != nil {
		logger.Warn("target exited with error", slog.Any("error", werr))
	}
	cancel()
	for _, rw := range ringWorkers {
		rw.Shutdown()
	}
	_ = session.Close()

	if err := tracer.WriteDoneMarker(cfg.ExperimentPath); err != nil {
		logger.Warn("write done marker failed", slog.Any("error", err))
	}

	pool := ringbuf.NewPool(ringWorkers)
	report := pool.Report()
	report.LogSummary(logger)
	if fleetClient != nil {
		_ = fleetClient.ReportLossRatio(cfg.ExperimentPath, report.Ratio, report.Lost, report.Collected)
	}

	names := eventNames(cfg, events)
	masks := make([]uint64, len(names))
	for i := range masks {
		masks[i] = uint64(attrs)
	}
	pids, err := store.Dump(nodeDir, len(names), names, masks, storeWorkers, 0, logger)
	if err != nil {
		return fmt.Errorf("dump samples: %w", err)
	}
	if !containsPID(pids, uint64(childPID)) {
		pids = append(pids, uint64(childPID))
	}

	if err := experiment.WriteProcessIndex(filepath.Join(nodeDir, "processes_index.lua"), pids); err != nil {
		return fmt.Errorf("write process index: %w", err)
	}

	// Metadata generation runs on a fresh context: the collection context
	// is already cancelled by this point.
	exeName, err := resolveExecutable(cmdline[0])
	if err != nil {
		logger.Warn("cannot resolve target executable, metadata incomplete", slog.Any("error", err))
	} else {
		walltime := time.Since(started)
		for _, pid := range pids {
			if err := metafile.GenerateMetafile(context.Background(), logger, cfg.ExperimentPath, nodeDir, int(pid), exeName, walltime, nil, nil); err != nil {
				logger.Warn("metadata generation failed", slog.Uint64("pid", pid), slog.Any("error", err))
			}
		}
	}

	if fleetClient != nil {
		_ = fleetClient.ReportDone(cfg.ExperimentPath)
	}

	// The partial results written above remain valid; the non-zero exit
	// tells the caller collection was cut short.
	if emergencyStop.IsSet() {
		return fmt.Errorf("collection stopped early: temp-file cap exceeded; rerun with a larger sampling period (g=large) or backtraces disabled (btm=off)")
	}

	logger.Info("collect session complete", slog.String("experiment_path", cfg.ExperimentPath))
	return nil
}

// runInherit opens one inherited counter group per CPU against the held
// child, shards the ring buffers across the drainer workers, releases the
// child, and consumes supervisor events until exit.
func runInherit(ctx context.Context, cfg *config.CollectConfig, logger *slog.Logger, sup *tracer.Inherit, session *pmu.Session, policy pmu.EnablePolicy, storeWorkers []*store.Worker, stop *ringbuf.EmergencyStop, pollTimeout time.Duration, evCh <-chan tracer.Event) ([]*ringbuf.Worker, error) {
	cpus := cfg.CPUList
	if len(cpus) == 0 {
		for c := 0; c < runtime.NumCPU(); c++ {
			cpus = append(cpus, c)
		}
	}
	for _, cpu := range cpus {
		if err := session.Open(ctx, sup.Pid(), cpu); err != nil {
			return nil, fmt.Errorf("open counters on cpu %d: %w", cpu, err)
		}
	}

	owned, err := ownGroups(session.Groups(), sampleAttrsFor(cfg.BacktraceMode))
	if err != nil {
		return nil, err
	}

	shards := make([][]ringbuf.OwnedGroup, len(storeWorkers))
	for i, g := range owned {
		shards[i%len(shards)] = append(shards[i%len(shards)], g)
	}
	var ringWorkers []*ringbuf.Worker
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		rw := ringbuf.NewWorker(i, logger, shard, storeWorkers[i], pollTimeout)
		ringWorkers = append(ringWorkers, rw)
		go rw.Run(ctx, stop)
	}

	if err := session.Enable(ctx, policy); err != nil {
		return nil, fmt.Errorf("enable counters: %w", err)
	}
	if err := sup.Release(); err != nil {
		return nil, fmt.Errorf("release target: %w", err)
	}

	for evt := range evCh {
		if evt.Exited {
			break
		}
	}
	return ringWorkers, nil
}

// runPtrace drives a fixed pool of drainer workers, one per store
// worker, each owning a mutable subset of the per-thread groups. As the
// supervisor reports thread additions, the new thread's groups are
// distributed round-robin into the pool (ringbuf.Worker.AddThread); on
// removal the owning worker flushes and unmaps them under its two-lock
// discipline (RemoveThread). A thread that exited before its counters
// were opened has no owner entry and is silently skipped.
func runPtrace(ctx context.Context, logger *slog.Logger, session *pmu.Session, attrs ringbuf.SampleAttrs, storeWorkers []*store.Worker, stop *ringbuf.EmergencyStop, pollTimeout time.Duration, evCh <-chan tracer.Event) ([]*ringbuf.Worker, error) {
	pool := make([]*ringbuf.Worker, len(storeWorkers))
	for i := range pool {
		pool[i] = ringbuf.NewWorker(i, logger, nil, storeWorkers[i], pollTimeout)
		go pool[i].Run(ctx, stop)
	}

	owner := make(map[int]*ringbuf.Worker)
	seenGroups := 0
	next := 0

	for evt := range evCh {
		if evt.Exited {
			break
		}
		if !evt.Added {
			if w, ok := owner[evt.TID]; ok {
				w.RemoveThread(evt.TID)
				delete(owner, evt.TID)
			}
			continue
		}
		if _, ok := owner[evt.TID]; ok {
			continue // an exec of an already-tracked thread
		}

		if err := session.Open(ctx, evt.TID, -1); err != nil {
			logger.Warn("opening counters for thread failed", slog.Int("tid", evt.TID), slog.Any("error", err))
			continue
		}
		groups := session.Groups()
		newGroups := groups[seenGroups:]
		seenGroups = len(groups)
		owned, err := ownGroups(newGroups, attrs)
		if err != nil {
			logger.Warn("mmap of thread ring buffers failed", slog.Int("tid", evt.TID), slog.Any("error", err))
			continue
		}

		w := pool[next%len(pool)]
		next++
		w.AddThread(evt.TID, owned)
		owner[evt.TID] = w
	}

	return pool, nil
}

// runTimers wires the periodic-timer supervisor straight into the first
// store worker: each tick contributes one leader-event sample, no
// counters and no ring buffers involved.
func runTimers(sup *tracer.Timers, storeWorkers []*store.Worker, evCh <-chan tracer.Event) error {
	sink := storeWorkers[0]
	sup.SetSample(func(tid int, ip uint64) {
		sink.InsertSample(uint64(tid), uint64(tid), ip, 0, 0, nil)
	})
	for evt := range evCh {
		if evt.Exited {
			break
		}
	}
	return nil
}

func ownGroups(groups []*pmu.Group, attrs ringbuf.SampleAttrs) ([]ringbuf.OwnedGroup, error) {
	owned := make([]ringbuf.OwnedGroup, 0, len(groups))
	for _, g := range groups {
		ring, err := ringbuf.Open(g.Leader.FD)
		if err != nil {
			return nil, fmt.Errorf("mmap ring for leader fd %d: %w", g.Leader.FD, err)
		}
		memberFDs := make([]int, len(g.Members))
		memberIDs := make([]uint64, len(g.Members))
		for i, m := range g.Members {
			memberFDs[i] = m.FD
			memberIDs[i] = m.ID
		}
		owned = append(owned, ringbuf.OwnedGroup{
			LeaderFD:  g.Leader.FD,
			MemberFDs: memberFDs,
			LeaderID:  g.Leader.ID,
			MemberIDs: memberIDs,
			Attrs:     attrs,
			Ring:      ring,
		})
	}
	return owned, nil
}

func newSupervisor(cfg *config.CollectConfig, logger *slog.Logger) (tracer.Supervisor, error) {
	switch cfg.Engine {
	case "inherit":
		return tracer.NewInherit(logger, cfg.ExperimentPath), nil
	case "ptrace":
		return tracer.NewPtrace(logger, cfg.ExperimentPath, syscall.Signal(cfg.FinalizeSignal), false), nil
	case "ptrace-async":
		return tracer.NewPtrace(logger, cfg.ExperimentPath, syscall.Signal(cfg.FinalizeSignal), true), nil
	case "timers":
		return tracer.NewTimers(logger, cfg.ExperimentPath, 10*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// enablePolicy maps the user-guided setting onto a counter enable policy:
// -1 starts counters immediately, a positive value arms them after that
// many seconds, and 0 toggles them on each SIGUSR1.
func enablePolicy(cfg *config.CollectConfig, logger *slog.Logger) (pmu.EnablePolicy, error) {
	guided := *cfg.UserGuided
	if guided != -1 && cfg.Engine != "inherit" {
		logger.Warn("user-guided start is only supported by the inherit engine, starting immediately")
		guided = -1
	}
	switch {
	case guided == -1:
		return pmu.EnablePolicy{Mode: "immediate"}, nil
	case guided > 0:
		return pmu.EnablePolicy{Mode: "delay", DelaySeconds: guided}, nil
	default:
		toggle := make(chan struct{})
		usrCh := make(chan os.Signal, 1)
		signal.Notify(usrCh, syscall.SIGUSR1)
		go func() {
			for range usrCh {
				toggle <- struct{}{}
			}
		}()
		return pmu.EnablePolicy{Mode: "interactive", Toggle: toggle}, nil
	}
}

// sampleAttrsFor maps the backtrace mode onto the sample-attribute mask
// counters are opened with.
func sampleAttrsFor(mode string) ringbuf.SampleAttrs {
	attrs := ringbuf.DefaultSampleAttrs
	switch mode {
	case "off":
		attrs &^= ringbuf.AttrCallchain
	case "stack":
		attrs |= ringbuf.AttrRegsUser | ringbuf.AttrStackUser
	case "branch":
		attrs |= ringbuf.AttrBranchStack
	}
	return attrs
}

func eventsPerGroup(cfg *config.CollectConfig, events []eventspec.Event) int {
	if cfg.Engine == "timers" {
		return 1
	}
	return len(events)
}

func eventNames(cfg *config.CollectConfig, events []eventspec.Event) []string {
	if cfg.Engine == "timers" {
		return []string{"timer"}
	}
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}

// resolveExecutable finds the on-disk path of the target command, so the
// metadata writer can probe it for PIE-ness and symbolize it.
func resolveExecutable(cmd string) (string, error) {
	if strings.ContainsRune(cmd, os.PathSeparator) {
		return filepath.Abs(cmd)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, cmd)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in PATH", cmd)
}

func newFleetClient(cfg *config.CollectConfig, logger *slog.Logger) (*fleet.Client, error) {
	initial, err := time.ParseDuration(cfg.Fleet.InitialBackoff)
	if err != nil {
		return nil, fmt.Errorf("fleet.initial_backoff: %w", err)
	}
	max, err := time.ParseDuration(cfg.Fleet.MaxBackoff)
	if err != nil {
		return nil, fmt.Errorf("fleet.max_backoff: %w", err)
	}
	return fleet.New(fleet.Config{
		DashboardAddr:  cfg.Fleet.Addr,
		CertPath:       cfg.Fleet.TLS.CertPath,
		KeyPath:        cfg.Fleet.TLS.KeyPath,
		CAPath:         cfg.Fleet.TLS.CAPath,
		SpoolPath:      cfg.Fleet.SpoolPath,
		InitialBackoff: initial,
		MaxBackoff:     max,
		AgentVersion:   "lprof-collect/dev",
	}, logger)
}

func nodeDirForHost(expPath string) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	dir := filepath.Join(expPath, hostname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node dir: %w", err)
	}
	return dir, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func containsPID(pids []uint64, pid uint64) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
