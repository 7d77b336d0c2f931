// Command lprof-report loads a completed experiment tree, resolves every
// sample against its node's address indices, and prints the aggregated
// per-thread function/loop hotspot table.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/lprof/lprof/internal/experiment"
	"github.com/lprof/lprof/internal/hotspot"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lprof-report: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lprof-report", flag.ExitOnError)
	expPath := fs.String("experiment", "", "path to a completed experiment directory")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *expPath == "" {
		return fmt.Errorf("usage: lprof-report -experiment <path>")
	}

	logger := newLogger(*logLevel)

	exp, err := experiment.Load(logger, *expPath)
	if err != nil {
		return fmt.Errorf("load experiment: %w", err)
	}

	result := hotspot.PrepareSamplingDisplay(exp, hotspot.Context{
		EventNames: eventNamesOf(exp),
	})

	printResult(os.Stdout, result)
	return nil
}

// eventNamesOf pulls the column labels from the first process's
// IP_events.lprof header; every process of one experiment ran the same
// event list.
func eventNamesOf(exp *experiment.Experiment) []string {
	for _, node := range exp.Nodes {
		for _, proc := range node.Processes {
			if len(proc.EventNames) > 0 {
				return proc.EventNames
			}
		}
	}
	return nil
}

func printResult(w *os.File, result hotspot.Result) {
	fmt.Fprintf(w, "Executable: %s\n\n", result.ExecutableName)

	for _, node := range result.Nodes {
		fmt.Fprintf(w, "Node %s\n", node.Name)
		for _, proc := range node.Processes {
			fmt.Fprintf(w, "  Process pid=%d rank=%d\n", proc.PID, proc.Rank)
			for _, th := range proc.Threads {
				fmt.Fprintf(w, "    Thread tid=%d rank=%d\n", th.TID, th.Rank)

				funcs := append([]hotspot.FunctionResult(nil), th.Functions...)
				sort.Slice(funcs, func(i, j int) bool {
					return sumHits(funcs[i].HitsByCol) > sumHits(funcs[j].HitsByCol)
				})
				for _, f := range funcs {
					fmt.Fprintf(w, "      %-40s %-10s hits=%v\n", f.Display, f.Category, f.HitsByCol)
					if len(f.ChainPct) > 0 {
						printChains(w, f.ChainPct)
					}
				}

				if len(th.Loops) > 0 {
					fmt.Fprintln(w, "      loops:")
					for _, l := range th.Loops {
						fmt.Fprintf(w, "        %-40s hits=%v\n", l.Display, l.HitsByCol)
					}
				}
			}
		}
	}
}

func printChains(w *os.File, chains map[string]float64) {
	keys := make([]string, 0, len(chains))
	for k := range chains {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return chains[keys[i]] > chains[keys[j]] })
	for _, k := range keys {
		fmt.Fprintf(w, "        %5.1f%%  %s\n", chains[k], strings.TrimSpace(k))
	}
}

func sumHits(cols []uint64) uint64 {
	var total uint64
	for _, c := range cols {
		total += c
	}
	return total
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
