package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/runlog"
)

func (a *app) cmdStats(args []string) int {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	session := fs.String("session", "", "scope statistics to one session")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	runs, err := a.loadView()
	if err != nil {
		return a.fail(err)
	}
	if *session != "" {
		runs = runlog.Filter{Session: *session}.Apply(runs)
	}
	stats := runlog.Aggregate(runs)

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return a.fail(err)
		}
		return 0
	}

	fmt.Fprintf(a.stdout, "total_runs: %d\n", stats.TotalRuns)
	for _, s := range []runlog.Status{runlog.StatusRunning, runlog.StatusCompleted, runlog.StatusFailed} {
		if n := stats.ByStatus[s]; n > 0 {
			fmt.Fprintf(a.stdout, "  %s: %d\n", s, n)
		}
	}
	if len(stats.FailureReasons) > 0 {
		fmt.Fprintln(a.stdout, "failures:")
		for _, reason := range sortedKeys(stats.FailureReasons) {
			fmt.Fprintf(a.stdout, "  %s: %d\n", reason, stats.FailureReasons[reason])
		}
	}
	if len(stats.Models) > 0 {
		fmt.Fprintln(a.stdout, "models:")
		for _, model := range sortedKeys(stats.Models) {
			fmt.Fprintf(a.stdout, "  %s: %d\n", model, stats.Models[model])
		}
	}
	fmt.Fprintf(a.stdout, "total_duration: %s\n", stats.TotalDuration.Round(time.Second))
	fmt.Fprintf(a.stdout, "average_duration: %s\n", (time.Duration(stats.AverageMS) * time.Millisecond).Round(time.Millisecond))
	fmt.Fprintf(a.stdout, "tokens: %d in, %d out\n", stats.TotalTokens["input"], stats.TotalTokens["output"])
	return 0
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
