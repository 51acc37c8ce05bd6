package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/harness"
	"github.com/strongdm/agentrun/internal/launch"
	"github.com/strongdm/agentrun/internal/runlog"
)

func (a *app) cmdLog(args []string) int {
	fs := pflag.NewFlagSet("log", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	summary := fs.Bool("summary", false, "event-type and size summary (default)")
	tools := fs.Bool("tools", false, "tool-call tally")
	errs := fs.Bool("errors", false, "print error-bearing lines")
	grep := fs.String("grep", "", "print lines containing this text")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return a.fail(fmt.Errorf("log takes exactly one run reference"))
	}
	modes := 0
	for _, on := range []bool{*summary, *tools, *errs, *grep != ""} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return a.fail(fmt.Errorf("--summary, --tools, --errors, and --grep are mutually exclusive"))
	}

	run, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}
	path := outputPathOf(run)

	switch {
	case *tools:
		return a.logTools(run, path)
	case *errs:
		return a.logErrors(path)
	case *grep != "":
		return a.logGrep(path, *grep)
	default:
		return a.logSummary(path)
	}
}

func outputPathOf(run runlog.Run) string {
	if run.Finalize != nil && run.Finalize.OutputPath != "" {
		return run.Finalize.OutputPath
	}
	return filepath.Join(run.Start.ArtifactDir, launch.OutputFile)
}

func scanLog(path string, fn func(lineNo int, raw string, doc map[string]any)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var doc map[string]any
		_ = json.Unmarshal([]byte(raw), &doc)
		fn(n, raw, doc)
	}
	return sc.Err()
}

func (a *app) logSummary(path string) int {
	info, err := os.Stat(path)
	if err != nil {
		return a.fail(fmt.Errorf("no readable output stream: %w", err))
	}
	lines, parsed := 0, 0
	types := map[string]int{}
	err = scanLog(path, func(_ int, _ string, doc map[string]any) {
		lines++
		if doc == nil {
			return
		}
		parsed++
		if t, ok := doc["type"].(string); ok && t != "" {
			types[t]++
		}
	})
	if err != nil {
		return a.fail(err)
	}

	fmt.Fprintf(a.stdout, "size:   %d bytes\n", info.Size())
	fmt.Fprintf(a.stdout, "lines:  %d (%d structured)\n", lines, parsed)
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		fmt.Fprintf(a.stdout, "event:  %-24s %d\n", t, types[t])
	}
	return 0
}

func (a *app) logTools(run runlog.Run, path string) int {
	h, err := harness.ForName(run.Start.Harness)
	if err != nil {
		return a.fail(err)
	}
	outcome, err := h.ExtractOutcome(path)
	if err != nil {
		return a.fail(err)
	}
	type tally struct {
		name  string
		count int
	}
	var tallies []tally
	for name, count := range outcome.ToolCalls {
		tallies = append(tallies, tally{name, count})
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].count != tallies[j].count {
			return tallies[i].count > tallies[j].count
		}
		return tallies[i].name < tallies[j].name
	})
	for _, t := range tallies {
		fmt.Fprintf(a.stdout, "%5d  %s\n", t.count, t.name)
	}
	return 0
}

// errorBearing reports whether a structured line carries an error marker.
func errorBearing(raw string, doc map[string]any) bool {
	if doc == nil {
		return strings.Contains(strings.ToLower(raw), "error")
	}
	if v, ok := doc["is_error"].(bool); ok && v {
		return true
	}
	for _, key := range []string{"type", "subtype"} {
		if s, ok := doc[key].(string); ok && strings.Contains(s, "error") {
			return true
		}
	}
	_, hasErr := doc["error"]
	return hasErr
}

func (a *app) logErrors(path string) int {
	found := 0
	err := scanLog(path, func(n int, raw string, doc map[string]any) {
		if errorBearing(raw, doc) {
			found++
			fmt.Fprintf(a.stdout, "%6d: %s\n", n, raw)
		}
	})
	if err != nil {
		return a.fail(err)
	}
	if found == 0 {
		fmt.Fprintln(a.stdout, "no error markers found")
	}
	return 0
}

func (a *app) logGrep(path string, pattern string) int {
	needle := strings.ToLower(pattern)
	err := scanLog(path, func(n int, raw string, _ map[string]any) {
		if strings.Contains(strings.ToLower(raw), needle) {
			fmt.Fprintf(a.stdout, "%6d: %s\n", n, raw)
		}
	})
	if err != nil {
		return a.fail(err)
	}
	return 0
}
