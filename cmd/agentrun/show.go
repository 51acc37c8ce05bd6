package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/launch"
	"github.com/strongdm/agentrun/internal/runlog"
)

func (a *app) cmdShow(args []string) int {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return a.fail(fmt.Errorf("show takes exactly one run reference"))
	}
	run, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return a.fail(err)
		}
		return 0
	}

	out := a.stdout
	fmt.Fprintf(out, "run:       %s\n", run.ID)
	fmt.Fprintf(out, "status:    %s\n", run.Status)
	fmt.Fprintf(out, "model:     %s (%s)\n", run.Start.Model, run.Start.Harness)
	if run.Start.Variant != "" {
		fmt.Fprintf(out, "variant:   %s\n", run.Start.Variant)
	}
	fmt.Fprintf(out, "session:   %s\n", runlog.SessionOf(run.Start))
	fmt.Fprintf(out, "started:   %s\n", run.Start.Time.Format(time.RFC3339))
	fmt.Fprintf(out, "workdir:   %s\n", run.Start.WorkDir)
	fmt.Fprintf(out, "artifacts: %s\n", run.Start.ArtifactDir)
	if len(run.Start.Modifiers) > 0 {
		fmt.Fprintf(out, "modifiers: %s\n", strings.Join(run.Start.Modifiers, ", "))
	}
	for _, k := range runlog.SortedLabelKeys(run.Start.Labels) {
		fmt.Fprintf(out, "label:     %s=%s\n", k, run.Start.Labels[k])
	}

	fin := run.Finalize
	if fin == nil {
		fmt.Fprintln(out, "finalize:  none (crashed or still running)")
		return 0
	}
	fmt.Fprintf(out, "exit code: %d\n", *fin.ExitCode)
	fmt.Fprintf(out, "duration:  %s\n", run.Duration().Round(time.Millisecond))
	if fin.Failure != runlog.FailureNone {
		fmt.Fprintf(out, "failure:   %s\n", fin.Failure)
	}
	if fin.ConversationID != "" {
		fmt.Fprintf(out, "conversation: %s\n", fin.ConversationID)
	}
	if fin.InputTokens > 0 || fin.OutputTokens > 0 {
		fmt.Fprintf(out, "tokens:    %d in, %d out\n", fin.InputTokens, fin.OutputTokens)
	}
	if fin.Continues != "" {
		fmt.Fprintf(out, "continues: %s\n", fin.Continues)
	}
	if fin.Retries != "" {
		fmt.Fprintf(out, "retries:   %s\n", fin.Retries)
	}
	if g := fin.Git; g != nil {
		fmt.Fprintf(out, "git:       branch %s, pre %s, post %s, dirty=%v\n", g.Branch, short(g.PreSHA), short(g.PostSHA), g.Dirty)
	}
	if len(fin.TouchedFiles) > 0 {
		fmt.Fprintf(out, "touched:   %d file(s), see `agentrun files %s`\n", len(fin.TouchedFiles), run.ID)
	}
	return 0
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "-"
	}
	return sha
}

func (a *app) cmdReport(args []string) int {
	fs := pflag.NewFlagSet("report", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return a.fail(fmt.Errorf("report takes exactly one run reference"))
	}
	run, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}
	path := filepath.Join(run.Start.ArtifactDir, launch.ReportFile)
	if run.Finalize != nil && run.Finalize.ReportPath != "" {
		path = run.Finalize.ReportPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return a.fail(fmt.Errorf("run %s has no readable report: %w", run.ID, err))
	}
	_, _ = a.stdout.Write(b)
	return 0
}

func (a *app) cmdFiles(args []string) int {
	fs := pflag.NewFlagSet("files", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return a.fail(fmt.Errorf("files takes exactly one run reference"))
	}
	run, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}

	paths := []string(nil)
	if run.Finalize != nil {
		paths = run.Finalize.TouchedFiles
	}
	if len(paths) == 0 {
		if manifest, err := launch.ReadManifest(run.Start.ArtifactDir); err == nil {
			paths = manifest
		}
	}
	for _, p := range paths {
		fmt.Fprintln(a.stdout, p)
	}
	return 0
}
