package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/runlog"
)

func (a *app) cmdMaintain(args []string) int {
	fs := pflag.NewFlagSet("maintain", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	olderThan := fs.Int("older-than-days", a.cfg.ArchiveAfterDays, "archive finalized runs older than this many days")
	dryRun := fs.Bool("dry-run", false, "report planned counts without mutating anything")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *olderThan < 0 {
		return a.fail(fmt.Errorf("--older-than-days must be zero or positive"))
	}

	w := runlog.NewWriter(a.stateRoot, a.cfg.LockTimeout(), a.logger)
	cutoff := time.Now().UTC().AddDate(0, 0, -*olderThan)
	plan, err := runlog.Archive(w, cutoff, *dryRun)
	if err != nil {
		return a.fail(err)
	}

	verb := "archived"
	if *dryRun {
		verb = "would archive"
	}
	fmt.Fprintf(a.stdout, "%s %d run(s), %d record(s); %d record(s) kept active\n",
		verb, plan.ArchivedRuns, plan.ArchivedRecords, plan.KeptRecords)
	files := make([]string, 0, len(plan.Files))
	for f := range plan.Files {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(a.stdout, "  %s: %d record(s)\n", f, plan.Files[f])
	}
	return 0
}
