package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/runlog"
)

// parseWhen accepts RFC 3339 timestamps and bare dates.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("time %q is neither RFC 3339 nor YYYY-MM-DD", s)
}

func (a *app) cmdList(args []string) int {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	session := fs.String("session", "", "filter by session")
	model := fs.String("model", "", "filter by model")
	harnessName := fs.String("harness", "", "filter by harness family")
	status := fs.String("status", "", "filter by status: running, completed, failed")
	labels := fs.StringArray("label", nil, "filter by label key=value, repeatable")
	since := fs.String("since", "", "only runs started at or after this time")
	until := fs.String("until", "", "only runs started at or before this time")
	limit := fs.IntP("limit", "n", 20, "page size")
	cursor := fs.String("cursor", "", "resume listing after this run id")
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	labelFilter, err := parseLabels(*labels)
	if err != nil {
		return a.fail(err)
	}
	sinceT, err := parseWhen(*since)
	if err != nil {
		return a.fail(err)
	}
	untilT, err := parseWhen(*until)
	if err != nil {
		return a.fail(err)
	}

	runs, err := a.loadView()
	if err != nil {
		return a.fail(err)
	}
	filtered := runlog.Filter{
		Session: *session,
		Model:   *model,
		Harness: *harnessName,
		Status:  runlog.Status(*status),
		Labels:  labelFilter,
		Since:   sinceT,
		Until:   untilT,
	}.Apply(runs)
	page, err := runlog.Paginate(filtered, *cursor, *limit)
	if err != nil {
		return a.fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Runs       []runlog.Run `json:"runs"`
			NextCursor string       `json:"next_cursor,omitempty"`
			More       bool         `json:"more"`
		}{page.Runs, page.NextCursor, page.More}); err != nil {
			return a.fail(err)
		}
		return 0
	}

	w := tabwriter.NewWriter(a.stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tMODEL\tSESSION\tSTARTED\tDURATION")
	for _, run := range page.Runs {
		dur := "-"
		if run.Finalize != nil {
			dur = run.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Status, run.Start.Model, runlog.SessionOf(run.Start),
			run.Start.Time.Format(time.RFC3339), dur)
	}
	_ = w.Flush()
	if page.More {
		fmt.Fprintf(a.stdout, "more results: rerun with --cursor %s\n", page.NextCursor)
	}
	return 0
}
