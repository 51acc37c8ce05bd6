package runlog

import (
	"fmt"
	"strings"
)

// Symbolic run references.
const (
	RefLatest     = "@latest"
	RefLastFailed = "@last-failed"
	RefLastOK     = "@last-ok"
)

// minPrefixLen is the shortest accepted identity prefix.
const minPrefixLen = 8

// Resolve maps a run reference to a derived run. Accepted forms: an exact
// identity, a unique identity prefix of at least eight characters, or one of
// the symbolic tokens. Every failure is a hard error with enough context to
// act on; resolution never silently returns nothing.
func Resolve(runs []Run, ref string) (Run, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Run{}, fmt.Errorf("run reference is required")
	}

	switch ref {
	case RefLatest:
		if len(runs) == 0 {
			return Run{}, fmt.Errorf("no runs recorded; launch one with `agentrun run`")
		}
		return runs[0], nil
	case RefLastFailed:
		return latestWithStatus(runs, StatusFailed, ref)
	case RefLastOK:
		return latestWithStatus(runs, StatusCompleted, ref)
	}
	if strings.HasPrefix(ref, "@") {
		return Run{}, fmt.Errorf("unknown symbolic reference %q (want %s, %s, or %s)",
			ref, RefLatest, RefLastFailed, RefLastOK)
	}

	if run, ok := FindRun(runs, ref); ok {
		return run, nil
	}

	if len(ref) < minPrefixLen {
		return Run{}, fmt.Errorf("run reference %q too short: prefixes need at least %d characters", ref, minPrefixLen)
	}
	var matches []Run
	for _, run := range runs {
		if strings.HasPrefix(run.ID, ref) {
			matches = append(matches, run)
		}
	}
	switch len(matches) {
	case 0:
		return Run{}, fmt.Errorf("no run matches %q; see `agentrun list`", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		return Run{}, fmt.Errorf("ambiguous run reference %q matches %d runs:\n  %s",
			ref, len(matches), strings.Join(ids, "\n  "))
	}
}

func latestWithStatus(runs []Run, want Status, ref string) (Run, error) {
	// The view is sorted by start time descending already.
	for _, run := range runs {
		if run.Status == want {
			return run, nil
		}
	}
	return Run{}, fmt.Errorf("no %s run for %s; see `agentrun list`", want, ref)
}
