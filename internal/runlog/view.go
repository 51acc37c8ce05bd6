package runlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Run is the derived, read-only projection of one run identity: its start
// record paired with its finalize record when one exists.
type Run struct {
	ID       string
	Start    Record
	Finalize *Record
	Status   Status
}

// Duration returns the recorded duration, zero while running.
func (r *Run) Duration() time.Duration {
	if r.Finalize == nil {
		return 0
	}
	return time.Duration(r.Finalize.DurationMS) * time.Millisecond
}

// LoadRecords reads every record from an index file. Malformed lines are
// skipped and counted rather than failing the read: a reader must stay
// usable even after an unlocked-fallback writer raced the log.
func LoadRecords(path string) (recs []Record, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return recs, skipped, err
	}
	return recs, skipped, nil
}

// BuildView groups records by run identity and derives one Run per identity,
// sorted by start time descending.
//
// Duplicate start records for one identity resolve deterministically to the
// most recent; duplicate finalizes likewise. A run whose finalize has no
// start is dropped (it can only appear mid-archive and resurfaces once both
// halves land in the same file).
func BuildView(recs []Record) []Run {
	starts := map[string]Record{}
	finals := map[string]Record{}
	for _, rec := range recs {
		switch rec.Kind {
		case KindStart:
			if prev, ok := starts[rec.RunID]; !ok || rec.Time.After(prev.Time) {
				starts[rec.RunID] = rec
			}
		case KindFinalize:
			if prev, ok := finals[rec.RunID]; !ok || rec.Time.After(prev.Time) {
				finals[rec.RunID] = rec
			}
		}
	}

	runs := make([]Run, 0, len(starts))
	for id, start := range starts {
		run := Run{ID: id, Start: start, Status: StatusRunning}
		if fin, ok := finals[id]; ok {
			f := fin
			run.Finalize = &f
			if fin.Status == StatusCompleted {
				run.Status = StatusCompleted
			} else {
				run.Status = StatusFailed
			}
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Start.Time.Equal(runs[j].Start.Time) {
			return runs[i].Start.Time.After(runs[j].Start.Time)
		}
		return runs[i].ID > runs[j].ID
	})
	return runs
}

// LoadView reads the active index and derives the run view.
func LoadView(indexPath string) ([]Run, error) {
	recs, _, err := LoadRecords(indexPath)
	if err != nil {
		return nil, err
	}
	return BuildView(recs), nil
}

// Filter selects runs for the list and stats surfaces. Zero values match
// everything.
type Filter struct {
	Session string
	Model   string
	Harness string
	Status  Status
	Labels  map[string]string
	Since   time.Time
	Until   time.Time
}

func (f Filter) Match(run Run) bool {
	if f.Session != "" && run.Start.Session != f.Session {
		return false
	}
	if f.Model != "" && run.Start.Model != f.Model {
		return false
	}
	if f.Harness != "" && run.Start.Harness != f.Harness {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	for k, v := range f.Labels {
		if run.Start.Labels[k] != v {
			return false
		}
	}
	if !f.Since.IsZero() && run.Start.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && run.Start.Time.After(f.Until) {
		return false
	}
	return true
}

// Apply filters a view, preserving order.
func (f Filter) Apply(runs []Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		if f.Match(run) {
			out = append(out, run)
		}
	}
	return out
}

// Page cuts one page out of a filtered view. The cursor is the run identity
// of the last item on the previous page; empty means start from the top.
// More reports whether another page exists.
type Page struct {
	Runs       []Run
	NextCursor string
	More       bool
}

// Paginate rejects a cursor that matches no run rather than restarting from
// the top: the run it named was archived or filtered away, and silently
// resuming would hand back pages the caller already saw.
func Paginate(runs []Run, cursor string, limit int) (Page, error) {
	start := 0
	if cursor != "" {
		found := false
		for i, run := range runs {
			if run.ID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return Page{}, fmt.Errorf("cursor %q does not match any run (it may have been archived or filtered out)", cursor)
		}
	}
	if limit <= 0 {
		limit = len(runs) - start
	}
	end := start + limit
	if end > len(runs) {
		end = len(runs)
	}
	page := Page{Runs: runs[start:end]}
	if end < len(runs) {
		page.More = true
	}
	if len(page.Runs) > 0 && page.More {
		page.NextCursor = page.Runs[len(page.Runs)-1].ID
	}
	return page, nil
}

// Stats aggregates a (possibly filtered) view.
type Stats struct {
	TotalRuns      int              `json:"total_runs"`
	ByStatus       map[Status]int   `json:"by_status"`
	FailureReasons map[string]int   `json:"failure_reasons"`
	Models         map[string]int   `json:"models"`
	TotalDuration  time.Duration    `json:"-"`
	TotalMS        int64            `json:"total_duration_ms"`
	AverageMS      int64            `json:"average_duration_ms"`
	TotalTokens    map[string]int64 `json:"tokens"`
}

func Aggregate(runs []Run) Stats {
	s := Stats{
		ByStatus:       map[Status]int{},
		FailureReasons: map[string]int{},
		Models:         map[string]int{},
		TotalTokens:    map[string]int64{"input": 0, "output": 0},
	}
	finished := 0
	for _, run := range runs {
		s.TotalRuns++
		s.ByStatus[run.Status]++
		s.Models[run.Start.Model]++
		if run.Finalize == nil {
			continue
		}
		finished++
		s.TotalDuration += run.Duration()
		if run.Finalize.Failure != FailureNone {
			s.FailureReasons[string(run.Finalize.Failure)]++
		}
		s.TotalTokens["input"] += run.Finalize.InputTokens
		s.TotalTokens["output"] += run.Finalize.OutputTokens
	}
	s.TotalMS = s.TotalDuration.Milliseconds()
	if finished > 0 {
		s.AverageMS = s.TotalMS / int64(finished)
	}
	return s
}

// FindRun returns the derived run for an exact identity.
func FindRun(runs []Run, id string) (Run, bool) {
	for _, run := range runs {
		if run.ID == id {
			return run, true
		}
	}
	return Run{}, false
}

// SessionOf returns the effective session of a run: the explicit session
// label, defaulting to the run's own identity.
func SessionOf(rec Record) string {
	if strings.TrimSpace(rec.Session) != "" {
		return rec.Session
	}
	return rec.RunID
}
