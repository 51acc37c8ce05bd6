package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestArchive_MovesOldFinalizedRuns(t *testing.T) {
	w := testWriter(t)
	old := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()

	if err := w.AppendStart(startRecord("old-run", old)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFinalize(finalizeRecord("old-run", old.Add(time.Minute), StatusCompleted, 0)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendStart(startRecord("new-run", recent)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFinalize(finalizeRecord("new-run", recent, StatusCompleted, 0)); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	plan, err := Archive(w, cutoff, false)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if plan.ArchivedRuns != 1 || plan.ArchivedRecords != 2 || plan.KeptRecords != 2 {
		t.Fatalf("plan=%+v", plan)
	}

	active, _, err := LoadRecords(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range active {
		if rec.RunID == "old-run" {
			t.Fatal("archived run still in active index")
		}
	}

	archived, _, err := LoadRecords(filepath.Join(filepath.Dir(w.IndexPath), ArchiveDirName, "index-2026-01.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 2 {
		t.Fatalf("archive file has %d records", len(archived))
	}

	all, err := LoadAll(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("LoadAll sees %d records, want 4", len(all))
	}
}

func TestArchive_NeverArchivesFinalizelessRuns(t *testing.T) {
	w := testWriter(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := w.AppendStart(startRecord("crashed-run", old)); err != nil {
		t.Fatal(err)
	}

	// Even a cutoff far in the future must not hide crash evidence.
	for _, cutoff := range []time.Time{{}, time.Now().Add(100 * 365 * 24 * time.Hour)} {
		plan, err := Archive(w, cutoff, false)
		if err != nil {
			t.Fatalf("Archive: %v", err)
		}
		if plan.ArchivedRecords != 0 {
			t.Fatalf("cutoff %v archived crash evidence: %+v", cutoff, plan)
		}
	}

	recs, _, err := LoadRecords(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].RunID != "crashed-run" {
		t.Fatalf("active index=%+v", recs)
	}
}

func TestArchive_DryRunMutatesNothing(t *testing.T) {
	w := testWriter(t)
	old := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	if err := w.AppendStart(startRecord("old-run", old)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFinalize(finalizeRecord("old-run", old.Add(time.Minute), StatusCompleted, 0)); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}

	plan, err := Archive(w, time.Now(), true)
	if err != nil {
		t.Fatalf("Archive dry-run: %v", err)
	}
	if plan.ArchivedRuns != 1 {
		t.Fatalf("dry-run plan=%+v", plan)
	}

	after, err := os.ReadFile(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("dry run rewrote the index")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(w.IndexPath), ArchiveDirName)); !os.IsNotExist(err) {
		t.Fatal("dry run created the archive directory")
	}
}

func TestArchive_ConcurrentAppendsSurviveRewrite(t *testing.T) {
	w := testWriter(t)
	old := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	if err := w.AppendStart(startRecord("old-run", old)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFinalize(finalizeRecord("old-run", old.Add(time.Minute), StatusCompleted, 0)); err != nil {
		t.Fatal(err)
	}

	// Appends race the load-pair-rewrite pass; the rewrite runs under the
	// same lock as the appends, so none of them may be erased.
	const appended = 40
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	done := make(chan error, 1)
	go func() {
		now := time.Now().UTC()
		for i := 0; i < appended; i++ {
			id := fmt.Sprintf("recent-%02d", i)
			if err := w.AppendStart(startRecord(id, now)); err != nil {
				done <- err
				return
			}
			if err := w.AppendFinalize(finalizeRecord(id, now.Add(time.Millisecond), StatusCompleted, 0)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("append: %v", err)
			}
		default:
			if _, err := Archive(w, cutoff, false); err != nil {
				t.Fatalf("Archive: %v", err)
			}
			continue
		}
		break
	}
	if _, err := Archive(w, cutoff, false); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	all, err := LoadAll(w.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, rec := range all {
		counts[rec.RunID]++
	}
	if counts["old-run"] != 2 {
		t.Fatalf("old-run records = %d, want 2", counts["old-run"])
	}
	for i := 0; i < appended; i++ {
		id := fmt.Sprintf("recent-%02d", i)
		if counts[id] != 2 {
			t.Fatalf("%s has %d record(s) after concurrent archiving, want 2", id, counts[id])
		}
	}
}
