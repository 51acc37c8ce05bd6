package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArchiveDirName holds dated overflow files next to the active index.
const ArchiveDirName = "archive"

// ArchivePlan is what a maintenance pass would (or did) move.
type ArchivePlan struct {
	ArchivedRuns    int
	ArchivedRecords int
	KeptRecords     int
	// Files maps archive file names to the record count destined for each.
	Files map[string]int
}

// Archive moves finalized records older than cutoff into dated archive files
// and rewrites the active index with everything else. A run without a
// finalize record is never archived regardless of age: crash evidence must
// stay visible. With dryRun set, nothing is mutated and the returned plan
// reports what would happen.
//
// The whole pass, load included, runs under the index lock: the rewrite must
// not be based on a snapshot a concurrent invocation has appended past, or
// the rename would erase the newer records.
func Archive(w *Writer, cutoff time.Time, dryRun bool) (ArchivePlan, error) {
	plan := ArchivePlan{Files: map[string]int{}}
	err := w.mutate(func() error {
		recs, _, err := LoadRecords(w.IndexPath)
		if err != nil {
			return err
		}

		// Pair up records first: only runs whose finalize exists and predates
		// the cutoff move.
		finalized := map[string]time.Time{}
		for _, rec := range recs {
			if rec.Kind == KindFinalize {
				finalized[rec.RunID] = rec.Time
			}
		}
		shouldArchive := func(rec Record) bool {
			finAt, ok := finalized[rec.RunID]
			return ok && finAt.Before(cutoff)
		}

		var kept []Record
		byFile := map[string][]Record{}
		for _, rec := range recs {
			if !shouldArchive(rec) {
				kept = append(kept, rec)
				continue
			}
			name := fmt.Sprintf("index-%s.jsonl", finalized[rec.RunID].UTC().Format("2006-01"))
			byFile[name] = append(byFile[name], rec)
			plan.ArchivedRecords++
			if rec.Kind == KindFinalize {
				plan.ArchivedRuns++
			}
		}
		plan.KeptRecords = len(kept)
		for name, batch := range byFile {
			plan.Files[name] = len(batch)
		}
		if dryRun || plan.ArchivedRecords == 0 {
			return nil
		}

		archiveDir := filepath.Join(filepath.Dir(w.IndexPath), ArchiveDirName)
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return err
		}
		for name, batch := range byFile {
			if err := appendRecords(filepath.Join(archiveDir, name), batch); err != nil {
				return err
			}
		}
		// Rewrite the active index via temp-file rename so a crash mid-pass
		// never leaves a truncated log.
		tmp := w.IndexPath + ".tmp"
		if err := writeRecords(tmp, kept); err != nil {
			return err
		}
		return os.Rename(tmp, w.IndexPath)
	})
	return plan, err
}

func appendRecords(path string, recs []Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		line, err := rec.Encode()
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func writeRecords(path string, recs []Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		line, err := rec.Encode()
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// LoadAll reads the active index plus every archive file, for queries that
// must see archived history.
func LoadAll(indexPath string) ([]Record, error) {
	recs, _, err := LoadRecords(indexPath)
	if err != nil {
		return nil, err
	}
	archiveDir := filepath.Join(filepath.Dir(indexPath), ArchiveDirName)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return recs, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		more, _, err := LoadRecords(filepath.Join(archiveDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		recs = append(recs, more...)
	}
	return recs, nil
}
