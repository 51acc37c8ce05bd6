package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// IndexFileName is the shared append-only log under the state root.
const IndexFileName = "index.jsonl"

// Writer appends records to the shared index under an exclusive lock.
//
// The lock discipline is acquire, append one line, release; nothing else ever
// happens while the lock is held. When the OS file lock cannot be used, a
// directory-creation lock with capped backoff takes over, and when even that
// times out the writer proceeds unlocked with a logged warning rather than
// hanging a local tool forever.
type Writer struct {
	IndexPath   string
	LockTimeout time.Duration
	Logger      *slog.Logger
}

func NewWriter(stateRoot string, lockTimeout time.Duration, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		IndexPath:   filepath.Join(stateRoot, IndexFileName),
		LockTimeout: lockTimeout,
		Logger:      logger,
	}
}

func (w *Writer) lockPath() string    { return w.IndexPath + ".lock" }
func (w *Writer) dirLockPath() string { return w.IndexPath + ".lock.d" }

// Append writes one record to the index. The start record for a run must be
// appended before its child process launches so that a crash always leaves
// detectable evidence.
func (w *Writer) Append(rec Record) error {
	line, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.IndexPath), 0o755); err != nil {
		return err
	}

	unlock := w.acquire()
	defer unlock()

	f, err := os.OpenFile(w.IndexPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// mutate rewrites the index through fn while holding the lock. Used only by
// the archiver; normal operation is append-only.
func (w *Writer) mutate(fn func() error) error {
	unlock := w.acquire()
	defer unlock()
	return fn()
}

// acquire obtains the index lock with a bounded wait and returns the release
// function. It never fails: after the flock attempt and the directory
// fallback both time out, it logs a warning and lets the caller proceed
// unlocked.
func (w *Writer) acquire() func() {
	timeout := w.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fl := flock.New(w.lockPath())
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err == nil && locked {
		return func() { _ = fl.Unlock() }
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		// Lock primitive unavailable on this filesystem; fall back to the
		// directory lock.
		w.Logger.Warn("index flock unavailable, using directory lock", "error", err)
		if release, ok := w.acquireDirLock(timeout); ok {
			return release
		}
	}
	w.Logger.Warn("index lock not acquired within timeout, proceeding unlocked",
		"timeout", timeout, "lock", w.lockPath())
	return func() {}
}

// acquireDirLock is the mkdir-based mutual exclusion fallback: mkdir is
// atomic on every filesystem, so whoever creates the directory holds the
// lock. Retries back off exponentially up to a cap until the deadline.
func (w *Writer) acquireDirLock(timeout time.Duration) (func(), bool) {
	deadline := time.Now().Add(timeout)
	delay := 25 * time.Millisecond
	const maxDelay = 500 * time.Millisecond
	for {
		err := os.Mkdir(w.dirLockPath(), 0o755)
		if err == nil {
			path := w.dirLockPath()
			return func() { _ = os.Remove(path) }, true
		}
		if !errors.Is(err, os.ErrExist) {
			w.Logger.Warn("directory lock failed", "error", err)
			return nil, false
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// AppendStart appends the start record for a run.
func (w *Writer) AppendStart(rec Record) error {
	rec.Kind = KindStart
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	return w.Append(rec)
}

// AppendFinalize appends the finalize record for a run.
func (w *Writer) AppendFinalize(rec Record) error {
	rec.Kind = KindFinalize
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.ExitCode == nil {
		return fmt.Errorf("finalize for %s requires an exit code", rec.RunID)
	}
	return w.Append(rec)
}
