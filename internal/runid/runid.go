// Package runid generates run identities and allocates per-run artifact
// directories.
//
// A run identity is four components joined by "__":
//
//	<UTC timestamp>__<agent label>__<sanitized model>__<pid>-<entropy>
//
// The separator is reserved and is stripped from every component. The entropy
// suffix keeps identities unique even when a retry reuses the original run's
// metadata within the same second and process.
package runid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Separator joins identity components and may not appear inside any component.
const Separator = "__"

const timestampLayout = "20060102T150405Z"

// entropyLen is the number of trailing ULID characters appended to the pid
// component.
const entropyLen = 4

// New composes a run identity from the launch time, an optional logical-agent
// label, the model identifier, and the launching process id.
func New(now time.Time, agentLabel string, model string, pid int) string {
	ts := now.UTC().Format(timestampLayout)
	label := sanitizeComponent(agentLabel)
	if label == "" {
		label = "-"
	}
	entropy := strings.ToLower(ulid.Make().String())
	entropy = entropy[len(entropy)-entropyLen:]
	proc := fmt.Sprintf("%d-%s", pid, entropy)
	return strings.Join([]string{ts, label, SanitizeModel(model), proc}, Separator)
}

// SanitizeModel normalizes a model identifier for embedding in a run identity:
// path separators become "-", the result is lowercased, and the reserved
// separator is stripped.
func SanitizeModel(model string) string {
	s := strings.TrimSpace(strings.ToLower(model))
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, string(os.PathSeparator), "-")
	return sanitizeComponent(s)
}

func sanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	for strings.Contains(s, Separator) {
		s = strings.ReplaceAll(s, Separator, "_")
	}
	return s
}

// StateRoot resolves the directory holding the shared index, the lock, and
// per-run artifact directories. AGENTRUN_STATE_DIR overrides; otherwise the
// XDG state directory convention applies.
func StateRoot() string {
	if override := strings.TrimSpace(os.Getenv("AGENTRUN_STATE_DIR")); override != "" {
		if abs, err := filepath.Abs(override); err == nil {
			return abs
		}
		return override
	}
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "agentrun")
}

// ArtifactDir creates and returns the artifact directory for a run.
func ArtifactDir(stateRoot string, id string) (string, error) {
	dir := filepath.Join(stateRoot, "runs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
