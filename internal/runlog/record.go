// Package runlog owns the shared append-only run index: the two-phase
// start/finalize records, the locking writer, the derived per-run view, run
// reference resolution, and archive maintenance.
package runlog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind discriminates the two record kinds sharing one physical log.
type Kind string

const (
	KindStart    Kind = "start"
	KindFinalize Kind = "finalize"
)

// Status is the effective state of a derived run, and the terminal state
// written on finalize records.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailureReason is the closed failure classification on finalize records.
type FailureReason string

const (
	FailureNone        FailureReason = ""
	FailureAgentError  FailureReason = "agent_error"
	FailureInfraError  FailureReason = "infra_error"
	FailureTimeout     FailureReason = "timeout"
	FailureInterrupted FailureReason = "interrupted"
)

func ParseFailureReason(s string) (FailureReason, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return FailureNone, nil
	case "agent_error", "agent-error", "agent":
		return FailureAgentError, nil
	case "infra_error", "infra-error", "infra", "infrastructure":
		return FailureInfraError, nil
	case "timeout":
		return FailureTimeout, nil
	case "interrupted", "interrupt":
		return FailureInterrupted, nil
	default:
		return "", fmt.Errorf("invalid failure reason: %q", s)
	}
}

// GitMeta is best-effort version-control metadata captured around a run.
type GitMeta struct {
	Branch  string `json:"branch,omitempty"`
	PreSHA  string `json:"pre_sha,omitempty"`
	PostSHA string `json:"post_sha,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

// Record is one physical line of the index log. Start and finalize records
// share the struct; the Kind field decides which field groups are meaningful.
type Record struct {
	Kind  Kind      `json:"record"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	// Start fields.
	WorkDir     string            `json:"work_dir,omitempty"`
	Session     string            `json:"session,omitempty"`
	Model       string            `json:"model,omitempty"`
	Harness     string            `json:"harness,omitempty"`
	Variant     string            `json:"variant,omitempty"`
	Modifiers   []string          `json:"modifiers,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	ArtifactDir string            `json:"artifact_dir,omitempty"`

	// Finalize fields.
	Status         Status            `json:"status,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	DurationMS     int64             `json:"duration_ms,omitempty"`
	Failure        FailureReason     `json:"failure_reason,omitempty"`
	OutputPath     string            `json:"output_path,omitempty"`
	ReportPath     string            `json:"report_path,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Git            *GitMeta          `json:"git,omitempty"`
	InputTokens    int64             `json:"input_tokens,omitempty"`
	OutputTokens   int64             `json:"output_tokens,omitempty"`
	Continues      string            `json:"continues,omitempty"`
	Retries        string            `json:"retries,omitempty"`
	TouchedFiles   []string          `json:"touched_files,omitempty"`
	TouchedHashes  map[string]string `json:"touched_hashes,omitempty"`
}

func (r *Record) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("record missing run_id")
	}
	if r.Time.IsZero() {
		return fmt.Errorf("record %s missing time", r.RunID)
	}
	switch r.Kind {
	case KindStart:
		if r.Model == "" || r.Harness == "" {
			return fmt.Errorf("start record %s missing model/harness", r.RunID)
		}
	case KindFinalize:
		if r.Status != StatusCompleted && r.Status != StatusFailed {
			return fmt.Errorf("finalize record %s has invalid status %q", r.RunID, r.Status)
		}
		if r.ExitCode == nil {
			return fmt.Errorf("finalize record %s missing exit_code", r.RunID)
		}
	default:
		return fmt.Errorf("record %s has invalid kind %q", r.RunID, r.Kind)
	}
	return nil
}

// Encode serializes the record as a single JSON line including the trailing
// newline. All index writes go through here so that escaping is never done
// by hand.
func (r *Record) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeRecord parses one index line.
func DecodeRecord(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, err
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// TaskTypeLabel is the reserved label key always present on a run.
const TaskTypeLabel = "task-type"

// DefaultTaskType is the value of the reserved label when the caller supplies
// none.
const DefaultTaskType = "coding"

var labelKeyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// NormalizeLabels validates label keys against the safe character class and
// applies the reserved task-type default.
func NormalizeLabels(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		if !labelKeyRe.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q (want lowercase alphanumerics, dot, dash, underscore)", k)
		}
		out[k] = v
	}
	if out[TaskTypeLabel] == "" {
		out[TaskTypeLabel] = DefaultTaskType
	}
	return out, nil
}

// SortedLabelKeys is a stable ordering for display.
func SortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
