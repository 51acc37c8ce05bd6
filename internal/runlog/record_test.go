package runlog

import (
	"bytes"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func startRecord(id string, at time.Time) Record {
	return Record{
		Kind:    KindStart,
		RunID:   id,
		Time:    at,
		Model:   "gpt-5.3-codex",
		Harness: "codex",
		Session: id,
		Labels:  map[string]string{TaskTypeLabel: DefaultTaskType},
	}
}

func finalizeRecord(id string, at time.Time, status Status, exit int) Record {
	return Record{
		Kind:     KindFinalize,
		RunID:    id,
		Time:     at,
		Status:   status,
		ExitCode: intp(exit),
	}
}

func TestRecord_EncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := finalizeRecord("r1", now, StatusFailed, 3)
	rec.Failure = FailureTimeout
	rec.DurationMS = 4500
	rec.TouchedFiles = []string{"a.go", "b.go"}
	rec.TouchedHashes = map[string]string{"a.go": "deadbeef"}
	rec.Git = &GitMeta{Branch: "main", PreSHA: "abc", PostSHA: "def"}

	line, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) || bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("encoded record must be exactly one line: %q", line)
	}
	got, err := DecodeRecord(bytes.TrimSpace(line))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	again, err := got.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(line, again) {
		t.Fatalf("encode/decode/encode not stable:\n%s\n%s", line, again)
	}
}

func TestRecord_ValidateRejects(t *testing.T) {
	now := time.Now()
	cases := []Record{
		{Kind: KindStart, Time: now, Model: "m", Harness: "h"},              // no run id
		{Kind: KindStart, RunID: "r", Time: now},                            // no model
		{Kind: KindFinalize, RunID: "r", Time: now, Status: StatusRunning},  // bad status
		{Kind: KindFinalize, RunID: "r", Time: now, Status: StatusFailed},   // no exit code
		{Kind: "weird", RunID: "r", Time: now},                              // bad kind
		{Kind: KindStart, RunID: "r", Model: "m", Harness: "h"},             // no time
	}
	for i, rec := range cases {
		if err := rec.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, rec)
		}
	}
}

func TestParseFailureReason(t *testing.T) {
	cases := []struct {
		in   string
		want FailureReason
	}{
		{"", FailureNone},
		{"agent_error", FailureAgentError},
		{"infra", FailureInfraError},
		{"TIMEOUT", FailureTimeout},
		{"interrupted", FailureInterrupted},
	}
	for _, tc := range cases {
		got, err := ParseFailureReason(tc.in)
		if err != nil {
			t.Fatalf("ParseFailureReason(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFailureReason(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
	if _, err := ParseFailureReason("gremlins"); err == nil {
		t.Fatal("expected error for unknown reason")
	}
}

func TestNormalizeLabels(t *testing.T) {
	out, err := NormalizeLabels(map[string]string{"team": "infra"})
	if err != nil {
		t.Fatalf("NormalizeLabels: %v", err)
	}
	if out["team"] != "infra" {
		t.Fatalf("labels=%v", out)
	}
	if out[TaskTypeLabel] != DefaultTaskType {
		t.Fatalf("reserved label default missing: %v", out)
	}

	explicit, err := NormalizeLabels(map[string]string{TaskTypeLabel: "review"})
	if err != nil {
		t.Fatal(err)
	}
	if explicit[TaskTypeLabel] != "review" {
		t.Fatalf("explicit task-type overridden: %v", explicit)
	}

	for _, bad := range []string{"Bad", "has space", "-leading", ""} {
		if _, err := NormalizeLabels(map[string]string{bad: "x"}); err == nil {
			t.Fatalf("key %q should be rejected", bad)
		}
	}
}
