package launch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/agentrun/internal/config"
	"github.com/strongdm/agentrun/internal/runlog"
)

// fakeHarness installs a shell script as the claude executable and returns
// its path. The launcher never knows it is not talking to the real CLI.
func fakeHarness(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake harness: %v", err)
	}
	t.Setenv("AGENTRUN_CLAUDE_PATH", path)
	return path
}

func testLauncher(t *testing.T) *Launcher {
	t.Helper()
	cfg := config.Default()
	cfg.GracePeriodMS = 200
	l := NewLauncher(t.TempDir(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Stderr = io.Discard
	return l
}

func loadRuns(t *testing.T, l *Launcher) []runlog.Run {
	t.Helper()
	runs, err := runlog.LoadView(filepath.Join(l.StateRoot, runlog.IndexFileName))
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	return runs
}

func TestRunSuccess(t *testing.T) {
	fakeHarness(t, `
echo '{"type":"system","subtype":"init","session_id":"conv-abc123"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"main.go"}}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"All changes applied.","usage":{"input_tokens":10,"output_tokens":5}}'
`)
	l := testLauncher(t)
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("seed workdir: %v", err)
	}

	res, err := l.Run(context.Background(), Request{
		Model:      "claude-sonnet-4",
		Prompt:     "do the thing",
		AgentLabel: "reviewer",
		WorkDir:    workDir,
		Labels:     map[string]string{"task-type": "review"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusCompleted || res.ExitCode != ExitSuccess {
		t.Fatalf("status/code = %v/%d, want completed/0", res.Status, res.ExitCode)
	}
	if res.ConversationID != "conv-abc123" {
		t.Fatalf("conversation id = %q", res.ConversationID)
	}
	if res.Report != "All changes applied." {
		t.Fatalf("report = %q", res.Report)
	}
	if len(res.TouchedFiles) != 1 || res.TouchedFiles[0] != "main.go" {
		t.Fatalf("touched = %v", res.TouchedFiles)
	}

	input, err := os.ReadFile(filepath.Join(res.ArtifactDir, InputFile))
	if err != nil {
		t.Fatalf("read input.md: %v", err)
	}
	if string(input) != "do the thing" {
		t.Fatalf("input.md = %q", input)
	}
	params, err := os.ReadFile(filepath.Join(res.ArtifactDir, ParamsFile))
	if err != nil {
		t.Fatalf("read params.json: %v", err)
	}
	if strings.Contains(string(params), "do the thing") {
		t.Fatalf("params.json must not embed the prompt text")
	}
	if !strings.Contains(string(params), "<prompt>") {
		t.Fatalf("params.json should record the prompt placeholder")
	}
	for _, name := range []string{ReportFile, TouchedFileNul, TouchedFileTxt, StderrFile} {
		if _, err := os.Stat(filepath.Join(res.ArtifactDir, name)); err != nil {
			t.Fatalf("artifact %s: %v", name, err)
		}
	}

	runs := loadRuns(t, l)
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	run := runs[0]
	if run.Status != runlog.StatusCompleted {
		t.Fatalf("derived status = %v", run.Status)
	}
	if run.Start.Labels["task-type"] != "review" {
		t.Fatalf("labels = %v", run.Start.Labels)
	}
	fin := run.Finalize
	if fin == nil {
		t.Fatalf("finalize record missing")
	}
	if fin.InputTokens != 10 || fin.OutputTokens != 5 {
		t.Fatalf("tokens = %d/%d", fin.InputTokens, fin.OutputTokens)
	}
	hash, ok := fin.TouchedHashes["main.go"]
	if !ok || len(hash) != 64 {
		t.Fatalf("touched hash = %q", hash)
	}
}

func TestRunSessionDefaultsToRunID(t *testing.T) {
	fakeHarness(t, `echo '{"type":"result","result":"ok"}'`)
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	runs := loadRuns(t, l)
	if runs[0].Start.Session != res.RunID {
		t.Fatalf("session = %q, want run id %q", runs[0].Start.Session, res.RunID)
	}
}

func TestRunAgentFailure(t *testing.T) {
	fakeHarness(t, `
echo '{"type":"result","result":"could not finish"}'
exit 7
`)
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitAgentError {
		t.Fatalf("status/code = %v/%d, want failed/1", res.Status, res.ExitCode)
	}
	if res.Failure != runlog.FailureAgentError {
		t.Fatalf("failure = %v", res.Failure)
	}
}

func TestRunEmptyOutputDowngradesSuccess(t *testing.T) {
	fakeHarness(t, `exit 0`)
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitInfraError {
		t.Fatalf("status/code = %v/%d, want failed/2", res.Status, res.ExitCode)
	}
	if res.Failure != runlog.FailureInfraError {
		t.Fatalf("failure = %v", res.Failure)
	}
	if !strings.Contains(res.Report, "no output stream") {
		t.Fatalf("report = %q", res.Report)
	}
}

func TestRunErrorEventDowngradesSuccess(t *testing.T) {
	fakeHarness(t, `
echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"tool loop aborted"}'
exit 0
`)
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitAgentError {
		t.Fatalf("status/code = %v/%d, want failed/1", res.Status, res.ExitCode)
	}
	if !strings.Contains(res.Report, "tool loop aborted") {
		t.Fatalf("report = %q", res.Report)
	}
}

func TestRunTimeout(t *testing.T) {
	fakeHarness(t, `
echo '{"type":"system","subtype":"init","session_id":"conv-slow"}'
sleep 30
`)
	l := testLauncher(t)
	start := time.Now()
	res, err := l.Run(context.Background(), Request{
		Model:   "claude-sonnet-4",
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout did not stop the child, took %s", elapsed)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitTimeout {
		t.Fatalf("status/code = %v/%d, want failed/3", res.Status, res.ExitCode)
	}
	if res.Failure != runlog.FailureTimeout {
		t.Fatalf("failure = %v", res.Failure)
	}
	runs := loadRuns(t, l)
	if runs[0].Finalize == nil || runs[0].Finalize.Failure != runlog.FailureTimeout {
		t.Fatalf("finalize record missing timeout reason")
	}
}

func TestRunChildTerminatedExternally(t *testing.T) {
	fakeHarness(t, `
echo '{"type":"system","subtype":"init","session_id":"conv-killed"}'
kill -TERM $$
sleep 10
`)
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitTerminated {
		t.Fatalf("status/code = %v/%d, want failed/143", res.Status, res.ExitCode)
	}
	if res.Failure != runlog.FailureInterrupted {
		t.Fatalf("failure = %v", res.Failure)
	}
	runs := loadRuns(t, l)
	fin := runs[0].Finalize
	if fin == nil || fin.Failure != runlog.FailureInterrupted || *fin.ExitCode != ExitTerminated {
		t.Fatalf("finalize record = %+v, want interrupted/143", fin)
	}
}

func TestRunLaunchFailureStillFinalizes(t *testing.T) {
	t.Setenv("AGENTRUN_CLAUDE_PATH", filepath.Join(t.TempDir(), "does-not-exist"))
	l := testLauncher(t)
	res, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusFailed || res.ExitCode != ExitInfraError {
		t.Fatalf("status/code = %v/%d, want failed/2", res.Status, res.ExitCode)
	}
	runs := loadRuns(t, l)
	if len(runs) != 1 || runs[0].Finalize == nil {
		t.Fatalf("launch failure must leave a finalized run, got %v", runs)
	}
}

func TestRunUnknownModelWithoutFallback(t *testing.T) {
	l := testLauncher(t)
	_, err := l.Run(context.Background(), Request{Model: "mystery-9000", Prompt: "p", WorkDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected routing error")
	}
	if _, statErr := os.Stat(filepath.Join(l.StateRoot, runlog.IndexFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("caller error must not create index records")
	}
}

func TestRunFallbackSubstitution(t *testing.T) {
	fakeHarness(t, `echo '{"type":"result","result":"ok"}'`)
	l := testLauncher(t)
	l.Cfg.Fallback.Harness = "claude"
	l.Cfg.Fallback.Model = "claude-sonnet-4"

	res, err := l.Run(context.Background(), Request{Model: "mystery-9000", Prompt: "p", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runlog.StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	runs := loadRuns(t, l)
	if runs[0].Start.Model != "claude-sonnet-4" || runs[0].Start.Harness != "claude" {
		t.Fatalf("recorded model/harness = %q/%q", runs[0].Start.Model, runs[0].Start.Harness)
	}
}

func TestRunRejectsBlankInputs(t *testing.T) {
	l := testLauncher(t)
	if _, err := l.Run(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
	if _, err := l.Run(context.Background(), Request{Model: "claude-sonnet-4"}); err == nil {
		t.Fatalf("expected error for missing prompt")
	}
}

func TestHashFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hashes := HashFiles(dir, []string{"a.txt", "missing.txt"})
	if len(hashes) != 1 {
		t.Fatalf("hashes = %v", hashes)
	}
	if len(hashes["a.txt"]) != 64 {
		t.Fatalf("hash = %q", hashes["a.txt"])
	}
	if HashFiles(dir, nil) != nil {
		t.Fatalf("empty input should yield nil map")
	}
}
