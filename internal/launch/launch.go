// Package launch executes a harness as a supervised child process and owns
// the full run lifecycle: identity, artifact directory, start/finalize index
// records, stream capture, timeout and signal handling, and result
// classification.
package launch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/strongdm/agentrun/internal/config"
	"github.com/strongdm/agentrun/internal/gitutil"
	"github.com/strongdm/agentrun/internal/harness"
	"github.com/strongdm/agentrun/internal/runid"
	"github.com/strongdm/agentrun/internal/runlog"
)

// Artifact file names inside a run's directory.
const (
	ParamsFile = "params.json"
	InputFile  = "input.md"
	OutputFile = "output.jsonl"
	StderrFile = "stderr.log"
	ReportFile = "report.md"
)

// Request describes one run to launch. The prompt arrives already composed;
// Modifiers is the provenance record of which named snippets went into it.
type Request struct {
	Model      string
	Prompt     string
	Variant    string
	AgentLabel string
	Session    string
	Modifiers  []string
	Labels     map[string]string
	Policy     harness.ToolPolicy
	Timeout    time.Duration
	WorkDir    string
	Resume     *harness.ResumeSpec

	// Predecessor links for continuation and retry runs.
	Continues string
	Retries   string
}

// Result is what the caller gets back after the child exits.
type Result struct {
	RunID          string
	ExitCode       int
	Status         runlog.Status
	Failure        runlog.FailureReason
	Report         string
	ArtifactDir    string
	ConversationID string
	TouchedFiles   []string
	Duration       time.Duration
}

type Launcher struct {
	StateRoot string
	Writer    *runlog.Writer
	Cfg       *config.Config
	Logger    *slog.Logger

	// Stderr receives the tee of the child's diagnostic stream, normally the
	// caller's terminal.
	Stderr io.Writer

	Now func() time.Time
}

func NewLauncher(stateRoot string, cfg *config.Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		StateRoot: stateRoot,
		Writer:    runlog.NewWriter(stateRoot, cfg.LockTimeout(), logger),
		Cfg:       cfg,
		Logger:    logger,
		Stderr:    os.Stderr,
		Now:       time.Now,
	}
}

// ResolveHarness routes the model, substituting the configured fallback pair
// for unmatched names. The substitution is warned about, never silent.
func (l *Launcher) ResolveHarness(model string) (harness.Harness, string, error) {
	h, err := harness.RouteModel(model)
	if err == nil {
		return h, model, nil
	}
	fb := l.Cfg.Fallback
	if fb.Harness == "" || fb.Model == "" {
		return nil, "", err
	}
	fh, ferr := harness.ForName(fb.Harness)
	if ferr != nil {
		return nil, "", fmt.Errorf("fallback harness: %w", ferr)
	}
	l.Logger.Warn("model did not match any harness family, substituting fallback",
		"model", model, "fallback_harness", fb.Harness, "fallback_model", fb.Model)
	return fh, fb.Model, nil
}

// Run launches one harness invocation and blocks until it exits, times out,
// or is interrupted. Errors returned before the start record is written are
// caller or environment errors with no run created; once the start record
// exists every outcome is expressed as a finalize record plus a Result.
func (l *Launcher) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}
	labels, err := runlog.NormalizeLabels(req.Labels)
	if err != nil {
		return Result{}, err
	}

	h, model, err := l.ResolveHarness(req.Model)
	if err != nil {
		return Result{}, err
	}

	workDir := req.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return Result{}, err
		}
	}

	now := l.Now().UTC()
	id := runid.New(now, req.AgentLabel, model, os.Getpid())
	artifactDir, err := runid.ArtifactDir(l.StateRoot, id)
	if err != nil {
		return Result{}, err
	}

	session := strings.TrimSpace(req.Session)
	if session == "" {
		session = id
	}

	cmdSpec, err := h.BuildCommand(harness.Invocation{
		Model:   model,
		Variant: req.Variant,
		Policy:  req.Policy,
		WorkDir: workDir,
		Resume:  req.Resume,
	})
	if err != nil {
		return Result{}, err
	}

	if err := os.WriteFile(filepath.Join(artifactDir, InputFile), []byte(req.Prompt), 0o644); err != nil {
		return Result{}, err
	}
	if err := l.writeParams(artifactDir, id, req, h.Name(), model, session, cmdSpec, labels); err != nil {
		return Result{}, err
	}

	// Best-effort pre-run version-control state, captured before launch so
	// the undo path has a revision marker to revert to.
	var git *runlog.GitMeta
	if gitutil.Available() && gitutil.IsRepo(workDir) {
		git = &runlog.GitMeta{}
		if sha, err := gitutil.HeadSHA(workDir); err == nil {
			git.PreSHA = sha
		}
		if branch, err := gitutil.Branch(workDir); err == nil {
			git.Branch = branch
		}
		if status, err := gitutil.StatusPorcelain(workDir); err == nil {
			git.Dirty = strings.TrimSpace(status) != ""
		}
	}

	start := runlog.Record{
		Kind:        runlog.KindStart,
		RunID:       id,
		Time:        now,
		WorkDir:     workDir,
		Session:     session,
		Model:       model,
		Harness:     h.Name(),
		Variant:     req.Variant,
		Modifiers:   req.Modifiers,
		Labels:      labels,
		ArtifactDir: artifactDir,
	}
	// The start record lands before the child exists: a hard kill from here
	// on leaves detectable crash evidence.
	if err := l.Writer.AppendStart(start); err != nil {
		return Result{}, fmt.Errorf("append start record: %w", err)
	}

	res := l.execute(ctx, id, artifactDir, workDir, req, cmdSpec)

	outputPath := filepath.Join(artifactDir, OutputFile)
	stderrPath := filepath.Join(artifactDir, StderrFile)

	// Recover what the stream holds. Best-effort: extraction failures degrade
	// the record's detail, never the run.
	outcome, exErr := h.ExtractOutcome(outputPath)
	if exErr != nil {
		l.Logger.Warn("outcome extraction failed", "run", id, "error", exErr)
	}

	// Fail-fast checks: a claimed success with no evidence, or with an
	// in-stream error event, is not a success.
	if res.Status == runlog.StatusCompleted {
		if size := fileSize(outputPath); size == 0 {
			res.Status = runlog.StatusFailed
			res.Failure = runlog.FailureInfraError
			res.ExitCode = ExitInfraError
			res.synthReason = "harness reported success but produced no output stream"
		} else if outcome.ErrorEvent != "" {
			res.Status = runlog.StatusFailed
			res.Failure = runlog.FailureAgentError
			res.ExitCode = ExitAgentError
			res.synthReason = fmt.Sprintf("error event in output stream: %s", outcome.ErrorEvent)
		}
	}

	report := outcome.ReportText
	if strings.TrimSpace(report) == "" || res.synthReason != "" {
		report = synthesizeReport(outputPath, stderrPath, res.ExitCode, res.synthReason)
	}
	reportPath := filepath.Join(artifactDir, ReportFile)
	if err := os.WriteFile(reportPath, []byte(report), 0o644); err != nil {
		l.Logger.Warn("write report", "run", id, "error", err)
	}

	touched, tErr := DeriveTouched(outputPath)
	if tErr != nil {
		l.Logger.Warn("derive touched files", "run", id, "error", tErr)
	}
	if err := WriteManifests(artifactDir, touched); err != nil {
		l.Logger.Warn("write touched manifests", "run", id, "error", err)
	}

	if git != nil {
		if sha, err := gitutil.HeadSHA(workDir); err == nil {
			git.PostSHA = sha
		}
	}

	fin := runlog.Record{
		Kind:           runlog.KindFinalize,
		RunID:          id,
		Time:           l.Now().UTC(),
		Status:         res.Status,
		ExitCode:       &res.ExitCode,
		DurationMS:     res.Duration.Milliseconds(),
		Failure:        res.Failure,
		OutputPath:     outputPath,
		ReportPath:     reportPath,
		ConversationID: outcome.ConversationID,
		Git:            git,
		InputTokens:    outcome.InputTokens,
		OutputTokens:   outcome.OutputTokens,
		Continues:      req.Continues,
		Retries:        req.Retries,
		TouchedFiles:   touched,
		TouchedHashes:  HashFiles(workDir, touched),
	}
	if err := l.Writer.AppendFinalize(fin); err != nil {
		return Result{}, fmt.Errorf("append finalize record: %w", err)
	}

	return Result{
		RunID:          id,
		ExitCode:       res.ExitCode,
		Status:         res.Status,
		Failure:        res.Failure,
		Report:         report,
		ArtifactDir:    artifactDir,
		ConversationID: outcome.ConversationID,
		TouchedFiles:   touched,
		Duration:       res.Duration,
	}, nil
}

// execResult is the raw supervision outcome before post-exit checks.
type execResult struct {
	ExitCode    int
	Status      runlog.Status
	Failure     runlog.FailureReason
	Duration    time.Duration
	synthReason string
}

func (l *Launcher) execute(ctx context.Context, id string, artifactDir string, workDir string, req Request, spec harness.Command) execResult {
	outputPath := filepath.Join(artifactDir, OutputFile)
	stderrPath := filepath.Join(artifactDir, StderrFile)

	args := spec.Args
	if spec.Prompt == harness.DeliverArg {
		args = append(append([]string{}, args...), req.Prompt)
	}

	cmd := exec.Command(spec.Executable, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Prompt == harness.DeliverStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	} else {
		// Never let the CLI read the terminal for confirmations.
		cmd.Stdin = strings.NewReader("")
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return execResult{ExitCode: ExitInfraError, Status: runlog.StatusFailed,
			Failure: runlog.FailureInfraError, synthReason: err.Error()}
	}
	defer func() { _ = outFile.Close() }()
	errFile, err := os.Create(stderrPath)
	if err != nil {
		return execResult{ExitCode: ExitInfraError, Status: runlog.StatusFailed,
			Failure: runlog.FailureInfraError, synthReason: err.Error()}
	}
	defer func() { _ = errFile.Close() }()

	cmd.Stdout = outFile
	if l.Stderr != nil {
		cmd.Stderr = io.MultiWriter(errFile, l.Stderr)
	} else {
		cmd.Stderr = errFile
	}

	startAt := l.Now()
	if err := cmd.Start(); err != nil {
		return execResult{
			ExitCode: ExitInfraError, Status: runlog.StatusFailed,
			Failure:  runlog.FailureInfraError,
			Duration: l.Now().Sub(startAt),
			synthReason: fmt.Sprintf("failed to launch %s: %v", spec.Executable, err),
		}
	}

	waitErr, timedOut, sig := l.supervise(ctx, cmd, req.Timeout)
	dur := l.Now().Sub(startAt)

	rawCode := -1
	if cmd.ProcessState != nil {
		rawCode = cmd.ProcessState.ExitCode()
	}
	code, status, failure := classifyExit(waitErr, rawCode, timedOut, sig)

	reason := ""
	if timedOut {
		reason = fmt.Sprintf("run exceeded the %s wall-clock limit", req.Timeout)
	} else if sig != 0 {
		reason = fmt.Sprintf("run interrupted by signal %s", sig)
	}
	return execResult{ExitCode: code, Status: status, Failure: failure, Duration: dur, synthReason: reason}
}

// supervise waits for the child while watching the wall clock, the caller's
// context, and interrupt/termination signals. Termination is always two
// stage: SIGTERM to the process group, a grace period for the child to flush
// its logs, then SIGKILL.
func (l *Launcher) supervise(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (waitErr error, timedOut bool, sig syscall.Signal) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	grace := l.Cfg.GracePeriod()
	if grace <= 0 {
		grace = 5 * time.Second
	}

	for {
		select {
		case err := <-waitCh:
			return err, false, 0
		case <-timeoutCh:
			err := l.terminate(cmd, waitCh, grace)
			return err, true, 0
		case s := <-sigCh:
			got := syscall.SIGTERM
			if s == os.Interrupt {
				got = syscall.SIGINT
			}
			err := l.terminate(cmd, waitCh, grace)
			return err, false, got
		case <-ctx.Done():
			err := l.terminate(cmd, waitCh, grace)
			return err, false, syscall.SIGTERM
		}
	}
}

// terminate performs the graceful-then-forceful stop and waits for the child
// to be reaped.
func (l *Launcher) terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
		l.Logger.Warn("SIGTERM process group", "error", err)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}
	if err := killProcessGroup(cmd, syscall.SIGKILL); err != nil {
		l.Logger.Warn("SIGKILL process group", "error", err)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for process exit after SIGKILL")
	}
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// writeParams records the static invocation parameters. The prompt is
// replaced with a placeholder in the recorded argv; the composed text lives
// in input.md.
func (l *Launcher) writeParams(artifactDir string, id string, req Request, harnessName string, model string, session string, spec harness.Command, labels map[string]string) error {
	recordedArgs := spec.Args
	if spec.Prompt == harness.DeliverArg {
		recordedArgs = append(append([]string{}, spec.Args...), "<prompt>")
	}
	params := map[string]any{
		"run_id":       id,
		"model":        model,
		"harness":      harnessName,
		"variant":      req.Variant,
		"session":      session,
		"modifiers":    req.Modifiers,
		"labels":       labels,
		"executable":   spec.Executable,
		"argv":         recordedArgs,
		"prompt_mode":  string(spec.Prompt),
		"prompt_bytes": len(req.Prompt),
		"extra_env":    spec.Env,
		"timeout_ms":   req.Timeout.Milliseconds(),
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(params); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(artifactDir, ParamsFile), buf.Bytes(), 0o644)
}

// HashFiles computes blake3 content hashes for the given workdir-relative
// paths. Missing files are skipped: a deleted touched file simply has no
// hash.
func HashFiles(workDir string, paths []string) map[string]string {
	if len(paths) == 0 {
		return nil
	}
	out := map[string]string{}
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(workDir, p)
		}
		b, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		sum := blake3.Sum256(b)
		out[p] = hex.EncodeToString(sum[:])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
