// Package contin decides how a follow-up request reaches a prior run's
// conversation: natively through the harness's resume machinery, or through a
// self-contained fallback prompt composed from the prior run's recorded input
// and report.
package contin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strongdm/agentrun/internal/harness"
	"github.com/strongdm/agentrun/internal/runlog"
)

// Mode selects between native resumption and prompt composition.
type Mode string

const (
	ModeNative   Mode = "native"
	ModeFallback Mode = "fallback"
)

// Fallback reasons are part of the user-visible output of `continue`.
const (
	ReasonMissingIdentifier  = "missing identifier"
	ReasonUnsupportedHarness = "unsupported harness"
)

// Artifact file names read during fallback composition. These mirror the
// launcher's artifact layout.
const (
	inputFile  = "input.md"
	reportFile = "report.md"
)

// Options carries the caller's continuation request.
type Options struct {
	FollowUp string
	// Model overrides the prior run's model when non-empty. Overrides that
	// route to a different harness family are rejected.
	Model string
	// InPlace requests in-place resumption on a family that forks by
	// default.
	InPlace bool
	// Fork requests an explicit fork. Rejected on families that only resume
	// in place.
	Fork bool
}

// Plan is the resolved continuation: which harness and model run the
// follow-up, in which mode, and with what prompt.
type Plan struct {
	Prior          runlog.Run
	Harness        harness.Harness
	Model          string
	Mode           Mode
	FallbackReason string
	// Resume is set in native mode only.
	Resume *harness.ResumeSpec
	// Prompt is the text to launch with: the raw follow-up in native mode,
	// the composed embedding in fallback mode.
	Prompt string
	// Session groups the new run with the prior one.
	Session string
}

// Resolve runs the continuation state machine over a prior run.
func Resolve(prior runlog.Run, opts Options) (Plan, error) {
	if strings.TrimSpace(opts.FollowUp) == "" {
		return Plan{}, fmt.Errorf("follow-up prompt is required")
	}
	if opts.InPlace && opts.Fork {
		return Plan{}, fmt.Errorf("--in-place and --fork are mutually exclusive")
	}
	if prior.Finalize == nil {
		return Plan{}, fmt.Errorf("cannot continue run %s: it has no finalize record (crashed or still running)", prior.ID)
	}

	model := strings.TrimSpace(opts.Model)
	overridden := model != ""
	if !overridden {
		model = prior.Start.Model
	}
	h, err := harness.RouteModel(model)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Prior:   prior,
		Harness: h,
		Model:   model,
		Session: runlog.SessionOf(prior.Start),
	}

	convID := prior.Finalize.ConversationID
	if convID == "" {
		return fallback(plan, prior, opts, ReasonMissingIdentifier)
	}
	if overridden && h.Name() != prior.Start.Harness {
		return Plan{}, fmt.Errorf("continuation must stay within one harness family: run %s used %s, model %q routes to %s",
			prior.ID, prior.Start.Harness, model, h.Name())
	}
	if !h.SupportsContinuation() {
		return fallback(plan, prior, opts, ReasonUnsupportedHarness)
	}

	switch h.ContinuationStyle() {
	case harness.ContinueInPlace:
		if opts.Fork {
			return Plan{}, fmt.Errorf("harness %s resumes in place and cannot fork a conversation branch", h.Name())
		}
		plan.Resume = &harness.ResumeSpec{ConversationID: convID, InPlace: true}
	case harness.ContinueForkDefault:
		plan.Resume = &harness.ResumeSpec{ConversationID: convID, InPlace: opts.InPlace}
	default:
		return fallback(plan, prior, opts, ReasonUnsupportedHarness)
	}

	plan.Mode = ModeNative
	plan.Prompt = opts.FollowUp
	return plan, nil
}

func fallback(plan Plan, prior runlog.Run, opts Options, reason string) (Plan, error) {
	prompt, err := ComposeFallback(prior, opts.FollowUp)
	if err != nil {
		return Plan{}, err
	}
	plan.Mode = ModeFallback
	plan.FallbackReason = reason
	plan.Prompt = prompt
	plan.Resume = nil
	return plan, nil
}

// ComposeFallback builds a self-contained prompt embedding the prior run's
// request and report plus the new follow-up. Both artifacts must be readable;
// there is no partial fallback.
func ComposeFallback(prior runlog.Run, followUp string) (string, error) {
	dir := prior.Start.ArtifactDir
	input, err := os.ReadFile(filepath.Join(dir, inputFile))
	if err != nil {
		return "", fmt.Errorf("cannot compose fallback for run %s: original input unreadable: %w", prior.ID, err)
	}
	report, err := os.ReadFile(filepath.Join(dir, reportFile))
	if err != nil {
		return "", fmt.Errorf("cannot compose fallback for run %s: original report unreadable: %w", prior.ID, err)
	}

	var b strings.Builder
	b.WriteString("This is a follow-up to a previous agent run. The original conversation is not available, so its request and outcome are included below for context.\n")
	b.WriteString("\n## Original request\n\n")
	b.WriteString(strings.TrimRight(string(input), "\n"))
	b.WriteString("\n\n## Outcome of the previous run\n\n")
	b.WriteString(strings.TrimRight(string(report), "\n"))
	b.WriteString("\n\n## Follow-up request\n\n")
	b.WriteString(strings.TrimSpace(followUp))
	b.WriteString("\n")
	return b.String(), nil
}
