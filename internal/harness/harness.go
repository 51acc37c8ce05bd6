// Package harness models the three supported agent CLI families and the
// routing from a model identifier to one of them.
//
// Each family knows how to spell its own invocation: flag set, sandbox/tool
// policy translation, variant (reasoning effort) spelling, whether the prompt
// travels on stdin or as a trailing argument, and how conversation resumption
// is requested. The launcher and the continuation resolver program against
// the Harness interface only.
package harness

import (
	"fmt"
	"os"
	"strings"
)

func envOr(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// PromptDelivery selects how the composed prompt reaches the child process.
type PromptDelivery string

const (
	// DeliverStdin pipes the prompt to the child's standard input.
	DeliverStdin PromptDelivery = "stdin"
	// DeliverArg appends the prompt as a trailing positional argument.
	DeliverArg PromptDelivery = "arg"
)

// ContinuationStyle describes a family's native conversation resumption.
type ContinuationStyle string

const (
	// ContinueInPlace resumes the original conversation and never forks.
	ContinueInPlace ContinuationStyle = "in_place"
	// ContinueForkDefault forks a new conversation branch unless the caller
	// explicitly asks for in-place resumption.
	ContinueForkDefault ContinuationStyle = "fork_default"
	// ContinueUnsupported means the family has no reliable native resume.
	ContinueUnsupported ContinuationStyle = "unsupported"
)

// ToolPolicy carries the caller's tool/sandbox request. When Sandbox is empty
// and Unrestricted is false, each family translates Tools its own way: codex
// infers a coarse sandbox tier, claude and gemini pass fine-grained
// allow-lists.
type ToolPolicy struct {
	Tools        []string
	Sandbox      string
	Unrestricted bool
}

// ResumeSpec asks for native continuation of a prior conversation.
type ResumeSpec struct {
	ConversationID string
	InPlace        bool
}

// Invocation is everything a family needs to compose an argument vector.
type Invocation struct {
	Model   string
	Variant string
	Policy  ToolPolicy
	WorkDir string
	Resume  *ResumeSpec
}

// Command is the composed child-process invocation. Env holds extra
// KEY=VALUE entries appended to the inherited environment.
type Command struct {
	Executable string
	Args       []string
	Env        []string
	Prompt     PromptDelivery
}

// Outcome is what a family can recover from a run's raw output stream. All
// fields are best-effort except ReportText, whose absence the launcher
// compensates for with a synthesized report.
type Outcome struct {
	ReportText     string
	ConversationID string
	InputTokens    int64
	OutputTokens   int64
	// ErrorEvent is the first in-stream error marker, empty when none was
	// seen. A non-empty value downgrades an otherwise-successful exit.
	ErrorEvent string
	// ToolCalls tallies tool invocations by tool name.
	ToolCalls map[string]int
}

type Harness interface {
	Name() string
	Executable() string
	BuildCommand(inv Invocation) (Command, error)
	PromptDelivery() PromptDelivery
	SupportsContinuation() bool
	ContinuationStyle() ContinuationStyle
	ExtractOutcome(outputPath string) (Outcome, error)
}

// ForName returns the family implementation for a harness name.
func ForName(name string) (Harness, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude":
		return claudeHarness{}, nil
	case "codex":
		return codexHarness{}, nil
	case "gemini":
		return geminiHarness{}, nil
	default:
		return nil, fmt.Errorf("unknown harness %q (want claude, codex, or gemini)", name)
	}
}

// modelRoutes is the closed, ordered rule set for model routing. First match
// wins; matching is prefix-based on the lowercased model identifier.
var modelRoutes = []struct {
	prefixes []string
	harness  string
}{
	{[]string{"claude", "opus", "sonnet", "haiku"}, "claude"},
	{[]string{"gpt", "codex", "o1", "o3", "o4"}, "codex"},
	{[]string{"gemini"}, "gemini"},
}

// RouteModel maps a model identifier to its harness family.
func RouteModel(model string) (Harness, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return nil, fmt.Errorf("model is required")
	}
	for _, route := range modelRoutes {
		for _, p := range route.prefixes {
			if strings.HasPrefix(m, p) {
				return ForName(route.harness)
			}
		}
	}
	return nil, fmt.Errorf("no harness family matches model %q", model)
}
