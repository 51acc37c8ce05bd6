package harness

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// geminiHarness drives the Gemini CLI non-interactively. The prompt is a
// trailing positional argument. Headless conversation resumption is not
// reliable across CLI versions, so continuation always takes the fallback
// prompt-composition path.
type geminiHarness struct{}

func (geminiHarness) Name() string { return "gemini" }

func (geminiHarness) Executable() string { return envOr("AGENTRUN_GEMINI_PATH", "gemini") }

func (geminiHarness) PromptDelivery() PromptDelivery { return DeliverArg }

func (geminiHarness) SupportsContinuation() bool { return false }

func (geminiHarness) ContinuationStyle() ContinuationStyle { return ContinueUnsupported }

func (h geminiHarness) BuildCommand(inv Invocation) (Command, error) {
	if inv.Resume != nil {
		return Command{}, fmt.Errorf("gemini has no native conversation resumption")
	}
	args := []string{"-p", "--output-format", "stream-json", "--model", inv.Model}
	if len(inv.Policy.Tools) > 0 && !inv.Policy.Unrestricted {
		args = append(args, "--allowed-tools", strings.Join(inv.Policy.Tools, ","))
	} else {
		// Non-interactive execution needs auto-approval.
		args = append(args, "--yolo")
	}
	return Command{
		Executable: h.Executable(),
		Args:       args,
		Prompt:     DeliverArg,
	}, nil
}

// geminiStreamEvent is one stream-json NDJSON line from the Gemini CLI.
type geminiStreamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	ToolCall *struct {
		Name string `json:"name"`
	} `json:"tool_call,omitempty"`
	Stats *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"stats,omitempty"`
}

func (geminiHarness) ExtractOutcome(outputPath string) (Outcome, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = f.Close() }()

	out := Outcome{ToolCalls: map[string]int{}}
	var assistantParts []string

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev geminiStreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			out.ConversationID = ev.SessionID
		}
		if ev.Error != nil && ev.Error.Message != "" && out.ErrorEvent == "" {
			out.ErrorEvent = ev.Error.Message
		}
		if ev.ToolCall != nil && ev.ToolCall.Name != "" {
			out.ToolCalls[ev.ToolCall.Name]++
		}
		switch ev.Type {
		case "assistant", "content":
			if ev.Text != "" {
				assistantParts = append(assistantParts, ev.Text)
			}
		case "result":
			if ev.Response != "" {
				out.ReportText = ev.Response
			}
			if ev.Stats != nil {
				out.InputTokens = ev.Stats.InputTokens
				out.OutputTokens = ev.Stats.OutputTokens
			}
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	if out.ReportText == "" && len(assistantParts) > 0 {
		out.ReportText = strings.Join(assistantParts, "")
	}
	return out, nil
}
