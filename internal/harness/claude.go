package harness

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// claudeHarness drives the Claude CLI in non-interactive print mode with
// stream-json output. The prompt is a trailing positional argument; the
// stream-json contract requires --verbose.
type claudeHarness struct{}

func (claudeHarness) Name() string { return "claude" }

func (claudeHarness) Executable() string { return envOr("AGENTRUN_CLAUDE_PATH", "claude") }

func (claudeHarness) PromptDelivery() PromptDelivery { return DeliverArg }

func (claudeHarness) SupportsContinuation() bool { return true }

func (claudeHarness) ContinuationStyle() ContinuationStyle { return ContinueForkDefault }

func (h claudeHarness) BuildCommand(inv Invocation) (Command, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--model", inv.Model}
	if inv.Resume != nil {
		if strings.TrimSpace(inv.Resume.ConversationID) == "" {
			return Command{}, fmt.Errorf("claude resume requires a conversation id")
		}
		args = append(args, "--resume", inv.Resume.ConversationID)
		if !inv.Resume.InPlace {
			args = append(args, "--fork-session")
		}
	}
	switch {
	case inv.Policy.Unrestricted:
		args = append(args, "--dangerously-skip-permissions")
	case len(inv.Policy.Tools) > 0:
		args = append(args, "--allowedTools", strings.Join(inv.Policy.Tools, ","))
	}

	var env []string
	if v := claudeThinkingBudget(inv.Variant); v != "" {
		env = append(env, "MAX_THINKING_TOKENS="+v)
	}
	return Command{
		Executable: h.Executable(),
		Args:       args,
		Env:        env,
		Prompt:     DeliverArg,
	}, nil
}

// claudeThinkingBudget translates the generic variant to the claude CLI's
// thinking-token environment spelling.
func claudeThinkingBudget(variant string) string {
	switch strings.ToLower(strings.TrimSpace(variant)) {
	case "low":
		return "4096"
	case "medium":
		return "16384"
	case "high":
		return "63999"
	default:
		return ""
	}
}

// claudeStreamEvent is one stream-json NDJSON line. Only the fields the
// outcome extractor needs are declared.
type claudeStreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	Usage     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`
}

func (claudeHarness) ExtractOutcome(outputPath string) (Outcome, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = f.Close() }()

	out := Outcome{ToolCalls: map[string]int{}}
	lastAssistantText := ""

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev claudeStreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			out.ConversationID = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			var texts []string
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "tool_use":
					if block.Name != "" {
						out.ToolCalls[block.Name]++
					}
				case "text":
					if block.Text != "" {
						texts = append(texts, block.Text)
					}
				}
			}
			if len(texts) > 0 {
				lastAssistantText = strings.Join(texts, "\n")
			}
		case "result":
			if ev.Usage != nil {
				out.InputTokens = ev.Usage.InputTokens
				out.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Result != "" {
				out.ReportText = ev.Result
			}
			if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
				marker := ev.Subtype
				if marker == "" {
					marker = "result_is_error"
				}
				out.ErrorEvent = marker
			}
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	if out.ReportText == "" {
		out.ReportText = lastAssistantText
	}
	return out, nil
}
