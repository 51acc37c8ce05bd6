package harness

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// codexHarness drives the Codex CLI in exec mode with --json event output.
// The prompt travels on stdin, the sandbox is a coarse three-tier setting,
// and resumption continues the original thread in place (codex exec resume
// never forks).
type codexHarness struct{}

// Codex sandbox tiers.
const (
	codexSandboxReadOnly       = "read-only"
	codexSandboxWorkspaceWrite = "workspace-write"
	codexSandboxFullAccess     = "danger-full-access"
)

func (codexHarness) Name() string { return "codex" }

func (codexHarness) Executable() string { return envOr("AGENTRUN_CODEX_PATH", "codex") }

func (codexHarness) PromptDelivery() PromptDelivery { return DeliverStdin }

func (codexHarness) SupportsContinuation() bool { return true }

func (codexHarness) ContinuationStyle() ContinuationStyle { return ContinueInPlace }

func (h codexHarness) BuildCommand(inv Invocation) (Command, error) {
	args := []string{"exec"}
	if inv.Resume != nil {
		if strings.TrimSpace(inv.Resume.ConversationID) == "" {
			return Command{}, fmt.Errorf("codex resume requires a conversation id")
		}
		if !inv.Resume.InPlace {
			return Command{}, fmt.Errorf("codex resumes in place and cannot fork")
		}
		args = append(args, "resume", inv.Resume.ConversationID)
	}
	args = append(args, "--json", "--sandbox", InferCodexSandbox(inv.Policy), "-m", inv.Model)
	if inv.WorkDir != "" {
		args = append(args, "-C", inv.WorkDir)
	}
	if v := strings.ToLower(strings.TrimSpace(inv.Variant)); v != "" {
		args = append(args, "-c", "model_reasoning_effort="+v)
	}
	return Command{
		Executable: h.Executable(),
		Args:       args,
		Prompt:     DeliverStdin,
	}, nil
}

// InferCodexSandbox maps a generic tool policy onto codex's coarse sandbox
// tiers. An explicit sandbox wins; otherwise the requested tool list decides:
// any mutating tool implies workspace-write, a purely read-oriented list
// implies read-only, and an empty list defaults to workspace-write.
func InferCodexSandbox(p ToolPolicy) string {
	if s := strings.TrimSpace(p.Sandbox); s != "" {
		return s
	}
	if p.Unrestricted {
		return codexSandboxFullAccess
	}
	if len(p.Tools) == 0 {
		return codexSandboxWorkspaceWrite
	}
	for _, tool := range p.Tools {
		switch strings.ToLower(strings.TrimSpace(tool)) {
		case "write", "edit", "bash", "shell", "patch", "notebookedit":
			return codexSandboxWorkspaceWrite
		}
	}
	return codexSandboxReadOnly
}

// codexStreamEvent is one --json NDJSON event. Codex emits thread lifecycle
// events plus item.completed entries for messages, commands, and file
// changes.
type codexStreamEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Usage    *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"item,omitempty"`
}

func (codexHarness) ExtractOutcome(outputPath string) (Outcome, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = f.Close() }()

	out := Outcome{ToolCalls: map[string]int{}}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev codexStreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "thread.started":
			if ev.ThreadID != "" {
				out.ConversationID = ev.ThreadID
			}
		case "turn.completed":
			if ev.Usage != nil {
				out.InputTokens += ev.Usage.InputTokens
				out.OutputTokens += ev.Usage.OutputTokens
			}
		case "turn.failed", "error":
			marker := ev.Type
			if ev.Message != "" {
				marker = ev.Type + ": " + ev.Message
			}
			if out.ErrorEvent == "" {
				out.ErrorEvent = marker
			}
		case "item.completed":
			if ev.Item == nil {
				continue
			}
			switch ev.Item.Type {
			case "agent_message":
				if ev.Item.Text != "" {
					out.ReportText = ev.Item.Text
				}
			case "command_execution", "file_change", "web_search":
				out.ToolCalls[ev.Item.Type]++
			case "mcp_tool_call":
				name := ev.Item.Name
				if name == "" {
					name = ev.Item.Type
				}
				out.ToolCalls[name]++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
