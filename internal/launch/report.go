package launch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// synthesizeReport builds a fallback report for a run whose harness wrote
// none. The chain is: last structured message recovered from the output
// stream, then a compact diagnostic built from exit code, output size, and
// the last diagnostic line. A run is never left without a report.
func synthesizeReport(outputPath string, stderrPath string, exitCode int, reason string) string {
	if text := lastStructuredMessage(outputPath); text != "" {
		return text
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	var b strings.Builder
	b.WriteString("No report was produced by the harness.\n\n")
	if reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	fmt.Fprintf(&b, "Exit code: %d\n", exitCode)
	fmt.Fprintf(&b, "Output stream size: %d bytes\n", size)
	if last := lastNonEmptyLine(stderrPath); last != "" {
		fmt.Fprintf(&b, "Last diagnostic line: %s\n", last)
	}
	return b.String()
}

// lastStructuredMessage scans the output stream for the last line carrying
// any recognizable message text, across the three families' event shapes.
func lastStructuredMessage(outputPath string) string {
	f, err := os.Open(outputPath)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	last := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err != nil {
			continue
		}
		if text := messageText(doc); text != "" {
			last = text
		}
	}
	return last
}

func messageText(doc map[string]any) string {
	for _, key := range []string{"result", "response", "text"} {
		if s, ok := doc[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if item, ok := doc["item"].(map[string]any); ok {
		if s, ok := item["text"].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if msg, ok := doc["message"].(map[string]any); ok {
		if blocks, ok := msg["content"].([]any); ok {
			var texts []string
			for _, raw := range blocks {
				block, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if block["type"] == "text" {
					if s, ok := block["text"].(string); ok && s != "" {
						texts = append(texts, s)
					}
				}
			}
			if len(texts) > 0 {
				return strings.Join(texts, "\n")
			}
		}
	}
	return ""
}

func lastNonEmptyLine(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
