package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/harness"
	"github.com/strongdm/agentrun/internal/launch"
)

// runFlags are the launch parameters shared by run, continue, and retry.
type runFlags struct {
	model        string
	variant      string
	agent        string
	session      string
	modifiers    []string
	labels       []string
	tools        []string
	sandbox      string
	unrestricted bool
	timeout      time.Duration
	workDir      string
	quiet        bool
}

func addRunFlags(fs *pflag.FlagSet, rf *runFlags) {
	fs.StringVarP(&rf.model, "model", "m", "", "model identifier (routes to a harness family)")
	fs.StringVar(&rf.variant, "variant", "", "effort/thinking variant: low, medium, high")
	fs.StringVar(&rf.agent, "agent", "", "logical agent label embedded in the run id")
	fs.StringVar(&rf.session, "session", "", "session grouping label (defaults to the run id)")
	fs.StringArrayVar(&rf.modifiers, "modifier", nil, "behavior modifier name, repeatable (recorded for provenance)")
	fs.StringArrayVarP(&rf.labels, "label", "l", nil, "label key=value, repeatable")
	fs.StringArrayVar(&rf.tools, "tool", nil, "allowed tool name, repeatable")
	fs.StringVar(&rf.sandbox, "sandbox", "", "explicit sandbox tier (codex family)")
	fs.BoolVar(&rf.unrestricted, "unrestricted", false, "disable tool/sandbox restrictions")
	fs.DurationVar(&rf.timeout, "timeout", 0, "wall-clock limit, e.g. 10m (0 uses the configured default)")
	fs.StringVarP(&rf.workDir, "workdir", "C", "", "working directory for the harness (defaults to the current directory)")
	fs.BoolVarP(&rf.quiet, "quiet", "q", false, "suppress the report on stdout, print only the run id")
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q is not key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// readPrompt joins positional arguments into the prompt, reading standard
// input when the sole argument is "-".
func readPrompt(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		return string(b), nil
	}
	return strings.Join(args, " "), nil
}

func (rf *runFlags) policy() harness.ToolPolicy {
	return harness.ToolPolicy{
		Tools:        rf.tools,
		Sandbox:      rf.sandbox,
		Unrestricted: rf.unrestricted,
	}
}

func (rf *runFlags) effectiveTimeout(a *app) time.Duration {
	if rf.timeout > 0 {
		return rf.timeout
	}
	return a.cfg.Timeout()
}

func (a *app) cmdRun(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var rf runFlags
	addRunFlags(fs, &rf)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	prompt, err := readPrompt(fs.Args())
	if err != nil {
		return a.fail(err)
	}
	if strings.TrimSpace(prompt) == "" {
		return a.fail(fmt.Errorf("a prompt is required"))
	}
	labels, err := parseLabels(rf.labels)
	if err != nil {
		return a.fail(err)
	}

	l := launch.NewLauncher(a.stateRoot, a.cfg, a.logger)
	l.Stderr = a.stderr
	res, err := l.Run(context.Background(), launch.Request{
		Model:      rf.model,
		Prompt:     prompt,
		Variant:    rf.variant,
		AgentLabel: rf.agent,
		Session:    rf.session,
		Modifiers:  rf.modifiers,
		Labels:     labels,
		Policy:     rf.policy(),
		Timeout:    rf.effectiveTimeout(a),
		WorkDir:    rf.workDir,
	})
	if err != nil {
		return a.fail(err)
	}
	a.printResult(res, rf.quiet)
	return res.ExitCode
}

func (a *app) printResult(res launch.Result, quiet bool) {
	if quiet {
		fmt.Fprintln(a.stdout, res.RunID)
		return
	}
	fmt.Fprintln(a.stdout, res.Report)
	fmt.Fprintf(a.stderr, "run %s: %s (exit %d, %s)\n", res.RunID, res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
}
