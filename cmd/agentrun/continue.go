package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/contin"
	"github.com/strongdm/agentrun/internal/launch"
)

func (a *app) cmdContinue(args []string) int {
	fs := pflag.NewFlagSet("continue", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	model := fs.StringP("model", "m", "", "override the model (must stay in the same harness family)")
	inPlace := fs.Bool("in-place", false, "resume the original conversation instead of forking")
	fork := fs.Bool("fork", false, "explicitly fork a conversation branch")
	var rf runFlags
	timeout := fs.Duration("timeout", 0, "wall-clock limit (0 uses the configured default)")
	quiet := fs.BoolP("quiet", "q", false, "suppress the report on stdout, print only the run id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 2 {
		return a.fail(fmt.Errorf("continue takes a run reference and a follow-up prompt"))
	}

	prior, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}
	followUp, err := readPrompt(fs.Args()[1:])
	if err != nil {
		return a.fail(err)
	}

	plan, err := contin.Resolve(prior, contin.Options{
		FollowUp: followUp,
		Model:    *model,
		InPlace:  *inPlace,
		Fork:     *fork,
	})
	if err != nil {
		return a.fail(err)
	}
	if plan.Mode == contin.ModeFallback {
		a.logger.Warn("native continuation unavailable, composing fallback prompt",
			"run", prior.ID, "reason", plan.FallbackReason)
	}

	rf.timeout = *timeout
	l := launch.NewLauncher(a.stateRoot, a.cfg, a.logger)
	l.Stderr = a.stderr
	res, err := l.Run(context.Background(), launch.Request{
		Model:     plan.Model,
		Prompt:    plan.Prompt,
		Variant:   prior.Start.Variant,
		Session:   plan.Session,
		Modifiers: prior.Start.Modifiers,
		Labels:    prior.Start.Labels,
		Timeout:   rf.effectiveTimeout(a),
		WorkDir:   prior.Start.WorkDir,
		Resume:    plan.Resume,
		Continues: prior.ID,
	})
	if err != nil {
		return a.fail(err)
	}
	if !*quiet && plan.Mode == contin.ModeFallback {
		fmt.Fprintf(a.stderr, "continued %s via fallback prompt (%s)\n", prior.ID, plan.FallbackReason)
	}
	a.printResult(res, *quiet)
	return res.ExitCode
}
