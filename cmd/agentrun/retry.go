package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/agentrun/internal/launch"
	"github.com/strongdm/agentrun/internal/undo"
)

func (a *app) cmdRetry(args []string) int {
	fs := pflag.NewFlagSet("retry", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	undoFirst := fs.Bool("undo-first", false, "revert the original run's touched files before re-executing")
	force := fs.Bool("force", false, "override staleness refusal and remove files the original run created")
	dryRun := fs.Bool("dry-run", false, "preview the undo plan and retry parameters without mutating anything")
	yes := fs.Bool("yes", false, "confirm the mutating retry (required outside --dry-run)")
	model := fs.StringP("model", "m", "", "override the model")
	variant := fs.String("variant", "", "override the variant")
	prompt := fs.StringP("prompt", "p", "", "override the prompt")
	labels := fs.StringArrayP("label", "l", nil, "override or add a label key=value, repeatable")
	timeout := fs.Duration("timeout", 0, "wall-clock limit (0 uses the configured default)")
	quiet := fs.BoolP("quiet", "q", false, "suppress the report on stdout, print only the run id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return a.fail(fmt.Errorf("retry takes exactly one run reference"))
	}

	prior, err := a.resolveRef(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}
	labelOverrides, err := parseLabels(*labels)
	if err != nil {
		return a.fail(err)
	}
	req, err := undo.RetryRequest(prior, undo.Overrides{
		Model:   *model,
		Variant: *variant,
		Prompt:  *prompt,
		Labels:  labelOverrides,
		Timeout: *timeout,
	})
	if err != nil {
		return a.fail(err)
	}
	if req.Timeout == 0 {
		req.Timeout = a.cfg.Timeout()
	}

	var plan undo.Plan
	if *undoFirst {
		workDir := req.WorkDir
		if workDir == "" {
			if workDir, err = os.Getwd(); err != nil {
				return a.fail(err)
			}
		}
		if plan, err = undo.ComputePlan(prior, workDir); err != nil {
			return a.fail(err)
		}
	}

	if *dryRun {
		a.printRetryPlan(prior.ID, req, *undoFirst, plan)
		return 0
	}
	if !*yes {
		return a.fail(fmt.Errorf("retry mutates state; pass --yes to confirm (or --dry-run to preview)"))
	}

	if *undoFirst {
		if err := plan.Apply(*force, false); err != nil {
			return a.fail(err)
		}
		for _, c := range plan.Created {
			if !*force {
				fmt.Fprintf(a.stderr, "note: %s was created by the original run and was left in place\n", c)
			}
		}
	}

	l := launch.NewLauncher(a.stateRoot, a.cfg, a.logger)
	l.Stderr = a.stderr
	res, err := l.Run(context.Background(), req)
	if err != nil {
		return a.fail(err)
	}
	a.printResult(res, *quiet)
	return res.ExitCode
}

func (a *app) printRetryPlan(priorID string, req launch.Request, undoFirst bool, plan undo.Plan) {
	out := a.stdout
	fmt.Fprintf(out, "would retry %s\n", priorID)
	fmt.Fprintf(out, "  model:   %s\n", req.Model)
	if req.Variant != "" {
		fmt.Fprintf(out, "  variant: %s\n", req.Variant)
	}
	fmt.Fprintf(out, "  session: %s\n", req.Session)
	fmt.Fprintf(out, "  workdir: %s\n", req.WorkDir)
	if req.Timeout > 0 {
		fmt.Fprintf(out, "  timeout: %s\n", req.Timeout.Round(time.Second))
	}
	if !undoFirst {
		return
	}
	fmt.Fprintf(out, "would first revert to %s:\n", short(plan.PreSHA))
	for _, p := range plan.Revert {
		fmt.Fprintf(out, "  revert: %s\n", p)
	}
	for _, p := range plan.Created {
		fmt.Fprintf(out, "  created by run (kept unless --force): %s\n", p)
	}
	for _, p := range plan.Stale {
		fmt.Fprintf(out, "  modified since the run ended (blocks without --force): %s\n", p)
	}
}
