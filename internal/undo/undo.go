// Package undo implements run re-execution and surgical undo: reverting
// exactly the files a prior run touched, guarded by staleness checks against
// concurrent modification.
package undo

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/strongdm/agentrun/internal/gitutil"
	"github.com/strongdm/agentrun/internal/harness"
	"github.com/strongdm/agentrun/internal/launch"
	"github.com/strongdm/agentrun/internal/runlog"
)

// Plan is the computed undo for one prior run. Revert holds files that
// existed at the pre-run revision and will be restored to it; Created holds
// files the run introduced, which are reported rather than deleted unless
// forced; Stale holds files modified by someone else since the run ended.
type Plan struct {
	RunID   string
	WorkDir string
	PreSHA  string
	Revert  []string
	Created []string
	Stale   []string
}

// ComputePlan gathers the facts an undo needs and fails hard on anything
// that would make the revert a guess: no repository, no manifest, no pre-run
// revision marker.
func ComputePlan(run runlog.Run, workDir string) (Plan, error) {
	if run.Finalize == nil {
		return Plan{}, fmt.Errorf("cannot undo run %s: it has no finalize record (crashed or still running)", run.ID)
	}
	if !gitutil.Available() {
		return Plan{}, fmt.Errorf("cannot undo run %s: git is not available", run.ID)
	}
	if !gitutil.IsRepo(workDir) {
		return Plan{}, fmt.Errorf("cannot undo run %s: %s is not inside a git working copy", run.ID, workDir)
	}

	touched := run.Finalize.TouchedFiles
	if len(touched) == 0 {
		var err error
		if touched, err = launch.ReadManifest(run.Start.ArtifactDir); err != nil || len(touched) == 0 {
			return Plan{}, fmt.Errorf("cannot undo run %s: no touched-files manifest was recorded", run.ID)
		}
	}
	git := run.Finalize.Git
	if git == nil || git.PreSHA == "" {
		return Plan{}, fmt.Errorf("cannot undo run %s: no pre-run revision marker was recorded", run.ID)
	}

	// For files whose hash was not recorded, the post-run revision provides
	// secondary staleness evidence.
	changedSincePost := map[string]bool{}
	if git.PostSHA != "" {
		if changed, err := gitutil.DiffNameOnly(workDir, git.PostSHA, touched); err == nil {
			for _, p := range changed {
				changedSincePost[p] = true
			}
		}
	}

	plan := Plan{RunID: run.ID, WorkDir: workDir, PreSHA: git.PreSHA}
	for _, p := range touched {
		if isStale(run, workDir, p, changedSincePost) {
			plan.Stale = append(plan.Stale, p)
		}
		if gitutil.ExistsAtRevision(workDir, git.PreSHA, p) {
			plan.Revert = append(plan.Revert, p)
		} else {
			plan.Created = append(plan.Created, p)
		}
	}
	sort.Strings(plan.Revert)
	sort.Strings(plan.Created)
	sort.Strings(plan.Stale)
	return plan, nil
}

// isStale reports whether path changed since the run's finalize record was
// written. The recorded content hash is the primary evidence; for files
// without one, a diff against the post-run revision decides, and with
// neither available a file that exists counts as stale because its content
// cannot be verified.
func isStale(run runlog.Run, workDir string, path string, changedSincePost map[string]bool) bool {
	recorded, ok := run.Finalize.TouchedHashes[path]
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(workDir, path)
	}
	b, readErr := os.ReadFile(full)
	if !ok {
		if run.Finalize.Git.PostSHA != "" {
			return changedSincePost[path]
		}
		// No hash was recorded, usually because the run deleted the file.
		// A file that now exists again was recreated by someone else.
		return readErr == nil
	}
	if readErr != nil {
		return true
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]) != recorded
}

// Apply performs the revert. Stale files block it unless force is set; with
// force, created files are removed as well as reverting the rest. dryRun
// leaves the working copy untouched.
func (p *Plan) Apply(force bool, dryRun bool) error {
	if len(p.Stale) > 0 && !force {
		return fmt.Errorf("refusing to undo run %s: %d touched file(s) were modified after the run ended: %s (use --force to revert anyway)",
			p.RunID, len(p.Stale), strings.Join(p.Stale, ", "))
	}
	if dryRun {
		return nil
	}
	if len(p.Revert) > 0 {
		if err := gitutil.RestorePaths(p.WorkDir, p.PreSHA, p.Revert); err != nil {
			return fmt.Errorf("restore touched files: %w", err)
		}
	}
	if force {
		// Tracked files come out of the index too, not just the worktree.
		var tracked []string
		for _, c := range p.Created {
			if gitutil.IsTracked(p.WorkDir, c) {
				tracked = append(tracked, c)
				continue
			}
			full := c
			if !filepath.IsAbs(full) {
				full = filepath.Join(p.WorkDir, c)
			}
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove created file %s: %w", c, err)
			}
		}
		if len(tracked) > 0 {
			if err := gitutil.RemovePaths(p.WorkDir, tracked); err != nil {
				return fmt.Errorf("remove created files: %w", err)
			}
		}
	}
	return nil
}

// Overrides are the caller-supplied replacements for a retry. Zero values
// keep the original run's parameters.
type Overrides struct {
	Model   string
	Variant string
	Prompt  string
	Labels  map[string]string
	Timeout time.Duration
	Policy  *harness.ToolPolicy
}

// RetryRequest builds a launch request that re-executes a prior run with its
// original parameters as defaults. The new run links back through the
// retries field.
func RetryRequest(prior runlog.Run, ov Overrides) (launch.Request, error) {
	prompt := ov.Prompt
	if prompt == "" {
		b, err := os.ReadFile(filepath.Join(prior.Start.ArtifactDir, launch.InputFile))
		if err != nil {
			return launch.Request{}, fmt.Errorf("cannot retry run %s: original input unreadable: %w", prior.ID, err)
		}
		prompt = string(b)
	}
	model := ov.Model
	if model == "" {
		model = prior.Start.Model
	}
	variant := ov.Variant
	if variant == "" {
		variant = prior.Start.Variant
	}

	labels := map[string]string{}
	for k, v := range prior.Start.Labels {
		labels[k] = v
	}
	for k, v := range ov.Labels {
		labels[k] = v
	}

	req := launch.Request{
		Model:     model,
		Prompt:    prompt,
		Variant:   variant,
		Session:   runlog.SessionOf(prior.Start),
		Modifiers: prior.Start.Modifiers,
		Labels:    labels,
		Timeout:   ov.Timeout,
		WorkDir:   prior.Start.WorkDir,
		Retries:   prior.ID,
	}
	if ov.Policy != nil {
		req.Policy = *ov.Policy
	}
	return req, nil
}
