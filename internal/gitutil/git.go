// Package gitutil wraps the git plumbing used for best-effort run metadata
// and for the surgical-undo path of `agentrun retry`.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so metadata capture never
	// spawns long-lived helper processes under a run.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func Branch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

// IsTracked reports whether path (relative to dir) is known to the index.
func IsTracked(dir string, path string) bool {
	_, _, err := runGit(dir, "ls-files", "--error-unmatch", "--", path)
	return err == nil
}

// ExistsAtRevision reports whether path exists in the tree at rev.
func ExistsAtRevision(dir string, rev string, path string) bool {
	_, _, err := runGit(dir, "cat-file", "-e", rev+":"+path)
	return err == nil
}

// RestorePaths restores the listed paths to their content at rev. Paths that
// do not exist at rev are deleted from the working tree by git checkout
// semantics only when tracked; callers filter the list beforehand.
func RestorePaths(dir string, rev string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", rev, "--"}, paths...)
	_, _, err := runGit(dir, args...)
	return err
}

// RemovePaths removes the listed paths from the working tree and index.
func RemovePaths(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"rm", "-f", "--ignore-unmatch", "--"}, paths...)
	_, _, err := runGit(dir, args...)
	return err
}

// DiffNameOnly returns the paths that differ between rev and the working tree,
// restricted to the given paths when non-empty.
func DiffNameOnly(dir string, rev string, paths []string) ([]string, error) {
	args := []string{"diff", "--name-only", rev}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, _, err := runGit(dir, args...)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
