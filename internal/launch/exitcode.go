package launch

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/strongdm/agentrun/internal/runlog"
)

// The stable exit-code taxonomy. Anything a child process reports outside
// this set collapses onto it rather than propagating opaque numbers.
const (
	ExitSuccess     = 0
	ExitAgentError  = 1
	ExitInfraError  = 2
	ExitTimeout     = 3
	ExitInterrupted = 130
	ExitTerminated  = 143
)

// classifyExit maps a child's raw exit behavior to the taxonomy. timedOut and
// sig reflect what the supervisor itself did to the process; they take
// precedence over whatever code the child died with.
func classifyExit(waitErr error, rawCode int, timedOut bool, sig syscall.Signal) (int, runlog.Status, runlog.FailureReason) {
	if timedOut {
		return ExitTimeout, runlog.StatusFailed, runlog.FailureTimeout
	}
	switch sig {
	case syscall.SIGINT:
		return ExitInterrupted, runlog.StatusFailed, runlog.FailureInterrupted
	case syscall.SIGTERM:
		return ExitTerminated, runlog.StatusFailed, runlog.FailureInterrupted
	}

	if waitErr == nil && rawCode == 0 {
		return ExitSuccess, runlog.StatusCompleted, runlog.FailureNone
	}

	// A child killed by INT/TERM without our involvement still counts as
	// interrupted; shells encode those as 128+signal.
	switch rawCode {
	case ExitInterrupted:
		return ExitInterrupted, runlog.StatusFailed, runlog.FailureInterrupted
	case ExitTerminated:
		return ExitTerminated, runlog.StatusFailed, runlog.FailureInterrupted
	}

	// A child that died from the signal itself, not a shell-propagated code,
	// reports no exit code at all; the signal is in the wait status.
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			switch ws.Signal() {
			case syscall.SIGINT:
				return ExitInterrupted, runlog.StatusFailed, runlog.FailureInterrupted
			case syscall.SIGTERM:
				return ExitTerminated, runlog.StatusFailed, runlog.FailureInterrupted
			}
		}
	}

	var execErr *exec.Error
	if errors.As(waitErr, &execErr) {
		// Could not launch at all: missing binary or not executable.
		return ExitInfraError, runlog.StatusFailed, runlog.FailureInfraError
	}

	return ExitAgentError, runlog.StatusFailed, runlog.FailureAgentError
}
