package launch

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"

	"github.com/strongdm/agentrun/internal/runlog"
)

func TestClassifyExit(t *testing.T) {
	cases := []struct {
		name     string
		waitErr  error
		rawCode  int
		timedOut bool
		sig      syscall.Signal
		code     int
		status   runlog.Status
		reason   runlog.FailureReason
	}{
		{
			name:   "clean success",
			code:   ExitSuccess,
			status: runlog.StatusCompleted,
			reason: runlog.FailureNone,
		},
		{
			name:     "timeout wins over exit code",
			waitErr:  errors.New("exit status 1"),
			rawCode:  1,
			timedOut: true,
			code:     ExitTimeout,
			status:   runlog.StatusFailed,
			reason:   runlog.FailureTimeout,
		},
		{
			name:   "supervisor SIGINT",
			sig:    syscall.SIGINT,
			code:   ExitInterrupted,
			status: runlog.StatusFailed,
			reason: runlog.FailureInterrupted,
		},
		{
			name:   "supervisor SIGTERM",
			sig:    syscall.SIGTERM,
			code:   ExitTerminated,
			status: runlog.StatusFailed,
			reason: runlog.FailureInterrupted,
		},
		{
			name:    "child interrupted on its own",
			waitErr: errors.New("exit status 130"),
			rawCode: 130,
			code:    ExitInterrupted,
			status:  runlog.StatusFailed,
			reason:  runlog.FailureInterrupted,
		},
		{
			name:    "child terminated on its own",
			waitErr: errors.New("exit status 143"),
			rawCode: 143,
			code:    ExitTerminated,
			status:  runlog.StatusFailed,
			reason:  runlog.FailureInterrupted,
		},
		{
			name:    "binary not found",
			waitErr: &exec.Error{Name: "claude", Err: exec.ErrNotFound},
			rawCode: -1,
			code:    ExitInfraError,
			status:  runlog.StatusFailed,
			reason:  runlog.FailureInfraError,
		},
		{
			name:    "arbitrary child failure collapses to agent error",
			waitErr: errors.New("exit status 7"),
			rawCode: 7,
			code:    ExitAgentError,
			status:  runlog.StatusFailed,
			reason:  runlog.FailureAgentError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, status, reason := classifyExit(tc.waitErr, tc.rawCode, tc.timedOut, tc.sig)
			if code != tc.code {
				t.Fatalf("code = %d, want %d", code, tc.code)
			}
			if status != tc.status {
				t.Fatalf("status = %q, want %q", status, tc.status)
			}
			if reason != tc.reason {
				t.Fatalf("reason = %q, want %q", reason, tc.reason)
			}
		})
	}
}
