package scriptexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T, allowlist []string) *Executor {
	t.Helper()
	return New(t.TempDir(), allowlist, 5*time.Second, 2000)
}

func TestValidateRejectsDeniedPatterns(t *testing.T) {
	cases := []struct {
		name   string
		script string
	}{
		{"sudo", "sudo ls"},
		{"shutdown", "shutdown now"},
		{"reboot", "reboot"},
		{"dd", "dd if=/dev/zero of=/dev/sda"},
		{"rm rf root", "rm -rf /"},
	}
	e := newTestExecutor(t, []string{"ls", "echo"})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := e.Validate(tc.script); err == nil {
				t.Fatalf("expected validation error for %q", tc.script)
			}
		})
	}
}

func TestValidateRejectsDisallowedCommand(t *testing.T) {
	e := newTestExecutor(t, []string{"echo"})
	err := e.Validate("rm -rf /tmp/foo")
	if err == nil {
		t.Fatalf("expected script_blocked for disallowed command")
	}
	if !strings.Contains(err.Error(), "rm") {
		t.Fatalf("expected error to name the blocked command, got %q", err.Error())
	}
}

func TestValidateAllowsAllowlistedCommand(t *testing.T) {
	e := newTestExecutor(t, []string{"echo"})
	if err := e.Validate("echo hello"); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsOversizedScript(t *testing.T) {
	e := newTestExecutor(t, []string{"echo"})
	big := strings.Repeat("a", maxScriptChars+1)
	if err := e.Validate(big); err == nil {
		t.Fatalf("expected script_blocked for oversized script")
	}
}

func TestExecuteRunsAllowlistedScript(t *testing.T) {
	e := newTestExecutor(t, []string{"echo"})
	result, err := e.Execute(context.Background(), "echo hello-world", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok=true, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "hello-world") {
		t.Fatalf("expected stdout to contain output, got %q", result.Stdout)
	}
}

func TestExecuteBlockedScriptNeverRuns(t *testing.T) {
	e := newTestExecutor(t, []string{"echo"})
	result, err := e.Execute(context.Background(), "rm -rf /tmp/foo", 0)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if result.OK {
		t.Fatalf("expected ok=false for blocked script")
	}
	if result.Stdout != "" {
		t.Fatalf("expected no stdout for a blocked script, got %q", result.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestExecutor(t, []string{"sleep"})
	start := time.Now()
	result, err := e.Execute(context.Background(), "sleep 5", 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected timedOut=true")
	}
	if result.DurationMs < 1000 {
		t.Fatalf("expected durationMs >= timeoutSec*1000, got %d", result.DurationMs)
	}
	if elapsed > 4*time.Second {
		t.Fatalf("expected the process to be killed promptly, took %s", elapsed)
	}
}
