package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_LargeOutput verifies no deadlock when output exceeds the pipe buffer
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "i=0; while [ $i -lt 20000 ]; do echo line-$i; i=$((i+1)); done")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil)
	duration := time.Since(start)
	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("Expected 20000 lines of output, got %d", len(lines))
	}
}

// TestExecuteCommand_StderrCapture verifies both stdout and stderr are captured
func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo out; echo err 1>&2")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "out") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(string(stderr), "err") {
		t.Errorf("stderr = %q", stderr)
	}
}

// TestExecuteCommand_ContextCancellation verifies subprocess termination on context cancel
func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not terminate the subprocess promptly")
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error handling and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo test-output; exit 1")

	stdout, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitCode := exitErr.ExitCode(); exitCode != 1 {
			t.Errorf("Expected exit code 1, got %d", exitCode)
		}
	} else {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestExecuteCommand_TracksWhileRunning verifies executeCommand registers the process
func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		cmd := newCommand(ctx, "sh", "-c", "sleep 30")
		_, _, err := executeCommand(ctx, cmd, pm)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for pm.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("process was never tracked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("killed command should report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command did not exit after KillAll")
	}
	if pm.Count() != 0 {
		t.Errorf("Expected process to be untracked, got %d", pm.Count())
	}
}

// TestNoZombieProcesses verifies sequential invocations leave nothing behind
func TestNoZombieProcesses(t *testing.T) {
	ctx := context.Background()
	pm := NewProcessManager()

	for i := 1; i <= 15; i++ {
		cmd := newCommand(ctx, "echo", fmt.Sprintf("test-%d", i))
		stdout, _, err := executeCommand(ctx, cmd, pm)
		if err != nil {
			t.Fatalf("Invocation %d failed: %v", i, err)
		}
		if !strings.Contains(string(stdout), fmt.Sprintf("test-%d", i)) {
			t.Errorf("Invocation %d: unexpected output: %s", i, stdout)
		}
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes, got %d", pm.Count())
	}
}
