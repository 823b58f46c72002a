package core

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
)

// Invocation describes how one build/test process ended.
type Invocation struct {
	Started  bool
	ExitCode int
	Signal   string // non-empty when the process died from a signal
}

// Tool runs the build/test command for one mode inside a working directory.
// Implementations must honor ctx cancellation or be externally killable.
type Tool interface {
	Invoke(ctx context.Context, mode Mode, dir string, env []string, output io.Writer) (Invocation, error)
}

// GoTool invokes the go command against the module in the working directory.
type GoTool struct {
	// GoBin is the go executable to run, "go" by default.
	GoBin string
}

// NewGoTool returns a Tool using the go binary from PATH.
func NewGoTool() *GoTool {
	return &GoTool{GoBin: "go"}
}

func (t *GoTool) args(mode Mode) []string {
	switch mode {
	case ModeTest:
		return []string{"test", "./..."}
	case ModeBench:
		return []string{"test", "-bench=.", "-run=^$", "./..."}
	default:
		return []string{"build", "./..."}
	}
}

func (t *GoTool) Invoke(ctx context.Context, mode Mode, dir string, env []string, output io.Writer) (Invocation, error) {
	cmd := exec.CommandContext(ctx, t.GoBin, t.args(mode)...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output
	stop := configureProcessGroup(cmd)
	defer stop()

	if err := cmd.Start(); err != nil {
		return Invocation{}, err
	}
	waitErr := cmd.Wait()

	inv := Invocation{Started: true}
	if waitErr == nil {
		return inv, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		inv.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			inv.Signal = status.Signal().String()
		}
		return inv, nil
	}
	return inv, waitErr
}
