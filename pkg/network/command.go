package network

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandResult is the captured outcome of a short-lived CLI invocation
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs a CLI to completion. A non-zero exit is reported as a
// *CommandError alongside the result.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// CommandError describes a failed CLI invocation. Secrets in the arguments are
// redacted before they reach the message.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "%s: %v", e.Command, e.Cause)
	} else {
		fmt.Fprintf(&b, "%s exited with code %d", e.Command, e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "; stdout: %s", s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "; stderr: %s", s)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Cause }

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}

	cmdErr := &CommandError{
		Command:  renderCommand(name, args),
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}
	if _, isExit := err.(*exec.ExitError); !isExit {
		cmdErr.Cause = err
	}
	return result, cmdErr
}

var secretFlags = []string{"--authkey=", "--auth-key=", "--client-secret="}

func renderCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, filepath.Base(name))
	for _, a := range args {
		parts = append(parts, redactArg(a))
	}
	return strings.Join(parts, " ")
}

func redactArg(arg string) string {
	for _, prefix := range secretFlags {
		if strings.HasPrefix(arg, prefix) {
			return prefix + "[REDACTED]"
		}
	}
	return arg
}
