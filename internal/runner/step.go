package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Result captures one step invocation.
type Result struct {
	ExitCode int
	Output   string
}

// StepRunner executes a single external command inside an execution
// context. Execute blocks the owning branch until the command completes
// or ctx is done.
type StepRunner interface {
	Execute(ctx context.Context, ec *ExecutionContext, command string, env []string) (Result, error)
}

// ExecRunner runs step commands through the shell in the context's
// working directory.
type ExecRunner struct {
	Shell string
}

// NewExecRunner creates a shell-backed step runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Shell: "/bin/sh"}
}

// Execute runs the command and captures combined output. A non-zero exit
// is reported through Result, not through err; err is reserved for
// failures to run the command at all.
func (r *ExecRunner) Execute(ctx context.Context, ec *ExecutionContext, command string, env []string) (Result, error) {
	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	if ec != nil {
		cmd.Dir = ec.WorkDir
	}
	cmd.Env = append(cmd.Environ(), env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{ExitCode: 0, Output: buf.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
