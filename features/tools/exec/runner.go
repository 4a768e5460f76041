package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"

	"goa.design/foreman/runtime/agent/tools"
)

// LocalRunner executes commands on the local host. It satisfies tools.Runner:
// non-zero exits are reported through the result, and an error is returned
// only when the command could not be started or was killed by cancellation.
type LocalRunner struct {
	// Env appends entries to the inherited environment. Optional.
	Env []string
}

// NewLocalRunner returns a runner that inherits the current environment.
func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

// Run implements tools.Runner.
func (r *LocalRunner) Run(ctx context.Context, cmd string, args []string, dir string) (tools.CommandResult, error) {
	c := osexec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	c.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := tools.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
