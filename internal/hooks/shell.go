package hooks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// ShellRunner runs commands through the system shell in a fixed working
// directory. It implements CommandRunner for hook actions and
// verification gates.
type ShellRunner struct {
	// Dir is the working directory. Empty uses the process cwd.
	Dir string
}

// Run executes the command with sh -c. A non-zero exit is reported in the
// result, not as an error; errors mean the command could not run at all.
func (s *ShellRunner) Run(ctx context.Context, command string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, err
	}

	return result, nil
}

var _ CommandRunner = (*ShellRunner)(nil)
