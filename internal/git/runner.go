package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes external commands in a working directory and
// returns trimmed stdout. Besides git itself this also runs the parallel
// merge validation command. Tests substitute FakeRunner.
type CommandRunner interface {
	Run(workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner runs commands through os/exec with a scrubbed environment
// toggle for git prompts.
type ExecRunner struct {
	// Env entries appended to the child environment. GIT_TERMINAL_PROMPT=0
	// is always set so a missing credential fails instead of hanging a
	// daemon on a tty prompt.
	Env []string
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}

	// Keep whichever stream carried the failure text; git writes conflict
	// details to stdout and most errors to stderr.
	out := strings.TrimSpace(stderr.String())
	if out == "" {
		out = strings.TrimSpace(stdout.String())
	}
	return out, &CommandError{
		Command: name,
		Args:    args,
		WorkDir: workDir,
		Output:  out,
		Err:     err,
	}
}

// CommandError carries the command line and captured output of a failed
// invocation. IsConflict inspects Output through Error().
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
