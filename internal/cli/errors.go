package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitLocked  = 6
	exitConfig  = 7
)

// exitError carries an explicit exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErrf(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func configErr(err error) error {
	return &exitError{code: exitConfig, err: err}
}

func configErrf(format string, args ...any) error {
	return configErr(fmt.Errorf(format, args...))
}

// exitCode maps an error to a process exit code. Lock and invariant errors
// mean another runner holds the resource; validation errors are usage.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var running *lock.AlreadyRunningError
	if errors.As(err, &running) {
		return exitLocked
	}
	if errors.Is(err, registry.ErrRunnerActive) || errors.Is(err, registry.ErrLeaseHeld) {
		return exitLocked
	}
	if errors.Is(err, store.ErrValidation) {
		return exitUsage
	}
	return exitFailure
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
}
