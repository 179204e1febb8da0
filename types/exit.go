package types

import (
	"context"
	"errors"
)

// Process exit codes. 127 marks pre-flight conditions (bad host, no SSH,
// missing mount point) so cron wrappers can tell them from transfer failures.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitPreflight   = 127
	ExitInterrupted = 130
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit"
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError wraps err with an explicit exit code.
func NewExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error returned from the run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return ExitFailure
}
