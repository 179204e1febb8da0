// Package remote runs shell commands on the local machine or on the
// replication target over SSH behind one interface, so probes and batched
// queries are written once and work against either side.
package remote

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Runner executes a command line through a shell and captures its output.
type Runner interface {
	// Label identifies the execution target for logs.
	Label() string
	// Run executes the command and returns captured stdout and stderr.
	// A command that ran but exited non-zero is reported as an error for
	// which ExitStatus returns true; transport and context failures are not.
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	// Close releases any underlying connection.
	Close() error
}

// ExitStatus extracts the command exit status from a Run error.
// ok is false when the error is a transport or context failure, meaning the
// command may never have run at all.
func ExitStatus(err error) (code int, ok bool) {
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return xe.ExitCode(), true
	}
	var se *ssh.ExitError
	if errors.As(err, &se) {
		return se.ExitStatus(), true
	}
	return 0, false
}

// Quote wraps s in single quotes for safe interpolation into a shell command
// line, escaping any embedded single quotes.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}[]*?~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every argument and joins them with spaces.
func QuoteAll(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
