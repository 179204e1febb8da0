package engine

import (
	"context"
	"strings"

	"github.com/projecteru2/core/log"
)

// Report sums up one replication run for the end-of-run log and the exit
// code decision.
type Report struct {
	Synced   []string // VMs with at least one transferred file
	Skipped  []string // enumerated VMs that contributed nothing
	Files    int      // files selected for transfer
	Failures []error
}

// Success reports whether the run completed without any per-unit failure.
func (r *Report) Success() bool { return len(r.Failures) == 0 }

// Summarize writes the end-of-run summary.
func (r *Report) Summarize(ctx context.Context, remoteHost string) {
	logger := log.WithFunc("engine.Summarize")

	if len(r.Synced) > 0 {
		logger.Infof(ctx, "synced %d domain(s) to %s: %s", len(r.Synced), remoteHost, strings.Join(r.Synced, " "))
	} else {
		logger.Infof(ctx, "no domains needed syncing to %s", remoteHost)
	}
	if len(r.Skipped) > 0 {
		logger.Infof(ctx, "skipped %d domain(s): %s", len(r.Skipped), strings.Join(r.Skipped, " "))
	}
	logger.Infof(ctx, "%d file(s) selected for transfer", r.Files)
	for _, err := range r.Failures {
		logger.Errorf(ctx, err, "replication failure")
	}
}
