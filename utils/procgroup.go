package utils

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
)

const termWaitInterval = 100 * time.Millisecond

// ProcessGroup is a cancellation scope for external child processes.
// Every command started through it runs in its own OS process group, so
// TerminateAll reaches the whole process tree (a transfer tool and the
// remote-shell children it spawns), not just the top-level PID.
type ProcessGroup struct {
	mu    sync.Mutex
	procs map[int]string // pgid -> label
}

// NewProcessGroup returns an empty process registry.
func NewProcessGroup() *ProcessGroup {
	return &ProcessGroup{procs: make(map[int]string)}
}

// Start launches cmd detached into its own process group and registers it.
// The caller must pair it with Wait.
func (g *ProcessGroup) Start(cmd *exec.Cmd, label string) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return err
	}
	g.mu.Lock()
	g.procs[cmd.Process.Pid] = label
	g.mu.Unlock()
	return nil
}

// Wait blocks until cmd exits and removes it from the registry.
func (g *ProcessGroup) Wait(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if cmd.Process != nil {
		g.mu.Lock()
		delete(g.procs, cmd.Process.Pid)
		g.mu.Unlock()
	}
	return err
}

// Run is Start followed by Wait.
func (g *ProcessGroup) Run(cmd *exec.Cmd, label string) error {
	if err := g.Start(cmd, label); err != nil {
		return err
	}
	return g.Wait(cmd)
}

// Len returns the number of live registered process groups.
func (g *ProcessGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}

// TerminateAll signals every registered process group with SIGTERM, waits up
// to gracePeriod for each to exit, then escalates to SIGKILL. Safe to call
// while commands are still being started; late arrivals are the caller's
// problem and should not happen after the owning context is canceled.
func (g *ProcessGroup) TerminateAll(ctx context.Context, gracePeriod time.Duration) {
	logger := log.WithFunc("utils.TerminateAll")

	g.mu.Lock()
	targets := make(map[int]string, len(g.procs))
	for pgid, label := range g.procs {
		targets[pgid] = label
	}
	g.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	logger.Infof(ctx, "cleaning up %d child process group(s)", len(targets))

	for pgid, label := range targets {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			continue // already gone
		}
		logger.Debugf(ctx, "sent SIGTERM to %s (pgid %d)", label, pgid)
	}
	for pgid, label := range targets {
		if err := WaitFor(ctx, gracePeriod, termWaitInterval, func() (bool, error) {
			return !isGroupAlive(pgid), nil
		}); err == nil {
			continue
		}
		logger.Warnf(ctx, "%s (pgid %d) ignored SIGTERM, killing", label, pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// isGroupAlive reports whether any member of the process group exists.
func isGroupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}
