package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// IsProcessAlive returns true if a process with the given PID currently exists.
// Uses kill(pid, 0): no signal is sent, only existence is checked.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// VerifyProcess checks whether pid is running the expected binary.
// On Linux, reads /proc/{pid}/exe. Falls back to IsProcessAlive when /proc
// is unavailable. Guards against PID reuse when pruning stale registrations.
func VerifyProcess(pid int, binaryName string) bool {
	if pid <= 0 {
		return false
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return IsProcessAlive(pid)
	}
	return filepath.Base(exe) == binaryName
}

// WaitFor polls check at the given interval until it returns (true, nil),
// returns a non-nil error, or the timeout/context expires.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func() (done bool, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("timeout after %s", timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EnsureDirs creates every directory with 0755 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

// Sleep blocks for d or until the context is canceled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
