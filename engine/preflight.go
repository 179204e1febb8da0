package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/types"
)

// preflight runs every check that must pass before any expensive or
// destructive work starts. Connectivity and mount-point failures are fatal;
// a missing stat command only downgrades the staleness check.
func (e *Engine) preflight(ctx context.Context) error {
	if err := e.testConnectivity(ctx); err != nil {
		return types.NewExitError(types.ExitPreflight, err)
	}
	e.probeStat(ctx)
	if err := e.checkRemoteMountPoints(ctx); err != nil {
		return types.NewExitError(types.ExitPreflight, err)
	}
	return nil
}

// testConnectivity performs the round-trip every later remote operation
// depends on.
func (e *Engine) testConnectivity(ctx context.Context) error {
	logger := log.WithFunc("engine.testConnectivity")
	logger.Infof(ctx, "testing SSH connectivity to %s...", e.remoteHost)
	if _, _, err := e.target.Run(ctx, "echo 'SSH connectivity OK'"); err != nil {
		return fmt.Errorf("ssh connectivity to %s: %w", e.remoteHost, err)
	}
	logger.Infof(ctx, "SSH connectivity to %s: OK", e.remoteHost)
	return nil
}

// probeStat decides whether modification-time comparison is usable and which
// remote stat binary answers it. A host-specific stat path that fails falls
// back to the system stat, and any remaining failure flips the run to
// unconditional sync.
func (e *Engine) probeStat(ctx context.Context) {
	logger := log.WithFunc("engine.probeStat")
	e.statAvailable, e.statCmd = false, "stat"

	if e.host.SkipStatCheck {
		logger.Debugf(ctx, "stat checks disabled for %s", e.remoteHost)
		return
	}
	logger.Infof(ctx, "testing stat command availability...")

	if _, _, err := e.local.Run(ctx, "stat --version"); err != nil {
		logger.Warnf(ctx, "local stat command not working: %+v", err)
		return
	}

	statCmd := "stat"
	if e.host.StatPath != "" {
		statCmd = e.host.StatPath
	}
	if _, _, err := e.target.Run(ctx, statCmd+" --version"); err != nil {
		if e.host.StatPath == "" {
			logger.Warnf(ctx, "stat command not working on %s: %+v", e.remoteHost, err)
			return
		}
		if _, _, err := e.target.Run(ctx, "stat --version"); err != nil {
			logger.Warnf(ctx, "both custom (%s) and default stat commands failed on %s: %+v",
				e.host.StatPath, e.remoteHost, err)
			return
		}
		logger.Infof(ctx, "custom stat path failed, but system stat works on %s", e.remoteHost)
		statCmd = "stat"
	}

	e.statAvailable, e.statCmd = true, statCmd
	logger.Infof(ctx, "stat command available on both source and destination, will use file time comparisons")
}

// checkRemoteMountPoints refuses to push into a destination directory that
// does not resolve to a dedicated mount on the remote side.
func (e *Engine) checkRemoteMountPoints(ctx context.Context) error {
	logger := log.WithFunc("engine.checkRemoteMountPoints")
	if e.host.SkipMountCheck {
		logger.Debugf(ctx, "mount point checks disabled for %s", e.remoteHost)
		return nil
	}
	logger.Infof(ctx, "verifying remote mount points...")

	for _, dst := range e.host.ImagesDstDirs {
		stdout, _, err := e.target.Run(ctx, "df -hP "+remote.Quote(dst))
		if err != nil {
			return fmt.Errorf("check mount point for %s on %s: %w", dst, e.remoteHost, err)
		}
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		if len(lines) < 2 {
			return fmt.Errorf("check mount point for %s on %s: unexpected df output %q", dst, e.remoteHost, stdout)
		}
		fields := strings.Fields(lines[1])
		mount := ""
		if len(fields) > 0 {
			mount = fields[len(fields)-1]
		}
		if mount == "" || mount == "/" {
			return fmt.Errorf("directory %s does not have a matching mount point on %s", dst, e.remoteHost)
		}
		logger.Infof(ctx, "found remote mount point for %s: %s:%s", dst, e.remoteHost, mount)
	}
	return nil
}
