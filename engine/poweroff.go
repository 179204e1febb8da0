package engine

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/utils"
)

// poweroffRemote stops the remote cluster stack and powers the host off.
// Both steps are best effort: the ssh session usually dies with the host.
func (e *Engine) poweroffRemote(ctx context.Context) {
	logger := log.WithFunc("engine.poweroffRemote")
	if e.opts.Mode.DryRun() {
		logger.Infof(ctx, "dry-run: would run hastop -local on remote host %s", e.remoteHost)
		logger.Infof(ctx, "dry-run: would run /sbin/poweroff on remote host %s", e.remoteHost)
		return
	}

	if err := utils.Sleep(ctx, time.Second); err != nil {
		return
	}

	logger.Infof(ctx, "running hastop -local on remote host %s", e.remoteHost)
	if _, _, err := e.target.Run(ctx, "sync;/opt/VRTSvcs/bin/hastop -local 2>/dev/null"); err != nil {
		logger.Debugf(ctx, "hastop on %s: %+v", e.remoteHost, err)
	}

	logger.Infof(ctx, "running /sbin/poweroff on remote host %s", e.remoteHost)
	if _, _, err := e.target.Run(ctx, "sync;/sbin/poweroff"); err != nil {
		logger.Debugf(ctx, "poweroff on %s: %+v", e.remoteHost, err)
	}
}
