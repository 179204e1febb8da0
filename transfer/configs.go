package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/utils"
	"github.com/kvmtools/kvmsync/virt"
)

// SyncVMConfigs pushes every VM's domain XML in one batched transfer, then
// runs one batched remote script that normalizes machine types, defines
// each VM, and archives the pushed document to the templates directory.
// Per-VM define failures are accumulated; one VM never fails the batch.
func (e *Engine) SyncVMConfigs(ctx context.Context, vms []string) error {
	if len(vms) == 0 {
		return nil
	}
	logger := log.WithFunc("transfer.SyncVMConfigs")

	logger.Infof(ctx, "waiting %s before push to %s...", e.conf.SettleDelay(), e.remoteHost)
	if !e.opts.Mode.DryRun() {
		if err := utils.Sleep(ctx, e.conf.SettleDelay()); err != nil {
			return err
		}
	}

	// A template XML, when present, is preferred over the live definition:
	// templates already carry normalized machine types.
	sources := make([]string, 0, len(vms))
	for _, vm := range vms {
		sources = append(sources, e.conf.PreferredConfigXML(vm))
	}
	args := append(e.baseArgs(), "-q")
	args = append(args, sources...)
	args = append(args, e.target(e.conf.ConfDstDir)+"/")
	if err := e.runRsync(ctx, args); err != nil {
		return fmt.Errorf("push VM configs to %s: %w", e.remoteHost, err)
	}

	if e.host.SkipDefine {
		logger.Debugf(ctx, "domain define skipped for %s", e.remoteHost)
		return nil
	}
	return e.defineVMs(ctx, vms)
}

// defineVMs runs the whole normalize-define-archive batch in one remote
// round trip and maps the per-VM result lines back to errors.
func (e *Engine) defineVMs(ctx context.Context, vms []string) error {
	logger := log.WithFunc("transfer.defineVMs")
	if e.opts.Mode.DryRun() {
		logger.Infof(ctx, "dry-run: would define %d domains on %s", len(vms), e.remoteHost)
		return nil
	}

	script := virt.DefineScript(vms, e.conf.ConfDstDir, e.conf.TemplatesDir)
	stdout, stderr, err := e.runner.Run(ctx, script)
	if err != nil {
		if _, ok := remote.ExitStatus(err); !ok {
			return fmt.Errorf("define domains on %s: %w (%s)", e.remoteHost, err, strings.TrimSpace(stderr))
		}
		// Non-zero exit still carries per-VM result lines on stdout.
	}

	succeeded, failed := virt.ParseDefineOutput(stdout)
	defined := make(map[string]bool, len(succeeded))
	for _, vm := range succeeded {
		logger.Infof(ctx, "defined domain %s on %s", vm, e.remoteHost)
		defined[vm] = true
	}

	var errs []error
	for _, vm := range vms {
		if defined[vm] {
			continue
		}
		step, ok := failed[vm]
		if !ok {
			step = "unreported"
		}
		errs = append(errs, fmt.Errorf("define domain %s on %s: %s step failed", vm, e.remoteHost, step))
	}
	return errors.Join(errs...)
}
