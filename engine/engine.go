// Package engine drives one replication run end to end: preflight probes,
// inventory collection, staleness resolution, snapshot acquisition, the
// transfer phases and the final report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/config"
	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/snapshot"
	"github.com/kvmtools/kvmsync/transfer"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
)

// Options are the per-run knobs collected from the command line.
type Options struct {
	VMs         []string // explicit names; empty means the host default list
	Checksum    bool
	UpdateOnly  bool
	VerifyOnly  bool
	Force       bool
	NoSnapshots bool
	Poweroff    bool
	Mode        types.ExecutionMode
}

// snapshotter is the slice of snapshot.Manager the pipeline needs.
type snapshotter interface {
	Available() bool
	Resolve(ctx context.Context, srcDir string) (*snapshot.Info, error)
	Acquire(ctx context.Context, info *snapshot.Info) (*snapshot.Handle, error)
	Release(ctx context.Context, h *snapshot.Handle) error
}

// Engine replicates the local KVM estate to one destination host.
type Engine struct {
	conf       *config.Config
	host       config.HostConfig
	remoteHost string
	local      remote.Runner
	target     remote.Runner
	xfer       *transfer.Engine
	snaps      snapshotter
	opts       Options

	statAvailable bool
	statCmd       string // remote stat binary that answered the probe
}

// New wires a replication engine for one destination host.
func New(conf *config.Config, host config.HostConfig, remoteHost string,
	local, target remote.Runner, procs *utils.ProcessGroup, opts Options) *Engine {
	xfer := transfer.NewEngine(conf, host, remoteHost, target, procs, transfer.Options{
		Checksum:   opts.Checksum,
		UpdateOnly: opts.UpdateOnly,
		VerifyOnly: opts.VerifyOnly,
		Mode:       opts.Mode,
	})
	return &Engine{
		conf:       conf,
		host:       host,
		remoteHost: remoteHost,
		local:      local,
		target:     target,
		xfer:       xfer,
		snaps:      snapshot.NewManager(local, conf.SnapshotMountPrefix, conf.SnapshotCacheSize, opts.Mode),
		opts:       opts,
	}
}

// Run executes the full pipeline against the destination host. Preflight
// failures abort immediately; transfer and definition failures accumulate
// and surface in the returned error after the guaranteed snapshot cleanup.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.WithFunc("engine.Run")

	if err := e.preflight(ctx); err != nil {
		return err
	}

	vms := e.listCandidateVMs(ctx)
	logger.Infof(ctx, "Final VM List: %s", strings.Join(vms, " "))
	if len(vms) == 0 {
		logger.Warnf(ctx, "no domains to process")
		return nil
	}

	running := e.prefetchRunning(ctx)

	report := &Report{}
	candidates := e.collectFiles(ctx, vms, running, report)
	included := e.resolveSyncSet(ctx, candidates)
	report.Files = len(included)

	var handles []*snapshot.Handle
	releaseAll := func() {
		cleanupCtx := context.WithoutCancel(ctx)
		for _, h := range handles {
			if err := e.snaps.Release(cleanupCtx, h); err != nil {
				logger.Warnf(ctx, "failed releasing snapshot %s: %+v", h.MountPoint, err)
			}
		}
		handles = nil
	}
	defer releaseAll()

	for i, srcDir := range e.conf.ImagesSrcDirs {
		if ctx.Err() != nil {
			break
		}
		if st, err := os.Stat(srcDir); err != nil || !st.IsDir() {
			logger.Warnf(ctx, "VM directory %s not found!", srcDir)
			continue
		}

		dirCands := filterDir(included, i)
		if h := e.acquireSnapshot(ctx, srcDir, len(dirCands) > 0); h != nil {
			handles = append(handles, h)
			e.redirectIntoSnapshot(ctx, dirCands, h)
		}
		if err := e.syncImagesDir(ctx, i, dirCands); err != nil {
			report.Failures = append(report.Failures, err)
		}
	}

	vmsToSync := vmNames(included)
	report.Synced = vmsToSync
	report.Skipped = difference(vms, vmsToSync)

	if ctx.Err() == nil && len(vmsToSync) > 0 {
		logger.Infof(ctx, "Final Sync List: %s", strings.Join(vmsToSync, " "))
		if err := e.xfer.SyncVMConfigs(ctx, vmsToSync); err != nil {
			report.Failures = append(report.Failures, err)
		}
	}
	if err := ctx.Err(); err != nil {
		report.Failures = append(report.Failures, err)
	}

	releaseAll()
	report.Summarize(ctx, e.remoteHost)

	if !report.Success() {
		return fmt.Errorf("replication to %s finished with %d failure(s): %w",
			e.remoteHost, len(report.Failures), errors.Join(report.Failures...))
	}
	if e.opts.Poweroff {
		e.poweroffRemote(ctx)
	}
	return nil
}

// syncImagesDir moves one source directory's share of the sync set: disk
// images in parallel, firmware files one at a time, then the toolchain
// mirror, which runs even when nothing else moved.
func (e *Engine) syncImagesDir(ctx context.Context, dir int, cands []types.FileSyncCandidate) error {
	logger := log.WithFunc("engine.syncImagesDir")

	var disks []string
	var firmware []types.FileSyncCandidate
	for _, c := range cands {
		switch c.Kind {
		case types.FileKindDisk:
			disks = append(disks, c.LocalPath)
		case types.FileKindFirmware:
			firmware = append(firmware, c)
		}
	}

	var errs []error
	if len(disks) > 0 {
		logger.Infof(ctx, "Final Disk List: %s", strings.Join(disks, " "))
		if err := e.xfer.SyncDiskFilesParallel(ctx, disks, e.host.ImagesDstDirs[dir]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(firmware) > 0 {
		names := make([]string, 0, len(firmware))
		for _, c := range firmware {
			names = append(names, c.LocalPath)
		}
		logger.Infof(ctx, "Final NVRAM List: %s", strings.Join(names, " "))
		for _, c := range firmware {
			if err := e.xfer.SyncSingleFile(ctx, c.LocalPath, e.host.NVRAMDstDirs[dir]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := e.xfer.CopyToolchain(ctx, e.host.ImagesDstDirs[dir]); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// acquireSnapshot returns nil whenever the transfer should read from the
// live filesystem instead: nothing to sync, snapshots disabled, no vxfs
// volume behind the source, or creation failed (a soft degradation).
func (e *Engine) acquireSnapshot(ctx context.Context, srcDir string, wanted bool) *snapshot.Handle {
	logger := log.WithFunc("engine.acquireSnapshot")
	if !wanted {
		return nil
	}
	if e.opts.NoSnapshots || !e.host.SnapshotCapable() || !e.snaps.Available() {
		logger.Debugf(ctx, "snapshots disabled for this run, syncing %s live", srcDir)
		return nil
	}
	info, err := e.snaps.Resolve(ctx, srcDir)
	if err != nil {
		logger.Warnf(ctx, "failed resolving snapshot names for %s, syncing live: %+v", srcDir, err)
		return nil
	}
	if info == nil {
		logger.Debugf(ctx, "%s is not on a vxfs volume, syncing live", srcDir)
		return nil
	}
	handle, err := e.snaps.Acquire(ctx, info)
	if err != nil {
		logger.Warnf(ctx, "failed creating snapshot for %s, syncing live: %+v", srcDir, err)
		return nil
	}
	return handle
}

func (e *Engine) redirectIntoSnapshot(ctx context.Context, cands []types.FileSyncCandidate, h *snapshot.Handle) {
	logger := log.WithFunc("engine.redirectIntoSnapshot")
	if e.opts.Mode.DryRun() {
		logger.Infof(ctx, "dry-run: would update file paths to use snapshot mount %s", h.MountPoint)
		return
	}
	for i := range cands {
		cands[i].RedirectLocal(h.SourceMount, h.MountPoint)
	}
}

func filterDir(cands []types.FileSyncCandidate, dir int) []types.FileSyncCandidate {
	var out []types.FileSyncCandidate
	for _, c := range cands {
		if c.DirIndex == dir {
			out = append(out, c)
		}
	}
	return out
}
