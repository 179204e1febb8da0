package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/virt"
)

// listCandidateVMs resolves the run's VM names: the explicit list when one
// was given, the host default list otherwise, kept only when the local
// domain XML exists. Names come back sorted and deduplicated.
func (e *Engine) listCandidateVMs(ctx context.Context) []string {
	logger := log.WithFunc("engine.listCandidateVMs")

	names := e.opts.VMs
	if len(names) == 0 {
		names = e.host.DefaultVMList
	}

	var accepted []string
	for _, raw := range names {
		vm := strings.TrimSuffix(strings.TrimSpace(raw), ".xml")
		if vm == "" {
			continue
		}
		xmlPath := e.conf.LocalConfigXML(vm)
		if _, err := os.Stat(xmlPath); err != nil {
			logger.Debugf(ctx, "no local definition for domain %s, skipping", vm)
			continue
		}
		logger.Infof(ctx, "Found Domain: %s (%s)", vm, xmlPath)
		accepted = append(accepted, vm)
	}
	slices.Sort(accepted)
	return slices.Compact(accepted)
}

// prefetchRunning gathers the running-domain sets, one list query per side.
// Forced runs skip the queries entirely, and a failed query degrades to an
// empty set for that side so the run keeps going.
func (e *Engine) prefetchRunning(ctx context.Context) types.RunningVMSet {
	logger := log.WithFunc("engine.prefetchRunning")
	if e.opts.Force {
		logger.Debugf(ctx, "forced run, skipping running-domain queries")
		return types.NewRunningVMSet(nil, nil)
	}

	var (
		localVMs, remoteVMs []string
		g                   errgroup.Group
	)
	g.Go(func() error {
		var err error
		localVMs, err = virt.RunningVMs(ctx, e.local, "")
		return err
	})
	g.Go(func() error {
		var err error
		remoteVMs, err = virt.RunningVMs(ctx, e.target, virt.RemoteToolPath)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warnf(ctx, "failed listing running domains, treating the failed side as empty: %+v", err)
	}
	return types.NewRunningVMSet(localVMs, remoteVMs)
}

// collectFiles parses every non-running VM's definition and returns the
// files that exist locally under a configured source directory. Running VMs
// are excluded outright; their disks are being written.
func (e *Engine) collectFiles(ctx context.Context, vms []string, running types.RunningVMSet, report *Report) []types.FileSyncCandidate {
	logger := log.WithFunc("engine.collectFiles")

	var out []types.FileSyncCandidate
	for _, vm := range vms {
		if running.RunningLocally(vm) {
			logger.Warnf(ctx, "Domain %s is running!! Skipping...", vm)
			continue
		}
		if running.RunningRemotely(vm) {
			logger.Warnf(ctx, "Domain %s is running on %s!! Skipping...", vm, e.remoteHost)
			continue
		}

		desc, err := e.describeVM(vm)
		if err != nil {
			logger.Warnf(ctx, "failed reading definition for domain %s: %+v", vm, err)
			report.Failures = append(report.Failures, err)
			continue
		}
		out = append(out, e.matchFiles(ctx, vm, types.FileKindDisk, desc.DiskFiles)...)
		out = append(out, e.matchFiles(ctx, vm, types.FileKindFirmware, desc.FirmwareFiles)...)
	}
	return out
}

func (e *Engine) describeVM(vm string) (*types.VMDescriptor, error) {
	xmlPath := e.conf.LocalConfigXML(vm)
	doc, err := os.ReadFile(xmlPath)
	if err != nil {
		return nil, fmt.Errorf("read domain %s definition: %w", vm, err)
	}
	disks, firmware, err := virt.ParseDomainFiles(string(doc))
	if err != nil {
		return nil, fmt.Errorf("parse domain %s definition: %w", vm, err)
	}
	return &types.VMDescriptor{
		Name:          vm,
		ConfigPath:    xmlPath,
		DiskFiles:     disks,
		FirmwareFiles: firmware,
	}, nil
}

// matchFiles keeps the referenced files that live under a configured source
// directory and still exist locally, pairing each with its destination.
func (e *Engine) matchFiles(ctx context.Context, vm string, kind types.FileKind, paths []string) []types.FileSyncCandidate {
	logger := log.WithFunc("engine.matchFiles")

	srcDirs, dstDirs := e.conf.ImagesSrcDirs, e.host.ImagesDstDirs
	if kind == types.FileKindFirmware {
		srcDirs, dstDirs = e.conf.NVRAMSrcDirs, e.host.NVRAMDstDirs
	}

	var out []types.FileSyncCandidate
	for _, p := range paths {
		idx := matchDir(srcDirs, p)
		if idx < 0 {
			logger.Debugf(ctx, "%s is outside every configured source directory, skipping", p)
			continue
		}
		if _, err := os.Stat(p); err != nil {
			logger.Warnf(ctx, "%s does not exist, skipping...", p)
			continue
		}
		out = append(out, types.FileSyncCandidate{
			VM:        vm,
			Kind:      kind,
			LocalPath: p,
			RemoteDir: dstDirs[idx],
			DirIndex:  idx,
		})
	}
	return out
}

func matchDir(dirs []string, p string) int {
	for i, d := range dirs {
		if strings.HasPrefix(p, strings.TrimSuffix(d, "/")+"/") {
			return i
		}
	}
	return -1
}

// resolveSyncSet decides which candidates actually move. Forced runs, hosts
// that skip stat checks and stat-less systems sync everything; otherwise one
// batched remote mtime query feeds the comparison for the whole run.
func (e *Engine) resolveSyncSet(ctx context.Context, cands []types.FileSyncCandidate) []types.FileSyncCandidate {
	logger := log.WithFunc("engine.resolveSyncSet")
	if len(cands) == 0 {
		return nil
	}

	if e.opts.Force || e.host.SkipStatCheck || !e.statAvailable {
		if !e.statAvailable && !e.host.SkipStatCheck && !e.opts.Force {
			logger.Debugf(ctx, "stat not available on both systems, syncing everything")
		}
		for _, c := range cands {
			logger.Infof(ctx, "*** Will rsync (%s) %s to %s:%s", c.VM, c.LocalPath, e.remoteHost, c.RemoteDir)
		}
		return cands
	}

	remoteTimes := e.remoteMTimes(ctx, cands)

	var out []types.FileSyncCandidate
	for _, c := range cands {
		st, err := os.Stat(c.LocalPath)
		if err != nil {
			logger.Warnf(ctx, "%s disappeared during collection, skipping...", c.LocalPath)
			continue
		}
		local := st.ModTime().Unix()
		rmt := remoteTimes[c.RemotePath()]
		switch {
		case needsSync(local, rmt):
			logger.Infof(ctx, "*** Will rsync (%s) %s to %s:%s", c.VM, c.LocalPath, e.remoteHost, c.RemoteDir)
			out = append(out, c)
		case local == rmt:
			logger.Infof(ctx, "stat() times on %s (%s) are identical, skipping...", c.VM, c.LocalPath)
		default:
			logger.Debugf(ctx, "remote copy of %s (%s) is newer, skipping", c.VM, c.LocalPath)
		}
	}
	return out
}

// needsSync is the one comparison both the batched and the per-file mtime
// paths share: transfer happens only when the local copy is strictly newer.
func needsSync(localSec, remoteSec int64) bool {
	return localSec > remoteSec
}

// remoteMTimes returns the remote mtime for every candidate's destination
// path in one round-trip. stat exits non-zero when some files are missing
// but still reports the rest on stdout, so a non-zero exit only means those
// paths stay at zero. Transport failure falls back to per-file queries.
func (e *Engine) remoteMTimes(ctx context.Context, cands []types.FileSyncCandidate) map[string]int64 {
	logger := log.WithFunc("engine.remoteMTimes")

	paths := make([]string, 0, len(cands))
	for _, c := range cands {
		paths = append(paths, c.RemotePath())
	}

	command := e.statCmd + " -L -c '%Y %n' " + remote.QuoteAll(paths...)
	stdout, stderr, err := e.target.Run(ctx, command)
	if err != nil {
		if _, ok := remote.ExitStatus(err); !ok {
			logger.Warnf(ctx, "batched stat on %s failed, falling back to per-file queries: %+v", e.remoteHost, err)
			return e.remoteMTimesSingle(ctx, paths)
		}
		logger.Debugf(ctx, "batched stat reported missing files on %s: %s", e.remoteHost, strings.TrimSpace(stderr))
	}

	times := make(map[string]int64, len(paths))
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) != 2 {
			continue
		}
		sec, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		times[fields[1]] = sec
	}
	return times
}

func (e *Engine) remoteMTimesSingle(ctx context.Context, paths []string) map[string]int64 {
	times := make(map[string]int64, len(paths))
	for _, p := range paths {
		stdout, _, err := e.target.Run(ctx, e.statCmd+" -L -c %Y "+remote.Quote(p))
		if err != nil {
			continue
		}
		sec, perr := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
		if perr != nil {
			continue
		}
		times[p] = sec
	}
	return times
}

// vmNames returns the sorted, deduplicated VM names behind a candidate set.
func vmNames(cands []types.FileSyncCandidate) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.VM)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func difference(all, exclude []string) []string {
	var out []string
	for _, name := range all {
		if !slices.Contains(exclude, name) {
			out = append(out, name)
		}
	}
	return out
}
