// Package transfer pushes disk images, firmware files, VM configuration
// documents and the tool directory itself to the destination host through
// rsync, and drives the single batched remote define step that re-registers
// pushed VMs.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"
	"golang.org/x/term"

	"github.com/kvmtools/kvmsync/config"
	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
)

// Options are the per-run transfer toggles.
type Options struct {
	Checksum   bool // force content checksums
	UpdateOnly bool // skip files already newer on the destination
	VerifyOnly bool // verify without copying
	Mode       types.ExecutionMode
}

// Engine pushes files to one destination host. Transfers run as external
// rsync processes registered in a ProcessGroup so an interrupt reaches the
// whole process tree; the batched define step goes through the remote
// command runner instead.
type Engine struct {
	conf         *config.Config
	host         config.HostConfig
	remoteHost   string
	runner       remote.Runner
	procs        *utils.ProcessGroup
	opts         Options
	progressInfo string
}

// NewEngine builds a transfer engine for one destination host. Per-file
// progress is only requested when stdout is a terminal; cron runs get bare
// file names.
func NewEngine(conf *config.Config, host config.HostConfig, remoteHost string,
	runner remote.Runner, procs *utils.ProcessGroup, opts Options) *Engine {
	progress := "--info=name"
	if term.IsTerminal(int(os.Stdout.Fd())) {
		progress = "--info=name,progress1"
	}
	return &Engine{
		conf:         conf,
		host:         host,
		remoteHost:   remoteHost,
		runner:       runner,
		procs:        procs,
		opts:         opts,
		progressInfo: progress,
	}
}

// SyncDiskFilesParallel fans out one transfer per disk image over a bounded
// worker pool. A failed transfer marks the pass failed without killing
// siblings; interruption reaches every child through the process group.
func (e *Engine) SyncDiskFilesParallel(ctx context.Context, paths []string, destDir string) error {
	if len(paths) == 0 {
		return nil
	}
	logger := log.WithFunc("transfer.SyncDiskFilesParallel")
	logger.Infof(ctx, "starting parallel rsync for %d disk files with %d threads...",
		len(paths), e.host.Threads)

	pool, err := ants.NewPool(e.host.Threads)
	if err != nil {
		return fmt.Errorf("create transfer pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, path := range paths {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := e.SyncSingleFile(ctx, path, destDir); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit transfer of %s: %w", path, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	return errors.Join(errs...)
}

// SyncSingleFile pushes one file into destDir on the remote host.
func (e *Engine) SyncSingleFile(ctx context.Context, localPath, destDir string) error {
	args := append(e.baseArgs(), localPath, e.target(destDir)+"/")
	if err := e.runRsync(ctx, args); err != nil {
		return fmt.Errorf("sync %s to %s: %w", localPath, e.target(destDir), err)
	}
	return nil
}

// baseArgs assembles the shared rsync options: archive semantics, destination
// deletion, whole-file transfer, and no recompression of qcow2 images.
func (e *Engine) baseArgs() []string {
	args := []string{"-a", e.progressInfo, "--delete", "--whole-file", "--skip-compress=qcow2"}
	args = append(args, "-e", e.sshTransport())
	if e.host.RsyncPath != "" {
		args = append(args, "--rsync-path", e.host.RsyncPath)
	}
	if e.opts.Checksum {
		args = append(args, "-c")
	}
	if e.opts.UpdateOnly {
		args = append(args, "-u")
	}
	if e.opts.VerifyOnly {
		args = append(args, "-n")
	}
	if e.opts.Mode.DryRun() {
		args = append(args, "--dry-run")
	}
	return args
}

// sshTransport is the remote shell rsync uses, pinned to the same cipher
// and key as the command runner.
func (e *Engine) sshTransport() string {
	parts := []string{"ssh", "-q", "-oCompression=no"}
	if e.conf.SSHCipher != "" {
		parts = append(parts, "-c", e.conf.SSHCipher)
	}
	if e.conf.SSHPort != 0 && e.conf.SSHPort != 22 {
		parts = append(parts, "-p", strconv.Itoa(e.conf.SSHPort))
	}
	if e.conf.SSHKeyFile != "" {
		parts = append(parts, "-i", e.conf.SSHKeyFile)
	}
	return strings.Join(parts, " ")
}

func (e *Engine) target(dir string) string {
	host := e.remoteHost
	if e.conf.SSHUser != "" {
		host = e.conf.SSHUser + "@" + host
	}
	return host + ":" + dir
}

func (e *Engine) runRsync(ctx context.Context, args []string) error {
	command := e.conf.RsyncBin + " " + strings.Join(args, " ")
	log.WithFunc("transfer.runRsync").Debugf(ctx, "executing: %s", command)

	cmd := exec.CommandContext(ctx, e.conf.RsyncBin, args...)
	// Inherit stdout/stderr so transfer progress stays visible live.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := e.procs.Run(cmd, command)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
