// Package snapshot manages read-only, point-in-time views of the source
// volume so disk images are transferred from a consistent state while the
// live filesystem keeps changing. Coordination between concurrent
// replicator instances is advisory: a deterministic mount point makes them
// converge on one snapshot, and a holder registry beside the mount records
// who is using it so teardown can tell "still referenced" apart from a
// genuine unmount failure.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/kvmtools/kvmsync/remote"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
)

var errNotVxVolume = errors.New("source device not managed by vxvm")

// Info identifies the volume-manager objects behind a source directory.
type Info struct {
	DiskGroup    string
	SourceVolume string
	SnapVolume   string
	SourceMount  string // filesystem mount the source directory lives on
	MountPoint   string // where the snapshot view gets mounted
}

func (i *Info) snapDevice() string {
	return fmt.Sprintf("/dev/vx/dsk/%s/%s", i.DiskGroup, i.SnapVolume)
}

// Handle is an acquired snapshot view plus this instance's registration in
// the holder registry.
type Handle struct {
	Info
	holderID string
}

// Manager drives the volume manager through a local command runner.
type Manager struct {
	runner    remote.Runner
	prefix    string
	cacheSize string
	mode      types.ExecutionMode
}

// NewManager returns a Manager mounting snapshot views under prefix.
// cacheSize is the copy-on-write cache handed to the volume manager.
func NewManager(runner remote.Runner, prefix, cacheSize string, mode types.ExecutionMode) *Manager {
	return &Manager{runner: runner, prefix: prefix, cacheSize: cacheSize, mode: mode}
}

// Available reports whether the volume-manager snapshot tool is installed.
func (m *Manager) Available() bool {
	_, err := exec.LookPath("vxsnap")
	return err == nil
}

// Resolve maps a source directory to its volume-manager identifiers.
// Returns nil without error when the directory does not live on a
// snapshot-capable filesystem.
func (m *Manager) Resolve(ctx context.Context, srcDir string) (*Info, error) {
	stdout, stderr, err := m.runner.Run(ctx, "df --output=target "+remote.Quote(srcDir))
	if err != nil {
		return nil, fmt.Errorf("resolve mount for %s: %w (%s)", srcDir, err, strings.TrimSpace(stderr))
	}
	lines := splitLines(stdout)
	if len(lines) < 2 {
		return nil, fmt.Errorf("resolve mount for %s: unexpected df output %q", srcDir, stdout)
	}
	mount := lines[1]

	fsType, err := m.mountFSType(ctx, mount)
	if err != nil {
		return nil, err
	}
	if fsType != "vxfs" {
		return nil, nil
	}

	info, err := m.ResolveMount(ctx, mount)
	if errors.Is(err, errNotVxVolume) {
		return nil, nil
	}
	return info, err
}

// ResolveMount resolves identifiers directly from a known filesystem mount.
func (m *Manager) ResolveMount(ctx context.Context, mount string) (*Info, error) {
	stdout, stderr, err := m.runner.Run(ctx, "findmnt -n -o SOURCE "+remote.Quote(mount))
	if err != nil {
		return nil, fmt.Errorf("resolve source device for %s: %w (%s)", mount, err, strings.TrimSpace(stderr))
	}
	source := strings.TrimSpace(stdout)
	// Volume-manager devices look like /dev/vx/dsk/<group>/<volume>.
	parts := strings.Split(source, "/")
	if len(parts) < 6 {
		return nil, fmt.Errorf("%w: %q on %s", errNotVxVolume, source, mount)
	}

	info := &Info{
		DiskGroup:    parts[4],
		SourceVolume: parts[5],
		SnapVolume:   parts[5] + "_snapshot",
		SourceMount:  mount,
	}
	info.MountPoint = path.Join(m.prefix, info.SnapVolume)
	return info, nil
}

// FindExisting reports whether the snapshot view is already mounted,
// possibly by a concurrently running instance.
func (m *Manager) FindExisting(ctx context.Context, info *Info) bool {
	fsType, err := m.mountFSType(ctx, info.MountPoint)
	return err == nil && fsType == "vxfs"
}

// Acquire makes the snapshot view usable: idempotently prepares the source
// volume, requests the snapshot, and mounts it read-only. A mount that
// races with a concurrent instance is re-checked instead of failed. The
// returned handle must go to Release once the transfer pass is done.
func (m *Manager) Acquire(ctx context.Context, info *Info) (*Handle, error) {
	logger := log.WithFunc("snapshot.Acquire")
	if m.mode.DryRun() {
		logger.Infof(ctx, "dry-run: would create snapshot %s/%s at %s",
			info.DiskGroup, info.SourceVolume, info.MountPoint)
		return &Handle{Info: *info}, nil
	}

	logger.Infof(ctx, "creating snapshot for %s/%s...", info.DiskGroup, info.SourceVolume)

	// Failures here usually mean another instance got there first;
	// the mount probe below decides whether anything actually went wrong.
	if _, stderr, err := m.runner.Run(ctx,
		fmt.Sprintf("vxsnap -g %s prepare %s", info.DiskGroup, info.SourceVolume)); err != nil {
		logger.Debugf(ctx, "prepare %s/%s: %v (%s)",
			info.DiskGroup, info.SourceVolume, err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := m.runner.Run(ctx,
		fmt.Sprintf("vxsnap -g %s make source=%s/newvol=%s/cachesize=%s/autogrow=yes",
			info.DiskGroup, info.SourceVolume, info.SnapVolume, m.cacheSize)); err != nil {
		logger.Debugf(ctx, "make %s: %v (%s)", info.SnapVolume, err, strings.TrimSpace(stderr))
	}

	if err := os.MkdirAll(info.MountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot mount dir: %w", err)
	}

	if m.FindExisting(ctx, info) {
		logger.Infof(ctx, "%s already mounted, skipping...", info.MountPoint)
		return m.register(ctx, info), nil
	}

	if _, stderr, err := m.runner.Run(ctx,
		fmt.Sprintf("mount -t vxfs -o ro,noatime,largefiles %s %s",
			info.snapDevice(), info.MountPoint)); err != nil {
		if !m.FindExisting(ctx, info) {
			return nil, fmt.Errorf("mount snapshot at %s: %w (%s)",
				info.MountPoint, err, strings.TrimSpace(stderr))
		}
		logger.Infof(ctx, "%s mounted by a concurrent instance", info.MountPoint)
	}
	return m.register(ctx, info), nil
}

func (m *Manager) register(ctx context.Context, info *Info) *Handle {
	h := &Handle{Info: *info}
	id, err := newHolderRegistry(info.MountPoint).Register(ctx)
	if err != nil {
		log.WithFunc("snapshot.register").Warnf(ctx, "record snapshot holder for %s: %v", info.MountPoint, err)
		return h
	}
	h.holderID = id
	return h
}

// Release detaches this instance from the snapshot and tears it down when
// nobody else holds it. Every instance that touched the snapshot attempts
// the unmount; the volume objects are destroyed only by the instance whose
// unmount actually succeeds.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	logger := log.WithFunc("snapshot.Release")
	if m.mode.DryRun() {
		logger.Infof(ctx, "dry-run: would destroy snapshot %s/%s at %s",
			h.DiskGroup, h.SourceVolume, h.MountPoint)
		return nil
	}

	remaining := -1
	if h.holderID != "" {
		var err error
		remaining, err = newHolderRegistry(h.MountPoint).Deregister(ctx, h.holderID)
		if err != nil {
			logger.Warnf(ctx, "drop snapshot holder for %s: %v", h.MountPoint, err)
			remaining = -1
		}
	}

	if !m.FindExisting(ctx, &h.Info) {
		logger.Debugf(ctx, "%s not mounted, no cleanup needed", h.MountPoint)
		return nil
	}

	if _, stderr, err := m.runner.Run(ctx, "umount "+remote.Quote(h.MountPoint)); err != nil {
		if remaining > 0 {
			logger.Infof(ctx, "%s still used by %d other running instances, leaving mounted",
				h.MountPoint, remaining)
		} else {
			logger.Warnf(ctx, "failed umounting %s with no live holders registered: %v (%s)",
				h.MountPoint, err, strings.TrimSpace(stderr))
		}
		return nil
	}

	logger.Infof(ctx, "destroying snapshot for %s/%s...", h.DiskGroup, h.SourceVolume)
	return m.Teardown(ctx, &h.Info)
}

// Teardown destroys the snapshot volume objects. Callers must ensure the
// view is unmounted first.
func (m *Manager) Teardown(ctx context.Context, info *Info) error {
	var errs []error
	for _, cmd := range []string{
		fmt.Sprintf("vxsnap -g %s dis %s", info.DiskGroup, info.SnapVolume),
		fmt.Sprintf("vxedit -g %s -fr rm %s", info.DiskGroup, info.SnapVolume),
		fmt.Sprintf("vxsnap -g %s unprepare %s", info.DiskGroup, info.SourceVolume),
	} {
		if _, stderr, err := m.runner.Run(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w (%s)", cmd, err, strings.TrimSpace(stderr)))
		}
	}
	return errors.Join(errs...)
}

// Recycle forces a full create-then-destroy cycle of the snapshot,
// regardless of other holders, to exercise and reclaim the copy-on-write
// cache. settle is how long to wait after sync before unmounting.
func (m *Manager) Recycle(ctx context.Context, info *Info, settle time.Duration) error {
	logger := log.WithFunc("snapshot.Recycle")

	h, err := m.Acquire(ctx, info)
	if err != nil {
		return err
	}
	if m.mode.DryRun() {
		logger.Infof(ctx, "dry-run: would sync, unmount and destroy %s", h.MountPoint)
		return nil
	}

	if _, _, err := m.runner.Run(ctx, "sync"); err != nil {
		logger.Warnf(ctx, "sync before unmount: %v", err)
	}
	logger.Infof(ctx, "waiting %s for filesystem sync", settle)
	if err := utils.Sleep(ctx, settle); err != nil {
		return err
	}

	if h.holderID != "" {
		if _, err := newHolderRegistry(h.MountPoint).Deregister(ctx, h.holderID); err != nil {
			logger.Warnf(ctx, "drop snapshot holder for %s: %v", h.MountPoint, err)
		}
	}
	if _, stderr, err := m.runner.Run(ctx, "umount "+remote.Quote(h.MountPoint)); err != nil {
		logger.Warnf(ctx, "umount %s: %v (%s)", h.MountPoint, err, strings.TrimSpace(stderr))
	}
	return m.Teardown(ctx, &h.Info)
}

func (m *Manager) mountFSType(ctx context.Context, mount string) (string, error) {
	stdout, stderr, err := m.runner.Run(ctx, "findmnt -o FSTYPE "+remote.Quote(mount))
	if err != nil {
		return "", fmt.Errorf("query filesystem type of %s: %w (%s)", mount, err, strings.TrimSpace(stderr))
	}
	lines := splitLines(stdout)
	if len(lines) < 2 {
		return "", fmt.Errorf("query filesystem type of %s: unexpected findmnt output %q", mount, stdout)
	}
	return lines[1], nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
