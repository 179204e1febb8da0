package types

import (
	"path"
	"path/filepath"
	"strings"
)

// ExecutionMode selects whether side-effecting operations mutate anything.
// DryRun performs every check and decision but logs mutations instead of
// executing them; file transfers still run, in their own dry-run mode.
type ExecutionMode string

const (
	ModeLive   ExecutionMode = "live"
	ModeDryRun ExecutionMode = "dry-run"
)

// DryRun reports whether mutations should be logged rather than executed.
func (m ExecutionMode) DryRun() bool { return m == ModeDryRun }

// FileKind classifies a file attached to a VM definition.
type FileKind string

const (
	FileKindDisk     FileKind = "disk"     // virtual disk image
	FileKindFirmware FileKind = "firmware" // NVRAM variable store
)

// VMDescriptor is a VM enumerated from the local configuration directory.
// It lives for one run only; the authoritative definition stays in libvirt.
type VMDescriptor struct {
	Name          string
	ConfigPath    string // local domain XML
	DiskFiles     []string
	FirmwareFiles []string
}

// FileSyncCandidate is one file that may need transfer to the remote host.
// RemoteDir always points at the real destination directory; LocalPath may
// later be redirected into a read-only snapshot mount, RemoteDir never is.
type FileSyncCandidate struct {
	VM        string
	Kind      FileKind
	LocalPath string
	RemoteDir string
	DirIndex  int // index into the paired source/destination directory lists
}

// RemotePath is the full destination path for this candidate.
func (c FileSyncCandidate) RemotePath() string {
	return path.Join(c.RemoteDir, filepath.Base(c.LocalPath))
}

// RedirectLocal rewrites LocalPath from the live filesystem mount into the
// snapshot mount. A path outside the mount is left untouched.
func (c *FileSyncCandidate) RedirectLocal(fsMount, snapMount string) {
	if strings.HasPrefix(c.LocalPath, fsMount) {
		c.LocalPath = snapMount + strings.TrimPrefix(c.LocalPath, fsMount)
	}
}

// RunningVMSet holds the VM names active on the local and remote host,
// fetched once per run with a single list query per side.
type RunningVMSet struct {
	Local  map[string]struct{}
	Remote map[string]struct{}
}

// NewRunningVMSet builds the set from two name lists.
func NewRunningVMSet(local, remote []string) RunningVMSet {
	s := RunningVMSet{
		Local:  make(map[string]struct{}, len(local)),
		Remote: make(map[string]struct{}, len(remote)),
	}
	for _, name := range local {
		s.Local[name] = struct{}{}
	}
	for _, name := range remote {
		s.Remote[name] = struct{}{}
	}
	return s
}

// RunningLocally reports whether name is active on the local host.
func (s RunningVMSet) RunningLocally(name string) bool {
	_, ok := s.Local[name]
	return ok
}

// RunningRemotely reports whether name is active on the remote host.
func (s RunningVMSet) RunningRemotely(name string) bool {
	_, ok := s.Remote[name]
	return ok
}
