package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kvmtools/kvmsync/config"
	"github.com/kvmtools/kvmsync/snapshot"
	"github.com/kvmtools/kvmsync/types"
	"github.com/kvmtools/kvmsync/utils"
	"github.com/kvmtools/kvmsync/virt"
)

const (
	dfShared = "Filesystem               Size  Used Avail Use% Mounted on\n" +
		"/dev/vx/dsk/kvm0dg/kvm0lv  1.0T   10G  990G   1% /shared/kvm0\n"
	dfRoot = "Filesystem  Size  Used Avail Use% Mounted on\n" +
		"/dev/sda1    50G   20G   30G  40% /\n"
)

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner pops scripted results per exact command; unscripted commands
// succeed with empty output.
type fakeRunner struct {
	seq   map[string][]fakeResult
	calls []string
}

func newFakeRunner() *fakeRunner { return &fakeRunner{seq: map[string][]fakeResult{}} }

func (f *fakeRunner) script(command string, results ...fakeResult) {
	f.seq[command] = append(f.seq[command], results...)
}

func (f *fakeRunner) Label() string { return "fake" }
func (f *fakeRunner) Close() error  { return nil }

func (f *fakeRunner) Run(_ context.Context, command string) (string, string, error) {
	f.calls = append(f.calls, command)
	if rs := f.seq[command]; len(rs) > 0 {
		r := rs[0]
		f.seq[command] = rs[1:]
		return r.stdout, r.stderr, r.err
	}
	return "", "", nil
}

func (f *fakeRunner) containing(substr string) int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type fakeSnaps struct {
	available  bool
	info       *snapshot.Info
	resolveErr error
	acquireErr error

	resolveCalls int
	acquireCalls int
	releaseCalls int
}

func (f *fakeSnaps) Available() bool { return f.available }

func (f *fakeSnaps) Resolve(_ context.Context, _ string) (*snapshot.Info, error) {
	f.resolveCalls++
	return f.info, f.resolveErr
}

func (f *fakeSnaps) Acquire(_ context.Context, info *snapshot.Info) (*snapshot.Handle, error) {
	f.acquireCalls++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &snapshot.Handle{Info: *info}, nil
}

func (f *fakeSnaps) Release(_ context.Context, _ *snapshot.Handle) error {
	f.releaseCalls++
	return nil
}

type testEnv struct {
	base     string
	conf     *config.Config
	host     config.HostConfig
	local    *fakeRunner
	target   *fakeRunner
	snaps    *fakeSnaps
	argsFile string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	conf := config.DefaultConfig()
	conf.ConfSrcDir = filepath.Join(base, "qemu")
	conf.TemplatesDir = filepath.Join(base, "templates")
	conf.ImagesSrcDirs = []string{filepath.Join(base, "images")}
	conf.NVRAMSrcDirs = []string{filepath.Join(base, "nvram")}
	conf.SettleDelaySeconds = 0
	if err := utils.EnsureDirs(conf.ConfSrcDir, conf.TemplatesDir, conf.ImagesSrcDirs[0], conf.NVRAMSrcDirs[0]); err != nil {
		t.Fatal(err)
	}

	bin := filepath.Join(base, "rsync")
	argsFile := filepath.Join(base, "rsync.args")
	script := "#!/bin/sh\necho \"$@\" >> " + argsFile + "\nexit 0\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	conf.RsyncBin = bin

	return &testEnv{
		base: base,
		conf: conf,
		host: config.HostConfig{
			RemoteHost:    "palanthas-228",
			Threads:       2,
			ImagesDstDirs: []string{"/shared/kvm0/images"},
			NVRAMDstDirs:  []string{"/shared/kvm0/nvram"},
			DefaultVMList: []string{"alpha"},
		},
		local:    newFakeRunner(),
		target:   newFakeRunner(),
		snaps:    &fakeSnaps{},
		argsFile: argsFile,
	}
}

func (env *testEnv) engine(_ *testing.T, opts Options) *Engine {
	e := New(env.conf, env.host, "palanthas-228", env.local, env.target, utils.NewProcessGroup(), opts)
	e.snaps = env.snaps
	return e
}

// writeDomain drops a definition for vm plus its disk and firmware files.
func (env *testEnv) writeDomain(t *testing.T, vm string) (disk, nvram string) {
	t.Helper()
	disk = filepath.Join(env.conf.ImagesSrcDirs[0], vm+".qcow2")
	nvram = filepath.Join(env.conf.NVRAMSrcDirs[0], vm+"_VARS.fd")
	for _, p := range []string{disk, nvram} {
		if err := os.WriteFile(p, []byte(vm), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	doc := `<domain type='kvm'>
  <name>` + vm + `</name>
  <os>
    <type arch='x86_64' machine='pc-i440fx-rhel7.6.0'>hvm</type>
    <nvram>` + nvram + `</nvram>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='` + disk + `'/>
      <target dev='vda' bus='virtio'/>
    </disk>
  </devices>
</domain>
`
	if err := os.WriteFile(env.conf.LocalConfigXML(vm), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return disk, nvram
}

func (env *testEnv) batchStatCmd() string {
	return "stat -L -c '%Y %n' /shared/kvm0/images/alpha.qcow2 /shared/kvm0/nvram/alpha_VARS.fd"
}

// scriptHappyPath schedules every remote round-trip a clean single-VM run
// performs, with the given remote mtimes for alpha's two files.
func (env *testEnv) scriptHappyPath(diskTime, nvramTime int64) {
	env.target.script("df -hP /shared/kvm0/images", fakeResult{stdout: dfShared})
	env.target.script(env.batchStatCmd(), fakeResult{stdout: fmt.Sprintf(
		"%d /shared/kvm0/images/alpha.qcow2\n%d /shared/kvm0/nvram/alpha_VARS.fd\n", diskTime, nvramTime)})
	env.target.script(virt.DefineScript([]string{"alpha"}, env.conf.ConfDstDir, env.conf.TemplatesDir),
		fakeResult{stdout: "OK alpha\n"})
}

func rsyncLines(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded rsync args: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func noRsyncRan(t *testing.T, argsFile string) {
	t.Helper()
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Error("rsync ran when it should not have")
	}
}

// realExitError produces an error that carries a process exit status.
func realExitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 3").Run()
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected exit error, got %v", err)
	}
	return err
}

// --- full runs ---

func TestRunSyncsStaleFiles(t *testing.T) {
	env := newTestEnv(t)
	disk, nvram := env.writeDomain(t, "alpha")
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := rsyncLines(t, env.argsFile)
	if len(lines) != 4 {
		t.Fatalf("got %d rsync invocations, want 4 (disk, nvram, tools, configs): %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], disk) || !strings.Contains(lines[0], "root@palanthas-228:/shared/kvm0/images/") {
		t.Errorf("disk transfer args wrong: %q", lines[0])
	}
	if !strings.Contains(lines[1], nvram) || !strings.Contains(lines[1], "root@palanthas-228:/shared/kvm0/nvram/") {
		t.Errorf("firmware transfer args wrong: %q", lines[1])
	}
	if !strings.Contains(lines[2], "root@palanthas-228:/shared/kvm0/scripts/") {
		t.Errorf("toolchain args wrong: %q", lines[2])
	}
	// Disk data lands before the definition that points at it.
	if !strings.Contains(lines[3], "alpha.xml") {
		t.Errorf("config push did not come last: %q", lines[3])
	}
	if env.target.containing("virsh define") != 1 {
		t.Errorf("expected one batched define round-trip, calls: %v", env.target.calls)
	}
}

func TestRunIdempotentWhenTimesMatch(t *testing.T) {
	env := newTestEnv(t)
	disk, nvram := env.writeDomain(t, "alpha")
	t0 := time.Unix(1700000000, 0)
	for _, p := range []string{disk, nvram} {
		if err := os.Chtimes(p, t0, t0); err != nil {
			t.Fatal(err)
		}
	}
	env.scriptHappyPath(1700000000, 1700000000)

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if lines := rsyncLines(t, env.argsFile); len(lines) != 1 || !strings.Contains(lines[0], "scripts/") {
		t.Errorf("identical files must leave only the toolchain copy: %v", lines)
	}
	if env.target.containing("virsh define") != 0 {
		t.Error("define ran with nothing to sync")
	}
}

func TestRunExcludesRunningVM(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.target.script("df -hP /shared/kvm0/images", fakeResult{stdout: dfShared})
	env.target.script("PATH=/bin:/opt/bin virsh list --name", fakeResult{stdout: "alpha\n"})

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.target.containing("stat -L") != 0 {
		t.Error("mtime query ran for an excluded VM")
	}
	if env.target.containing("virsh define") != 0 {
		t.Error("running VM was defined remotely")
	}
	if lines := rsyncLines(t, env.argsFile); len(lines) != 1 || !strings.Contains(lines[0], "scripts/") {
		t.Errorf("running VM must leave only the toolchain copy: %v", lines)
	}
	if env.snaps.resolveCalls != 0 {
		t.Error("snapshot resolved with an empty sync set")
	}
}

func TestRunMountCheckFatal(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.target.script("df -hP /shared/kvm0/images", fakeResult{stdout: dfRoot})

	err := env.engine(t, Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal mount check failure")
	}
	if code := types.ExitCode(err); code != types.ExitPreflight {
		t.Errorf("exit code = %d, want %d", code, types.ExitPreflight)
	}
	noRsyncRan(t, env.argsFile)
	if env.target.containing("virsh") != 0 {
		t.Error("inventory ran after a fatal preflight failure")
	}
}

func TestRunConnectivityFatal(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.target.script("echo 'SSH connectivity OK'", fakeResult{err: errors.New("connection refused")})

	err := env.engine(t, Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal connectivity failure")
	}
	if code := types.ExitCode(err); code != types.ExitPreflight {
		t.Errorf("exit code = %d, want %d", code, types.ExitPreflight)
	}
	if len(env.target.calls) != 1 {
		t.Errorf("remote work continued after connectivity failure: %v", env.target.calls)
	}
	noRsyncRan(t, env.argsFile)
}

func TestRunForceSkipsStateQueries(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.target.script("df -hP /shared/kvm0/images", fakeResult{stdout: dfShared})
	env.target.script(virt.DefineScript([]string{"alpha"}, env.conf.ConfDstDir, env.conf.TemplatesDir),
		fakeResult{stdout: "OK alpha\n"})

	if err := env.engine(t, Options{Force: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.local.containing("virsh list") != 0 || env.target.containing("virsh list") != 0 {
		t.Error("forced run still queried running domains")
	}
	if env.target.containing("stat -L") != 0 {
		t.Error("forced run still compared mtimes")
	}
	if lines := rsyncLines(t, env.argsFile); len(lines) != 4 {
		t.Errorf("got %d rsync invocations, want 4: %v", len(lines), lines)
	}
}

func TestRunRedirectsIntoSnapshot(t *testing.T) {
	env := newTestEnv(t)
	disk, _ := env.writeDomain(t, "alpha")
	snapMount := filepath.Join(env.base, "snapmnt")
	env.snaps.available = true
	env.snaps.info = &snapshot.Info{
		DiskGroup:    "kvm0dg",
		SourceVolume: "kvm0lv",
		SnapVolume:   "kvm0lv_snapshot",
		SourceMount:  env.base,
		MountPoint:   snapMount,
	}
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := rsyncLines(t, env.argsFile)
	redirected := snapMount + "/images/alpha.qcow2"
	if !strings.Contains(lines[0], redirected) {
		t.Errorf("disk read path %q not redirected into snapshot (want %q)", lines[0], redirected)
	}
	if strings.Contains(lines[0], disk) {
		t.Errorf("disk still read from the live filesystem: %q", lines[0])
	}
	if !strings.Contains(lines[0], "root@palanthas-228:/shared/kvm0/images/") {
		t.Errorf("destination must stay the real directory: %q", lines[0])
	}
	if env.snaps.acquireCalls != 1 || env.snaps.releaseCalls != 1 {
		t.Errorf("acquire/release = %d/%d, want 1/1", env.snaps.acquireCalls, env.snaps.releaseCalls)
	}
}

func TestRunSnapshotFailureDegradesToLive(t *testing.T) {
	env := newTestEnv(t)
	disk, _ := env.writeDomain(t, "alpha")
	env.snaps.available = true
	env.snaps.info = &snapshot.Info{SourceMount: env.base, MountPoint: filepath.Join(env.base, "snapmnt")}
	env.snaps.acquireErr = errors.New("vxsnap: cache volume full")
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run must degrade, not fail: %v", err)
	}

	if lines := rsyncLines(t, env.argsFile); !strings.Contains(lines[0], disk) {
		t.Errorf("disk not read from the live filesystem: %q", lines[0])
	}
	if env.snaps.releaseCalls != 0 {
		t.Error("release called for a snapshot that was never acquired")
	}
}

func TestRunNoSnapshotsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.snaps.available = true
	env.snaps.info = &snapshot.Info{SourceMount: env.base, MountPoint: filepath.Join(env.base, "snapmnt")}
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{NoSnapshots: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.snaps.resolveCalls != 0 {
		t.Error("snapshot resolved despite the disable flag")
	}
}

func TestRunDryRunLeavesPathsLive(t *testing.T) {
	env := newTestEnv(t)
	disk, _ := env.writeDomain(t, "alpha")
	env.snaps.available = true
	env.snaps.info = &snapshot.Info{SourceMount: env.base, MountPoint: filepath.Join(env.base, "snapmnt")}
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{Mode: types.ModeDryRun}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := rsyncLines(t, env.argsFile)
	if !strings.Contains(lines[0], "--dry-run") || !strings.Contains(lines[0], disk) {
		t.Errorf("dry-run disk transfer args wrong: %q", lines[0])
	}
	if env.target.containing("virsh define") != 0 {
		t.Error("define ran in dry-run mode")
	}
	if env.snaps.releaseCalls != 1 {
		t.Error("snapshot handle not released")
	}
}

func TestRunningQueryFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.target.script("PATH=/bin:/opt/bin virsh list --name", fakeResult{err: errors.New("ssh: rekey failed")})
	env.scriptHappyPath(100, 100)

	if err := env.engine(t, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lines := rsyncLines(t, env.argsFile); len(lines) != 4 {
		t.Errorf("got %d rsync invocations, want 4 after a degraded state query: %v", len(lines), lines)
	}
}

// --- staleness resolution ---

func TestNeedsSync(t *testing.T) {
	cases := []struct {
		local, remote int64
		want          bool
	}{
		{5, 3, true},
		{3, 3, false},
		{2, 3, false},
		{5, 0, true},
		{0, 0, false},
	}
	for _, c := range cases {
		if got := needsSync(c.local, c.remote); got != c.want {
			t.Errorf("needsSync(%d, %d) = %v, want %v", c.local, c.remote, got, c.want)
		}
	}
}

func TestRemoteMTimesPartialBatch(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, Options{})
	e.statCmd = "stat"

	cands := []types.FileSyncCandidate{
		{LocalPath: "/a", RemoteDir: "/"},
		{LocalPath: "/b", RemoteDir: "/"},
	}
	env.target.script("stat -L -c '%Y %n' /a /b",
		fakeResult{stdout: "100 /a\n", stderr: "stat: cannot statx '/b'", err: realExitError(t)})

	times := e.remoteMTimes(context.Background(), cands)
	if len(times) != 1 || times["/a"] != 100 {
		t.Errorf("times = %v, want only /a at 100", times)
	}
	if env.target.containing("stat -L -c %Y ") != 0 {
		t.Error("per-file fallback ran despite a parsable batch result")
	}
}

func TestRemoteMTimesTransportFallback(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, Options{})
	e.statCmd = "stat"

	cands := []types.FileSyncCandidate{
		{LocalPath: "/a", RemoteDir: "/"},
		{LocalPath: "/b", RemoteDir: "/"},
	}
	env.target.script("stat -L -c '%Y %n' /a /b", fakeResult{err: errors.New("ssh: handshake failed")})
	env.target.script("stat -L -c %Y /a", fakeResult{stdout: "100\n"})
	env.target.script("stat -L -c %Y /b", fakeResult{err: errors.New("ssh: handshake failed")})

	times := e.remoteMTimes(context.Background(), cands)
	if len(times) != 1 || times["/a"] != 100 {
		t.Errorf("times = %v, want only /a at 100", times)
	}
	if got := env.target.containing("stat -L -c %Y "); got != 2 {
		t.Errorf("per-file fallback queries = %d, want 2", got)
	}
}

// --- preflight probes ---

func TestProbeStatCustomPathWorks(t *testing.T) {
	env := newTestEnv(t)
	env.host.StatPath = "/opt/bin/stat"
	e := env.engine(t, Options{})

	e.probeStat(context.Background())
	if !e.statAvailable || e.statCmd != "/opt/bin/stat" {
		t.Errorf("statAvailable=%v statCmd=%q, want true %q", e.statAvailable, e.statCmd, "/opt/bin/stat")
	}
}

func TestProbeStatCustomPathFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.host.StatPath = "/opt/bin/stat"
	env.target.script("/opt/bin/stat --version", fakeResult{err: errors.New("sh: not found")})
	e := env.engine(t, Options{})

	e.probeStat(context.Background())
	if !e.statAvailable || e.statCmd != "stat" {
		t.Errorf("statAvailable=%v statCmd=%q, want true %q", e.statAvailable, e.statCmd, "stat")
	}
}

func TestProbeStatAllFail(t *testing.T) {
	env := newTestEnv(t)
	env.target.script("stat --version", fakeResult{err: errors.New("sh: not found")})
	e := env.engine(t, Options{})

	e.probeStat(context.Background())
	if e.statAvailable {
		t.Error("statAvailable = true with no working remote stat")
	}
}

func TestCheckRemoteMountPointsSkip(t *testing.T) {
	env := newTestEnv(t)
	env.host.SkipMountCheck = true
	e := env.engine(t, Options{})

	if err := e.checkRemoteMountPoints(context.Background()); err != nil {
		t.Fatalf("checkRemoteMountPoints: %v", err)
	}
	if env.target.containing("df") != 0 {
		t.Error("df ran despite skip_mount_check")
	}
}

// --- inventory ---

func TestListCandidateVMs(t *testing.T) {
	env := newTestEnv(t)
	env.writeDomain(t, "alpha")
	env.writeDomain(t, "beta")
	e := env.engine(t, Options{VMs: []string{"beta.xml", "alpha", "alpha", "ghost"}})

	got := e.listCandidateVMs(context.Background())
	want := []string{"alpha", "beta"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("listCandidateVMs = %v, want %v", got, want)
	}
}

func TestCollectFilesSkipsMissingLocal(t *testing.T) {
	env := newTestEnv(t)
	disk, nvram := env.writeDomain(t, "alpha")
	if err := os.Remove(nvram); err != nil {
		t.Fatal(err)
	}
	e := env.engine(t, Options{})

	report := &Report{}
	cands := e.collectFiles(context.Background(), []string{"alpha"}, types.NewRunningVMSet(nil, nil), report)
	if len(cands) != 1 || cands[0].LocalPath != disk || cands[0].Kind != types.FileKindDisk {
		t.Errorf("candidates = %+v, want only the disk", cands)
	}
}
