package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// HostConfig is the per-destination-host profile. Resolved once at startup
// and immutable for the run.
type HostConfig struct {
	// RemoteHost redirects replication to a different physical hostname
	// than the one looked up (e.g. a management-interface alias).
	// Empty means "use the looked-up name".
	RemoteHost string `json:"remote_host" mapstructure:"remote_host"`
	// Threads is the parallel disk transfer fan-out width.
	Threads int `json:"threads" mapstructure:"threads"`
	// ImagesDstDirs and NVRAMDstDirs are index-paired with the local
	// source directory lists.
	ImagesDstDirs []string `json:"images_dst_dirs" mapstructure:"images_dst_dirs"`
	NVRAMDstDirs  []string `json:"nvram_dst_dirs" mapstructure:"nvram_dst_dirs"`
	// DefaultVMList replaces the global default VM list for this host.
	DefaultVMList []string `json:"default_vm_list" mapstructure:"default_vm_list"`
	// RsyncPath and StatPath point at alternate remote binaries
	// (NAS appliances keep them under /opt/bin).
	RsyncPath string `json:"rsync_path" mapstructure:"rsync_path"`
	StatPath  string `json:"stat_path" mapstructure:"stat_path"`
	// SkipDefine: copy domain XML but do not register it remotely.
	SkipDefine bool `json:"skip_define" mapstructure:"skip_define"`
	// NoSnapshots disables storage snapshots for this destination.
	NoSnapshots bool `json:"no_snapshots" mapstructure:"no_snapshots"`
	// SkipMountCheck skips remote mount point verification.
	SkipMountCheck bool `json:"skip_mount_check" mapstructure:"skip_mount_check"`
	// SkipStatCheck skips the modification-time comparison entirely.
	SkipStatCheck bool `json:"skip_stat_check" mapstructure:"skip_stat_check"`
}

// SnapshotCapable reports whether this destination allows source snapshots.
func (h HostConfig) SnapshotCapable() bool { return !h.NoSnapshots }

// EffectiveRemoteHost returns the host replication actually targets.
func (h HostConfig) EffectiveRemoteHost(detected string) string {
	if h.RemoteHost != "" {
		return h.RemoteHost
	}
	return detected
}

// defaultVMList is the full replication set used when neither the CLI nor
// the host profile narrows it down.
var defaultVMList = []string{
	"dc00", "dc01", "dc02", "dc03", "fedora-x64", "fedora-csb-x64",
	"win10-x64", "win11-x64", "unifi", "gitlab",
	"bdc416x", "bdc417x", "bdc418x", "bdc419x", "bdc420x", "bdc421x",
	"bdc422x", "bdc423x",
	"sat6", "ca8", "idm00", "registry", "quay", "vxvom", "www8",
	"kali-x64", "freenas-11", "ubuntu-x64", "dsm7", "sno4",
	"rhel3-x86", "rhel4-x86", "rhel5-x86", "rhel5-x64", "rhel6-x86",
	"rhel6-x64", "rhel7-x64", "rhel8-x64", "rhel8-x64-eus", "rhel9-x64",
	"coreos-sno-0", "coreos-sno-1", "coreos-sno-2", "coreos-sno-3", "cirros",
}

// DefaultVMList returns a copy of the global default VM list.
func DefaultVMList() []string {
	out := make([]string, len(defaultVMList))
	copy(out, defaultVMList)
	return out
}

func stdHost() HostConfig {
	return HostConfig{
		Threads:       1,
		ImagesDstDirs: []string{"/shared/kvm0/images"},
		NVRAMDstDirs:  []string{"/shared/kvm0/nvram"},
	}
}

// NAS appliances: Entware tool paths, no libvirt, no mount check.
func nasHost() HostConfig {
	return HostConfig{
		Threads:        1,
		ImagesDstDirs:  []string{"/volume1/kvm0/images"},
		NVRAMDstDirs:   []string{"/volume1/kvm0/nvram"},
		RsyncPath:      "/opt/bin/rsync",
		StatPath:       "/opt/bin/stat",
		SkipDefine:     true,
		SkipMountCheck: true,
	}
}

// builtinHosts is the static host table. Only differences from the generic
// default are spelled out; Resolve fills the rest.
func builtinHosts() map[string]HostConfig {
	table := make(map[string]HostConfig)

	// Hypervisors reached through their -228 management interface.
	for _, name := range []string{"daltigoth", "daltigoth-228"} {
		hc := stdHost()
		hc.RemoteHost = "daltigoth-228"
		hc.Threads = 2
		table[name] = hc
	}
	for _, name := range []string{"palanthas", "palanthas-228"} {
		hc := stdHost()
		hc.RemoteHost = "palanthas-228"
		hc.Threads = 2
		table[name] = hc
	}
	for _, name := range []string{"ravenvale", "ravenvale-228"} {
		hc := stdHost()
		hc.RemoteHost = "ravenvale-228"
		hc.NoSnapshots = true
		table[name] = hc
	}

	// Standard hypervisors with trimmed VM lists.
	solinari := stdHost()
	solinari.DefaultVMList = []string{
		"rhel3-x86", "win10-x64", "win11-x64", "bdc420x", "dc00", "dc01",
		"idm00", "fedora-x64", "fedora-csb-x64", "cirros", "ca8",
	}
	table["solinari"] = solinari

	solanthus := stdHost()
	solanthus.DefaultVMList = []string{
		"rhel3-x86", "rhel9-x64", "ca8", "fedora-x64", "fedora-csb-x64",
		"win10-x64", "win11-x64", "dc00", "dc01", "bdc420x", "idm00", "cirros",
	}
	table["solanthus"] = solanthus

	lothlorien := stdHost()
	lothlorien.DefaultVMList = []string{"fedora-x64", "cirros"}
	table["lothlorien"] = lothlorien

	// NAS targets.
	kalaman := nasHost()
	kalaman.Threads = 2
	table["kalaman"] = kalaman
	table["ligett"] = nasHost()

	// Lab hosts.
	for _, name := range []string{"rh8x64", "rh9x64"} {
		hc := stdHost()
		hc.DefaultVMList = []string{"win11-x64", "cirros"}
		table[name] = hc
	}

	return table
}

// ResolveHost looks up the profile for the detected hostname and returns it
// together with the effective remote host. Unknown hosts get the generic
// default profile. The returned config is complete: zero fields are filled
// with defaults, and destination directory lists are checked against the
// source directory lists.
func (c *Config) ResolveHost(detected string) (HostConfig, string, error) {
	hc, ok := c.Hosts[detected]
	if !ok {
		hc, ok = builtinHosts()[detected]
	}
	if !ok {
		hc = stdHost()
	}

	if hc.Threads <= 0 {
		hc.Threads = 1
	}
	if len(hc.ImagesDstDirs) == 0 {
		hc.ImagesDstDirs = stdHost().ImagesDstDirs
	}
	if len(hc.NVRAMDstDirs) == 0 {
		hc.NVRAMDstDirs = stdHost().NVRAMDstDirs
	}
	if len(hc.DefaultVMList) == 0 {
		hc.DefaultVMList = DefaultVMList()
	}

	if len(hc.ImagesDstDirs) != len(c.ImagesSrcDirs) {
		return hc, "", fmt.Errorf("host %s: %d images destination dirs for %d source dirs",
			detected, len(hc.ImagesDstDirs), len(c.ImagesSrcDirs))
	}
	if len(hc.NVRAMDstDirs) != len(c.NVRAMSrcDirs) {
		return hc, "", fmt.Errorf("host %s: %d nvram destination dirs for %d source dirs",
			detected, len(hc.NVRAMDstDirs), len(c.NVRAMSrcDirs))
	}

	return hc, hc.EffectiveRemoteHost(detected), nil
}

// ValidateRemoteHost rejects hostnames replication must never target:
// empty, unresolvable, or this machine itself.
func ValidateRemoteHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	if _, err := net.LookupHost(hostname); err != nil {
		return fmt.Errorf("unable to resolve host %q: %w", hostname, err)
	}
	local, err := os.Hostname()
	if err == nil && hostname == local {
		return fmt.Errorf("refusing to push files from %s to itself", hostname)
	}
	return nil
}

// DetectHostFromBinary derives the destination host from the invoked binary
// name: "kvmsync-<host>", or the legacy "rsync_KVM_<host>_OS" deployment
// names (with or without a script extension).
func DetectHostFromBinary(argv0 string) (string, error) {
	name := filepath.Base(argv0)

	var host string
	switch {
	case strings.HasPrefix(name, "rsync_KVM_"):
		host = strings.TrimPrefix(name, "rsync_KVM_")
		host = strings.TrimSuffix(host, ".py")
		host = strings.TrimSuffix(host, "_OS")
	case strings.HasPrefix(name, "kvmsync-"):
		host = strings.TrimPrefix(name, "kvmsync-")
	}
	if host == "" {
		return "", fmt.Errorf("unable to derive destination host from binary name %q; use --host", name)
	}
	return host, nil
}
