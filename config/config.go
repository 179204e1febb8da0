package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
)

// Config holds global kvmsync configuration. Values come from
// DefaultConfig, optionally overridden by a config file and KVMSYNC_* env.
type Config struct {
	// ConfSrcDir is the local libvirt domain XML directory.
	// Env: KVMSYNC_CONF_SRC_DIR. Default: /etc/libvirt/qemu.
	ConfSrcDir string `json:"conf_src_dir" mapstructure:"conf_src_dir"`
	// ConfDstDir is the domain XML directory on the remote host.
	ConfDstDir string `json:"conf_dst_dir" mapstructure:"conf_dst_dir"`
	// ImagesSrcDirs are the local disk image directories, index-paired with
	// each host's destination directory list.
	ImagesSrcDirs []string `json:"images_src_dirs" mapstructure:"images_src_dirs"`
	// NVRAMSrcDirs are the local firmware variable-store directories,
	// index-paired like ImagesSrcDirs.
	NVRAMSrcDirs []string `json:"nvram_src_dirs" mapstructure:"nvram_src_dirs"`
	// TemplatesDir holds per-VM template XMLs. A template takes precedence
	// over the live ConfSrcDir copy when pushing configuration.
	TemplatesDir string `json:"templates_dir" mapstructure:"templates_dir"`
	// SnapshotMountPrefix is where storage snapshots are mounted read-only.
	// Default: /run/user/0 (the tool always runs as root).
	SnapshotMountPrefix string `json:"snapshot_mount_prefix" mapstructure:"snapshot_mount_prefix"`
	// SnapshotCacheSize is the copy-on-write cache size handed to the
	// volume manager, in a human size format ("1536g").
	SnapshotCacheSize string `json:"snapshot_cache_size" mapstructure:"snapshot_cache_size"`
	// SettleDelaySeconds is the pause before pushing VM configuration,
	// letting in-flight writes on the destination settle. Default: 2.5.
	SettleDelaySeconds float64 `json:"settle_delay_seconds" mapstructure:"settle_delay_seconds"`
	// RsyncBin is the local transfer tool binary. Default: "rsync".
	RsyncBin string `json:"rsync_bin" mapstructure:"rsync_bin"`

	// SSH transport settings, shared by the command runner and the
	// transfer tool's remote shell.
	SSHUser           string `json:"ssh_user" mapstructure:"ssh_user"`
	SSHPort           int    `json:"ssh_port" mapstructure:"ssh_port"`
	SSHKeyFile        string `json:"ssh_key_file" mapstructure:"ssh_key_file"`
	SSHCipher         string `json:"ssh_cipher" mapstructure:"ssh_cipher"`
	SSHTimeoutSeconds int    `json:"ssh_timeout_seconds" mapstructure:"ssh_timeout_seconds"`

	// Hosts extends or overrides the built-in per-host table.
	Hosts map[string]HostConfig `json:"hosts" mapstructure:"hosts"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ConfSrcDir:          "/etc/libvirt/qemu",
		ConfDstDir:          "/etc/libvirt/qemu",
		ImagesSrcDirs:       []string{"/shared/kvm0/images"},
		NVRAMSrcDirs:        []string{"/shared/kvm0/nvram"},
		TemplatesDir:        "/var/lib/libvirt/templates",
		SnapshotMountPrefix: "/run/user/0",
		SnapshotCacheSize:   "1536g",
		SettleDelaySeconds:  2.5,
		RsyncBin:            "rsync",
		SSHUser:             "root",
		SSHPort:             22,
		SSHCipher:           "aes128-gcm@openssh.com",
		SSHTimeoutSeconds:   15,
		Log:                 coretypes.ServerLogConfig{Level: "info"},
	}
}

// Validate checks invariants the rest of the run relies on.
func (c *Config) Validate() error {
	if len(c.ImagesSrcDirs) == 0 {
		return fmt.Errorf("images_src_dirs must not be empty")
	}
	if len(c.ImagesSrcDirs) != len(c.NVRAMSrcDirs) {
		return fmt.Errorf("images_src_dirs (%d) and nvram_src_dirs (%d) must pair up",
			len(c.ImagesSrcDirs), len(c.NVRAMSrcDirs))
	}
	if _, err := units.RAMInBytes(c.SnapshotCacheSize); err != nil {
		return fmt.Errorf("invalid snapshot_cache_size %q: %w", c.SnapshotCacheSize, err)
	}
	if c.SettleDelaySeconds < 0 {
		return fmt.Errorf("settle_delay_seconds must not be negative")
	}
	return nil
}

// LocalConfigXML is the live domain XML path for vm.
func (c *Config) LocalConfigXML(vm string) string {
	return filepath.Join(c.ConfSrcDir, vm+".xml")
}

// TemplateXML is the template domain XML path for vm.
func (c *Config) TemplateXML(vm string) string {
	return filepath.Join(c.TemplatesDir, vm+".xml")
}

// PreferredConfigXML returns the template XML when one exists, else the
// live config. Templates carry pre-normalized machine types.
func (c *Config) PreferredConfigXML(vm string) string {
	tmpl := c.TemplateXML(vm)
	if _, err := os.Stat(tmpl); err == nil {
		return tmpl
	}
	return c.LocalConfigXML(vm)
}

// RemoteConfigXML is the domain XML path for vm on the destination host.
func (c *Config) RemoteConfigXML(vm string) string {
	return filepath.Join(c.ConfDstDir, vm+".xml")
}

// SettleDelay returns the pre-push settle pause as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySeconds * float64(time.Second))
}

// SSHTimeout returns the SSH dial timeout as a duration.
func (c *Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSHTimeoutSeconds) * time.Second
}
