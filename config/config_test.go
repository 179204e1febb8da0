package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- DefaultConfig / Validate ---

func TestDefaultConfig_IsValid(t *testing.T) {
	conf := DefaultConfig()
	if err := conf.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if conf.SSHCipher != "aes128-gcm@openssh.com" {
		t.Errorf("ssh cipher = %q", conf.SSHCipher)
	}
	if conf.SettleDelay() != 2500*time.Millisecond {
		t.Errorf("settle delay = %s", conf.SettleDelay())
	}
}

func TestValidate_BadCacheSize(t *testing.T) {
	conf := DefaultConfig()
	conf.SnapshotCacheSize = "lots"
	if err := conf.Validate(); err == nil {
		t.Fatal("expected error for unparseable cache size")
	}
}

func TestValidate_MismatchedSrcDirs(t *testing.T) {
	conf := DefaultConfig()
	conf.NVRAMSrcDirs = nil
	if err := conf.Validate(); err == nil {
		t.Fatal("expected error for unpaired source dir lists")
	}
}

// --- path helpers ---

func TestPreferredConfigXML(t *testing.T) {
	conf := DefaultConfig()
	conf.ConfSrcDir = t.TempDir()
	conf.TemplatesDir = t.TempDir()

	// No template: live config wins.
	if got := conf.PreferredConfigXML("dc00"); got != filepath.Join(conf.ConfSrcDir, "dc00.xml") {
		t.Errorf("PreferredConfigXML = %q, want live config", got)
	}

	// Template present: template wins.
	tmpl := filepath.Join(conf.TemplatesDir, "dc00.xml")
	if err := os.WriteFile(tmpl, []byte("<domain/>"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if got := conf.PreferredConfigXML("dc00"); got != tmpl {
		t.Errorf("PreferredConfigXML = %q, want template %q", got, tmpl)
	}
}

func TestRemoteConfigXML(t *testing.T) {
	conf := DefaultConfig()
	if got := conf.RemoteConfigXML("win11-x64"); got != "/etc/libvirt/qemu/win11-x64.xml" {
		t.Errorf("RemoteConfigXML = %q", got)
	}
}
