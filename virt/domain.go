// Package virt covers the libvirt side of replication: domain XML parsing,
// machine-type normalization, and virsh queries executed through a Runner
// so they work the same locally and over SSH.
package virt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// ParseDomainFiles extracts the file paths a domain document references:
// file-backed disk images and the firmware variable store.
func ParseDomainFiles(doc string) (disks, firmware []string, err error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(doc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal domain XML: %w", err)
	}

	if dom.Devices != nil {
		for _, disk := range dom.Devices.Disks {
			if disk.Source == nil || disk.Source.File == nil {
				continue
			}
			if f := disk.Source.File.File; f != "" {
				disks = append(disks, f)
			}
		}
	}
	if dom.OS != nil && dom.OS.NVRam != nil && dom.OS.NVRam.NVRam != "" {
		firmware = append(firmware, dom.OS.NVRam.NVRam)
	}
	return disks, firmware, nil
}
