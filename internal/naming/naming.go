// Package naming centralizes the naming conventions tying a run to its
// libvirt resources. A run's instance UUID is simultaneously the domain
// name and the suffix embedded in its volume name; keeping the mapping
// in one place keeps the three identifiers from diverging.
package naming

import "path/filepath"

// volumePrefix namespaces instance volumes inside the shared pool.
const volumePrefix = "bivouac_"

// volumeSuffix is the disk format extension for instance volumes.
const volumeSuffix = ".qcow2"

// DomainName returns the libvirt domain name for an instance UUID.
// The domain name is the UUID itself.
func DomainName(instanceID string) string {
	return instanceID
}

// InstanceVolumeName returns the storage volume name for an instance UUID.
// Format: bivouac_<uuid>.qcow2
func InstanceVolumeName(instanceID string) string {
	return volumePrefix + instanceID + volumeSuffix
}

// WorkDir returns the per-run host directory shared into the guest.
func WorkDir(base, instanceID string) string {
	return filepath.Join(base, instanceID)
}
