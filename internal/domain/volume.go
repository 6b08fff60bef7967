package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/bivouac/internal/faults"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// CreateVolume creates a copy-on-write qcow2 volume backed by the given
// base image inside the controller's pool. Volume names derive from the
// immutable instance UUID, so an existing volume of the same name means
// UUID generation is broken; that is a ResourceConflict to escalate,
// never something to overwrite.
func (c *Controller) CreateVolume(ctx context.Context, volumeName, backingImagePath string, capacityGB uint64) (err error) {
	if volumeName == "" {
		return fmt.Errorf("volume name is required")
	}
	if backingImagePath == "" {
		return fmt.Errorf("backing image path is required")
	}
	if capacityGB == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}

	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	pool, err := client.StoragePoolLookupByName(c.poolName)
	if err != nil {
		// The pool should have been ensured earlier in the run; its
		// absence here is an infrastructure hiccup worth retrying.
		return faults.New(faults.KindTransientInfra, "create volume",
			fmt.Errorf("pool %s not available: %w", c.poolName, err))
	}

	if _, err := client.StorageVolLookupByName(pool, volumeName); err == nil {
		return faults.Newf(faults.KindResourceConflict, "create volume",
			"volume %s already exists in pool %s", volumeName, c.poolName)
	}

	volumeXML, err := backedVolumeXML(volumeName, backingImagePath, capacityGB)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", volumeName, err)
	}

	return nil
}

// VolumePath returns the host filesystem path of a volume in the
// controller's pool.
func (c *Controller) VolumePath(ctx context.Context, volumeName string) (path string, err error) {
	client, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	defer releaseQuietly(client, &err)

	pool, err := client.StoragePoolLookupByName(c.poolName)
	if err != nil {
		return "", faults.New(faults.KindTransientInfra, "volume path",
			fmt.Errorf("pool %s not available: %w", c.poolName, err))
	}

	vol, err := client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return "", faults.New(faults.KindNotFound, "volume path",
			fmt.Errorf("volume %s not found: %w", volumeName, err))
	}

	path, err = client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get path of volume %s: %w", volumeName, err)
	}

	return path, nil
}

// DeleteVolume securely wipes and then deletes a volume from the
// controller's pool. A missing pool or volume is a NotFound fault: the
// caller logs and escalates it, cleanup is never retried against a
// resource that is not there. Deleting a volume still attached to an
// active domain fails; callers must confirm the domain is inactive
// first.
func (c *Controller) DeleteVolume(ctx context.Context, volumeName string) (err error) {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	pool, err := client.StoragePoolLookupByName(c.poolName)
	if err != nil {
		return faults.New(faults.KindNotFound, "delete volume",
			fmt.Errorf("pool %s not found: %w", c.poolName, err))
	}

	vol, err := client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return faults.New(faults.KindNotFound, "delete volume",
			fmt.Errorf("volume %s not found: %w", volumeName, err))
	}

	if err := client.StorageVolWipe(vol, 0); err != nil {
		return fmt.Errorf("failed to wipe volume %s: %w", volumeName, err)
	}

	if err := client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}

	return nil
}

// backedVolumeXML generates XML for a qcow2 volume backed by a base image.
func backedVolumeXML(name, backingPath string, capacityGB uint64) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacityGB * 1024 * 1024 * 1024,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: "qcow2",
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: "107", // qemu user
				Group: "107", // qemu group
				Mode:  "0644",
			},
		},
		BackingStore: &libvirtxml.StorageVolumeBackingStore{
			Path: backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: "qcow2",
			},
		},
	}

	xmlBytes, err := vol.Marshal()
	if err != nil {
		return "", err
	}

	xml := string(xmlBytes)
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	xml = strings.TrimSpace(xml)

	return xml, nil
}
