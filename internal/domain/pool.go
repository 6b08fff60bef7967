package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// EnsurePool makes sure the controller's storage pool exists and is
// active. Idempotent, and tolerant of two runs racing to create the
// pool for the first time: losing the define race and then finding the
// pool present counts as success.
func (c *Controller) EnsurePool(ctx context.Context) (err error) {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	pool, lookupErr := client.StoragePoolLookupByName(c.poolName)
	if lookupErr == nil {
		return c.activatePool(client, pool)
	}

	poolXML, err := dirPoolXML(c.poolName, c.poolPath)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, defineErr := client.StoragePoolDefineXML(poolXML, 0)
	if defineErr != nil {
		// Another run may have defined the pool between our lookup and
		// define. If it is there now, activate and move on.
		if pool, lookupErr = client.StoragePoolLookupByName(c.poolName); lookupErr == nil {
			return c.activatePool(client, pool)
		}
		return fmt.Errorf("failed to define pool %s: %w", c.poolName, defineErr)
	}

	if err := client.StoragePoolBuild(pool, 0); err != nil {
		_ = client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build pool %s: %w", c.poolName, err)
	}

	if err := client.StoragePoolCreate(pool, 0); err != nil {
		_ = client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start pool %s: %w", c.poolName, err)
	}

	if err := client.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("pool %s created but failed to set autostart: %w", c.poolName, err)
	}

	return nil
}

// activatePool starts an existing pool if it is not running.
func (c *Controller) activatePool(client LibvirtClient, pool libvirt.StoragePool) error {
	active, err := client.StoragePoolIsActive(pool)
	if err != nil {
		return fmt.Errorf("failed to check pool %s state: %w", c.poolName, err)
	}
	if active != 0 {
		return nil
	}

	if err := client.StoragePoolCreate(pool, 0); err != nil {
		return fmt.Errorf("failed to activate pool %s: %w", c.poolName, err)
	}
	return nil
}

// dirPoolXML generates XML for a directory-based storage pool.
func dirPoolXML(name, path string) (string, error) {
	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Owner: "107", // qemu user (typically uid 107)
				Group: "107", // qemu group (typically gid 107)
				Mode:  "0755",
			},
		},
	}

	xmlBytes, err := pool.Marshal()
	if err != nil {
		return "", err
	}

	xml := string(xmlBytes)
	xml = strings.TrimPrefix(xml, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	xml = strings.TrimSpace(xml)

	return xml, nil
}
