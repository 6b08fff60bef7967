package domain

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/bivouac/internal/faults"
)

// DomainSpec describes one instance domain. Everything here is derived
// from the run and the daemon configuration; none of it comes from
// campaign-controlled input except by way of validated identifiers.
type DomainSpec struct {
	// Name is the domain name, identical to the run's instance UUID.
	Name string
	// VolumeName is the instance volume inside the controller's pool.
	VolumeName string
	// SharedHostDir is the host directory exported into the guest.
	SharedHostDir string
	// SSHForwardPort is the host port forwarded to the guest SSH port.
	SSHForwardPort int
	// Metadata is stored on the domain for operator inspection.
	Metadata InstanceMetadata
}

// Validate checks the spec before any hypervisor call.
func (s *DomainSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if s.VolumeName == "" {
		return fmt.Errorf("volume name is required")
	}
	if s.SharedHostDir == "" {
		return fmt.Errorf("shared host dir is required")
	}
	if s.SSHForwardPort <= 0 || s.SSHForwardPort > 65535 {
		return fmt.Errorf("ssh forward port must be within 1-65535, got %d", s.SSHForwardPort)
	}
	return nil
}

// DefineAndStart renders the domain descriptor, defines the domain, and
// boots it. It returns once boot is requested; guest readiness is not
// awaited. A domain that already exists under the spec's name is a
// ResourceConflict: instance UUIDs are unique, so a duplicate means the
// run must be escalated, not the domain recreated.
func (c *Controller) DefineAndStart(ctx context.Context, spec DomainSpec) (err error) {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid domain spec: %w", err)
	}

	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	if _, err := client.DomainLookupByName(spec.Name); err == nil {
		return faults.Newf(faults.KindResourceConflict, "define domain",
			"domain %s already exists", spec.Name)
	}

	domainXML, err := c.buildDomainXML(spec)
	if err != nil {
		return fmt.Errorf("failed to generate domain XML: %w", err)
	}

	dom, err := client.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("failed to define domain %s: %w", spec.Name, err)
	}

	if err := storeMetadata(client, dom, spec.Metadata); err != nil {
		return fmt.Errorf("failed to store domain metadata: %w", err)
	}

	if err := client.DomainCreate(dom); err != nil {
		return fmt.Errorf("failed to start domain %s: %w", spec.Name, err)
	}

	return nil
}

// RequestShutdown sends a graceful shutdown signal to a domain.
// Non-blocking; the domain may still be running when this returns. A
// domain that is already gone or already stopped is not an error, since
// the scheduler may deliver the shutdown step more than once.
func (c *Controller) RequestShutdown(ctx context.Context, domainName string) (err error) {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	dom, err := client.DomainLookupByName(domainName)
	if err != nil {
		if isLibvirtCode(err, errCodeNoDomain) {
			return nil
		}
		return fmt.Errorf("failed to look up domain %s: %w", domainName, err)
	}

	if err := client.DomainShutdown(dom); err != nil {
		if isLibvirtCode(err, errCodeOperationInvalid) {
			// Already shut off.
			return nil
		}
		return fmt.Errorf("failed to request shutdown of domain %s: %w", domainName, err)
	}

	return nil
}

// IsActive reports whether the domain is currently running. A domain
// that no longer exists is not active.
func (c *Controller) IsActive(ctx context.Context, domainName string) (active bool, err error) {
	client, err := c.session(ctx)
	if err != nil {
		return false, err
	}
	defer releaseQuietly(client, &err)

	dom, err := client.DomainLookupByName(domainName)
	if err != nil {
		if isLibvirtCode(err, errCodeNoDomain) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up domain %s: %w", domainName, err)
	}

	state, err := client.DomainIsActive(dom)
	if err != nil {
		return false, fmt.Errorf("failed to query state of domain %s: %w", domainName, err)
	}

	return state != 0, nil
}

// Undefine removes a shut-off domain's definition. Best-effort cleanup
// companion to DeleteVolume; a domain that is already gone is fine.
func (c *Controller) Undefine(ctx context.Context, domainName string) (err error) {
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer releaseQuietly(client, &err)

	dom, err := client.DomainLookupByName(domainName)
	if err != nil {
		if isLibvirtCode(err, errCodeNoDomain) {
			return nil
		}
		return fmt.Errorf("failed to look up domain %s: %w", domainName, err)
	}

	if err := client.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", domainName, err)
	}

	return nil
}

// buildDomainXML generates the libvirt domain XML for an instance.
//
// The descriptor gives every instance the same shape: two vCPUs, 2 GiB
// of memory, the instance volume as a virtio boot disk, the run's work
// directory shared into the guest, and user-mode networking with a
// single TCP forward from the allocated host port to guest SSH. The
// forward rule rides on a qemu:commandline netdev because libvirt's own
// user interface type cannot express hostfwd.
func (c *Controller) buildDomainXML(spec DomainSpec) (string, error) {
	netdef := fmt.Sprintf("user,id=usernet0,hostfwd=tcp::%d-:%d", spec.SSHForwardPort, GuestSSHPort)

	dom := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: InstanceMemoryGiB,
			Unit:  "GiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     InstanceVCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		// Instances are disposable: a poweroff or crash ends the run,
		// only a guest-initiated reboot restarts.
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:  "qemu",
						Type:  "qcow2",
						Cache: "none",
					},
					Source: &libvirtxml.DomainDiskSource{
						Volume: &libvirtxml.DomainDiskSourceVolume{
							Pool:   c.poolName,
							Volume: spec.VolumeName,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
					Boot: &libvirtxml.DomainDeviceBoot{
						Order: 1,
					},
				},
			},
			Filesystems: []libvirtxml.DomainFilesystem{
				{
					AccessMode: "mapped",
					Source: &libvirtxml.DomainFilesystemSource{
						Mount: &libvirtxml.DomainFilesystemSourceMount{
							Dir: spec.SharedHostDir,
						},
					},
					Target: &libvirtxml.DomainFilesystemTarget{
						Dir: "bivouac",
					},
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: func() *uint { p := uint(0); return &p }(),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: func() *uint { p := uint(0); return &p }(),
					},
				},
			},
		},
		QEMUCommandline: &libvirtxml.DomainQEMUCommandline{
			Args: []libvirtxml.DomainQEMUCommandlineArg{
				{Value: "-netdev"},
				{Value: netdef},
				{Value: "-device"},
				{Value: "virtio-net-pci,netdev=usernet0"},
			},
		},
	}

	xml, err := dom.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}
