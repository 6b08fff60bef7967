// Package imageprep derives writable instance disks from the campaign
// base image and injects per-run files into them while they are offline.
//
// Derivation goes through the libvirt storage pool: the instance disk is
// a copy-on-write qcow2 volume backed by the read-only base image, named
// from the instance UUID. Injection uses guestfish driven by a generated
// command script, so files land in the disk's filesystem without the
// domain ever running. Both steps must happen before the domain is
// defined; injection into a disk attached to a running domain would
// corrupt it, which is why every failure here is non-retryable.
package imageprep

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"

	"github.com/jbweber/bivouac/internal/faults"
	"github.com/jbweber/bivouac/internal/naming"
)

// VolumeStore is the subset of the domain controller the provisioner
// needs to materialize instance volumes.
type VolumeStore interface {
	// CreateVolume creates a copy-on-write volume backed by the given
	// base image. Fails with a ResourceConflict fault if the name is
	// already taken.
	CreateVolume(ctx context.Context, volumeName, backingImagePath string, capacityGB uint64) error

	// VolumePath returns the host filesystem path of a volume.
	VolumePath(ctx context.Context, volumeName string) (string, error)
}

// CommandRunner executes an external command and returns its combined
// output. Split out so script execution can be tested without the
// guestfish binary.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands through os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FileSpec describes one file to place into the guest filesystem.
type FileSpec struct {
	// GuestPath is the absolute destination path inside the guest.
	GuestPath string
	// Content is the file content.
	Content []byte
	// Append appends to an existing guest file instead of replacing it.
	Append bool
	// Mode is the octal permission set on the guest file. Zero leaves
	// the guestfish default.
	Mode os.FileMode
}

// Provisioner prepares instance disks.
type Provisioner struct {
	store  VolumeStore
	runner CommandRunner
}

// NewProvisioner creates a Provisioner on top of the given volume store.
func NewProvisioner(store VolumeStore) *Provisioner {
	return &Provisioner{store: store, runner: execRunner{}}
}

// NewProvisionerWithRunner creates a Provisioner with a custom command
// runner. Used by tests.
func NewProvisionerWithRunner(store VolumeStore, runner CommandRunner) *Provisioner {
	return &Provisioner{store: store, runner: runner}
}

// DeriveInstanceDisk creates the writable instance disk for instanceID
// as a copy-on-write volume backed by baseImagePath and returns its host
// path. The volume name derives deterministically from the instance
// UUID, so a name collision means UUID generation itself is broken and
// the error propagates as a ResourceConflict.
func (p *Provisioner) DeriveInstanceDisk(ctx context.Context, baseImagePath, instanceID string, capacityGB uint64) (string, error) {
	volumeName := naming.InstanceVolumeName(instanceID)

	if err := p.store.CreateVolume(ctx, volumeName, baseImagePath, capacityGB); err != nil {
		return "", fmt.Errorf("failed to derive instance disk %s: %w", volumeName, err)
	}

	diskPath, err := p.store.VolumePath(ctx, volumeName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve instance disk path %s: %w", volumeName, err)
	}

	return diskPath, nil
}

// InjectFiles writes files into the offline instance disk. The disk
// must not be attached to a running domain. Any failure leaves the disk
// in an unknown state and is reported as a GuestProvisioning fault; the
// caller must fail the run rather than retry.
func (p *Provisioner) InjectFiles(ctx context.Context, diskPath string, files []FileSpec) error {
	if len(files) == 0 {
		return nil
	}
	for _, f := range files {
		if !path.IsAbs(f.GuestPath) || path.Clean(f.GuestPath) != f.GuestPath {
			return faults.Newf(faults.KindGuestProvisioning, "inject files",
				"invalid guest path %q", f.GuestPath)
		}
	}

	// Stage file contents on the host for guestfish to upload. The
	// staging files carry the private key, so they are 0600 and removed
	// before returning.
	stageDir, err := os.MkdirTemp("", "bivouac-inject-")
	if err != nil {
		return faults.New(faults.KindGuestProvisioning, "inject files",
			fmt.Errorf("failed to create staging dir: %w", err))
	}
	defer os.RemoveAll(stageDir)

	uploads := make([]upload, 0, len(files))
	for i, f := range files {
		hostPath := path.Join(stageDir, fmt.Sprintf("file%d", i))
		if err := os.WriteFile(hostPath, f.Content, 0o600); err != nil {
			return faults.New(faults.KindGuestProvisioning, "inject files",
				fmt.Errorf("failed to stage %s: %w", f.GuestPath, err))
		}
		uploads = append(uploads, upload{
			HostPath:  hostPath,
			GuestPath: f.GuestPath,
			Append:    f.Append,
			Mode:      f.Mode,
		})
	}

	script := buildInjectScript(diskPath, uploads)
	scriptPath := path.Join(stageDir, "commands.fish")
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return faults.New(faults.KindGuestProvisioning, "inject files",
			fmt.Errorf("failed to write guestfish script: %w", err))
	}

	output, err := p.runner.Run(ctx, "guestfish", "--file", scriptPath)
	if err != nil {
		return faults.New(faults.KindGuestProvisioning, "inject files",
			fmt.Errorf("guestfish failed: %w\noutput: %s", err, output))
	}

	return nil
}
