package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/bivouac/internal/faults"
	bivlibvirt "github.com/jbweber/bivouac/internal/libvirt"
)

// Domain geometry for every campaign instance.
const (
	// InstanceVCPUs is the vCPU count of every instance domain.
	InstanceVCPUs = 2
	// InstanceMemoryGiB is the memory of every instance domain.
	InstanceMemoryGiB = 2
	// GuestSSHPort is the guest-side port the host forward targets.
	GuestSSHPort = 22
)

// libvirt error numbers the controller branches on. These mirror the
// VIR_ERR_* values, which go-libvirt reports in Error.Code.
const (
	errCodeNoDomain         = 42
	errCodeNoStoragePool    = 49
	errCodeNoStorageVol     = 50
	errCodeOperationInvalid = 55
)

// LibvirtClient is the set of libvirt operations the controller needs.
// Satisfied by *libvirt.Libvirt in production and by mocks in tests.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(XML string, Flags uint32) (libvirt.StoragePool, error)
	StoragePoolBuild(Pool libvirt.StoragePool, Flags libvirt.StoragePoolBuildFlags) error
	StoragePoolCreate(Pool libvirt.StoragePool, Flags libvirt.StoragePoolCreateFlags) error
	StoragePoolSetAutostart(Pool libvirt.StoragePool, Autostart int32) error
	StoragePoolIsActive(Pool libvirt.StoragePool) (int32, error)
	StoragePoolUndefine(Pool libvirt.StoragePool) error

	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolWipe(Vol libvirt.StorageVol, Flags uint32) error
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error

	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainShutdown(Dom libvirt.Domain) error
	DomainIsActive(Dom libvirt.Domain) (int32, error)
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Session is one short-lived hypervisor connection.
type Session interface {
	LibvirtClient
	// Release closes the connection. Must be called on every exit path.
	Release() error
}

// Connector opens a new hypervisor session.
type Connector func(ctx context.Context) (Session, error)

// socketSession adapts the libvirt client wrapper to Session.
type socketSession struct {
	*libvirt.Libvirt
	client *bivlibvirt.Client
}

func (s socketSession) Release() error {
	return s.client.Close()
}

// SocketConnector returns a Connector dialing the given libvirt socket.
// Connection failures are reported as TransientInfra faults so the
// orchestrator can requeue the step.
func SocketConnector(socketPath string, timeout time.Duration) Connector {
	return func(ctx context.Context) (Session, error) {
		client, err := bivlibvirt.ConnectWithContext(ctx, socketPath, timeout)
		if err != nil {
			return nil, faults.New(faults.KindTransientInfra, "connect libvirt", err)
		}
		return socketSession{Libvirt: client.Libvirt(), client: client}, nil
	}
}

// Controller talks to the hypervisor on behalf of the orchestrator. It
// is scoped to one storage pool; all instance volumes live there.
type Controller struct {
	connector Connector
	poolName  string
	poolPath  string
}

// NewController creates a Controller over the given connector and pool.
func NewController(connector Connector, poolName, poolPath string) *Controller {
	return &Controller{connector: connector, poolName: poolName, poolPath: poolPath}
}

// PoolName returns the pool the controller manages.
func (c *Controller) PoolName() string {
	return c.poolName
}

// session opens a hypervisor session for one operation.
func (c *Controller) session(ctx context.Context) (Session, error) {
	return c.connector(ctx)
}

// isLibvirtCode reports whether err is a libvirt error with the given
// VIR_ERR_* code.
func isLibvirtCode(err error, code uint32) bool {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		return lverr.Code == code
	}
	return false
}

// releaseQuietly closes a session, keeping the primary error if the
// release fails too.
func releaseQuietly(s Session, primary *error) {
	if err := s.Release(); err != nil && *primary == nil {
		*primary = fmt.Errorf("failed to release libvirt session: %w", err)
	}
}
