package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/digitalocean/go-libvirt"
)

// mockHypervisor is an in-memory stand-in for libvirt. One instance is
// shared by every session a test opens, the way a real daemon is.
type mockHypervisor struct {
	pools   map[string]*mockPool
	domains map[string]*mockDomain

	connects int
	releases int

	connectErr error

	// Forced failures for specific calls.
	defineDomainErr error
	createVolErr    error
	wipeErr         error
	shutdownErr     error
}

type mockPool struct {
	name    string
	active  bool
	volumes map[string]*mockVolume
}

type mockVolume struct {
	name    string
	path    string
	backing string
	wiped   bool
}

type mockDomain struct {
	name     string
	active   bool
	xml      string
	metadata string
}

func newMockHypervisor() *mockHypervisor {
	return &mockHypervisor{
		pools:   make(map[string]*mockPool),
		domains: make(map[string]*mockDomain),
	}
}

// session implements Session over the shared hypervisor.
type mockSession struct {
	*mockHypervisor
	released bool
}

func (s *mockSession) Release() error {
	if s.released {
		return errors.New("session released twice")
	}
	s.released = true
	s.releases++
	return nil
}

func (h *mockHypervisor) connector() Connector {
	return func(ctx context.Context) (Session, error) {
		if h.connectErr != nil {
			return nil, h.connectErr
		}
		h.connects++
		return &mockSession{mockHypervisor: h}, nil
	}
}

func extractTag(xml, tag string) string {
	re := regexp.MustCompile(`<` + tag + `>([^<]*)</` + tag + `>`)
	m := re.FindStringSubmatch(xml)
	if m == nil {
		return ""
	}
	return m[1]
}

func (h *mockHypervisor) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if _, ok := h.pools[name]; !ok {
		return libvirt.StoragePool{}, libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (h *mockHypervisor) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	name := extractTag(xml, "name")
	if name == "" {
		return libvirt.StoragePool{}, errors.New("invalid pool XML: missing name")
	}
	if _, ok := h.pools[name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("pool %s already defined", name)
	}
	h.pools[name] = &mockPool{name: name, volumes: make(map[string]*mockVolume)}
	return libvirt.StoragePool{Name: name}, nil
}

func (h *mockHypervisor) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if _, ok := h.pools[pool.Name]; !ok {
		return libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	return nil
}

func (h *mockHypervisor) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := h.pools[pool.Name]
	if !ok {
		return libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	p.active = true
	return nil
}

func (h *mockHypervisor) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	if _, ok := h.pools[pool.Name]; !ok {
		return libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	return nil
}

func (h *mockHypervisor) StoragePoolIsActive(pool libvirt.StoragePool) (int32, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return 0, libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	if p.active {
		return 1, nil
	}
	return 0, nil
}

func (h *mockHypervisor) StoragePoolUndefine(pool libvirt.StoragePool) error {
	delete(h.pools, pool.Name)
	return nil
}

func (h *mockHypervisor) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	p, ok := h.pools[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	if _, ok := p.volumes[name]; !ok {
		return libvirt.StorageVol{}, libvirt.Error{Code: errCodeNoStorageVol, Message: "no storage vol"}
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (h *mockHypervisor) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	if h.createVolErr != nil {
		return libvirt.StorageVol{}, h.createVolErr
	}
	p, ok := h.pools[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	name := extractTag(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, errors.New("invalid volume XML: missing name")
	}
	if _, ok := p.volumes[name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("volume %s already exists", name)
	}
	p.volumes[name] = &mockVolume{
		name:    name,
		path:    "/pool/" + pool.Name + "/" + name,
		backing: extractTag(xml, "path"),
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (h *mockHypervisor) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	p, ok := h.pools[vol.Pool]
	if !ok {
		return "", libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	v, ok := p.volumes[vol.Name]
	if !ok {
		return "", libvirt.Error{Code: errCodeNoStorageVol, Message: "no storage vol"}
	}
	return v.path, nil
}

func (h *mockHypervisor) StorageVolWipe(vol libvirt.StorageVol, flags uint32) error {
	if h.wipeErr != nil {
		return h.wipeErr
	}
	p, ok := h.pools[vol.Pool]
	if !ok {
		return libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	v, ok := p.volumes[vol.Name]
	if !ok {
		return libvirt.Error{Code: errCodeNoStorageVol, Message: "no storage vol"}
	}
	v.wiped = true
	return nil
}

func (h *mockHypervisor) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	p, ok := h.pools[vol.Pool]
	if !ok {
		return libvirt.Error{Code: errCodeNoStoragePool, Message: "no storage pool"}
	}
	if _, ok := p.volumes[vol.Name]; !ok {
		return libvirt.Error{Code: errCodeNoStorageVol, Message: "no storage vol"}
	}
	delete(p.volumes, vol.Name)
	return nil
}

func (h *mockHypervisor) DomainLookupByName(name string) (libvirt.Domain, error) {
	if _, ok := h.domains[name]; !ok {
		return libvirt.Domain{}, libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	return libvirt.Domain{Name: name}, nil
}

func (h *mockHypervisor) DomainDefineXML(xml string) (libvirt.Domain, error) {
	if h.defineDomainErr != nil {
		return libvirt.Domain{}, h.defineDomainErr
	}
	name := extractTag(xml, "name")
	if name == "" {
		return libvirt.Domain{}, errors.New("invalid domain XML: missing name")
	}
	if _, ok := h.domains[name]; ok {
		return libvirt.Domain{}, fmt.Errorf("domain %s already defined", name)
	}
	h.domains[name] = &mockDomain{name: name, xml: xml}
	return libvirt.Domain{Name: name}, nil
}

func (h *mockHypervisor) DomainCreate(dom libvirt.Domain) error {
	d, ok := h.domains[dom.Name]
	if !ok {
		return libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	d.active = true
	return nil
}

func (h *mockHypervisor) DomainShutdown(dom libvirt.Domain) error {
	if h.shutdownErr != nil {
		return h.shutdownErr
	}
	d, ok := h.domains[dom.Name]
	if !ok {
		return libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	if !d.active {
		return libvirt.Error{Code: errCodeOperationInvalid, Message: "domain is not running"}
	}
	// Shutdown is asynchronous in real life; the mock stops immediately.
	d.active = false
	return nil
}

func (h *mockHypervisor) DomainIsActive(dom libvirt.Domain) (int32, error) {
	d, ok := h.domains[dom.Name]
	if !ok {
		return 0, libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	if d.active {
		return 1, nil
	}
	return 0, nil
}

func (h *mockHypervisor) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	if _, ok := h.domains[dom.Name]; !ok {
		return libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	delete(h.domains, dom.Name)
	return nil
}

func (h *mockHypervisor) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	d, ok := h.domains[dom.Name]
	if !ok {
		return libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	if len(metadata) > 0 {
		d.metadata = metadata[0]
	}
	return nil
}

func (h *mockHypervisor) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	d, ok := h.domains[dom.Name]
	if !ok {
		return "", libvirt.Error{Code: errCodeNoDomain, Message: "no domain"}
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: 80, Message: "metadata not found"}
	}
	return d.metadata, nil
}
