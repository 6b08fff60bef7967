// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide
// connection management (connect, disconnect, ping) for short-lived
// hypervisor sessions. The Client exposes the underlying
// *libvirt.Libvirt for packages that need direct access to the
// libvirt API.
//
// Connection Management:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/domain)
// define their own LibvirtClient interfaces specifying only the
// operations they need. The *libvirt.Libvirt type satisfies these
// interfaces implicitly, enabling clean dependency injection.
package libvirt
