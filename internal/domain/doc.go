// Package domain is the hypervisor boundary for campaign runs. It
// manages the instance storage pool, copy-on-write instance volumes,
// and the short-lived domains themselves.
//
// Every operation acquires a libvirt session through the controller's
// connector, performs its work, and releases the session on every exit
// path. Sessions are never held across scheduled-step boundaries; the
// scheduler, not an open connection, carries a run between steps.
//
// Descriptors are built with libvirt.org/go/libvirtxml from typed
// fields. No campaign-controlled string is ever spliced into XML or a
// command line.
package domain
