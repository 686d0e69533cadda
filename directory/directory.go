// Package directory holds the node-local view of the mesh directory: the
// mapping from network address to workload and service identity. The
// directory is populated externally (by a control-plane sync that is out of
// scope here) and read concurrently by every proxied connection.
package directory

import (
	"fmt"
	"net/netip"
)

// NetworkAddress identifies a workload endpoint unambiguously across
// multiple overlay networks. Equality is exact on both fields.
type NetworkAddress struct {
	Network string
	Address netip.Addr
}

func (n NetworkAddress) String() string {
	return fmt.Sprintf("%s/%s", n.Network, n.Address)
}

// Workload describes one endpoint in the mesh.
type Workload struct {
	UID            string
	Name           string
	Namespace      string
	Network        string
	Address        netip.Addr
	ServiceAccount string

	// Identity is the workload's mesh identity URI. Best-effort metadata
	// for attribution; plaintext connections carry no proof of it.
	Identity string
}

func (w *Workload) NetworkAddress() NetworkAddress {
	return NetworkAddress{Network: w.Network, Address: w.Address}
}

// Service describes a named service a workload is a member of.
type Service struct {
	Name      string
	Namespace string
	Hostname  string

	// Ports maps service port to workload target port. A zero target means
	// the service port is used verbatim.
	Ports map[uint16]uint16
}

// Client is the read contract the proxy depends on. Lookups may race with
// concurrent directory updates; a nil workload result means the address is
// unknown, which is a normal outcome rather than an error.
type Client interface {
	// FetchWorkloadServices returns the workload owning the address and the
	// services it is a member of.
	FetchWorkloadServices(addr NetworkAddress) (*Workload, []*Service)

	// FetchWorkload returns just the workload owning the address.
	FetchWorkload(addr NetworkAddress) *Workload
}
