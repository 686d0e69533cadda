// Package rbac defines the connection-level authorization model: the
// immutable description of one connection attempt and the contract a policy
// engine satisfies to allow or deny it.
package rbac

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/ilrudie/istio-ztunnel/directory"
)

// Connection is the immutable record of one connection attempt, built once
// per accepted socket. It is comparable; two attempts with equal fields are
// the same tracked connection. SrcIdentity is empty for plaintext
// passthrough, where no cryptographic identity is available.
type Connection struct {
	SrcIdentity string
	Src         netip.AddrPort
	DstNetwork  string
	Dst         netip.AddrPort
}

func (c Connection) String() string {
	src := c.Src.String()
	if c.SrcIdentity != "" {
		src = fmt.Sprintf("%s(%s)", src, c.SrcIdentity)
	}
	return fmt.Sprintf("%s->%s/%s", src, c.DstNetwork, c.Dst)
}

// Context is the unit of registration, authorization and tracking: the
// connection plus the destination workload it resolved to. Contexts are
// keyed by their Connection value; the workload descriptor is opaque to the
// tracking layer.
type Context struct {
	Conn         Connection
	DestWorkload *directory.Workload
}

// Authorizer decides whether a connection may proceed. Assert may suspend
// while policy is evaluated or refreshed; a false return is a policy
// outcome, not an error.
type Authorizer interface {
	Assert(ctx context.Context, rc *Context) bool
}
