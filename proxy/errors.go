package proxy

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrSelfCall is returned when a redirected connection's original
// destination is the proxy's own address. In shared mode this means the
// redirection rules looped our own outbound connection back to us, and
// proceeding would recurse forever.
var ErrSelfCall = errors.New("attempted connection to self, dropping to prevent a loop")

// UnknownDestinationError is returned when the directory has no workload for
// the original destination. Connections are never attempted to endpoints the
// mesh does not know about.
type UnknownDestinationError struct {
	IP netip.Addr
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("unknown destination: %s", e.IP)
}

// BindError wraps a listener bind failure. Bind failures are fatal to the
// listener; they are surfaced to startup and never retried.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind to %s failed: %s", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
