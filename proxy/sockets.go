package proxy

import (
	"context"
	"net"
	"net/netip"
)

// SocketFactory abstracts socket creation and the transparent-proxy
// metadata attached to accepted sockets. The default implementation speaks
// plain TCP; platform-specific transparent mode (TPROXY marks, freebind
// socket options, SO_ORIGINAL_DST) is provided by an alternate factory.
type SocketFactory interface {
	// Listen binds the inbound listener.
	Listen(addr string) (net.Listener, error)

	// Dial opens the upstream connection. A non-nil src requests binding the
	// local side to that address, which may be non-local when Transparent
	// reports freebind capability.
	Dial(ctx context.Context, src *net.TCPAddr, dst netip.AddrPort) (net.Conn, error)

	// OriginalDst reports the pre-redirection destination of an accepted
	// socket, if the redirection mechanism recorded one.
	OriginalDst(c net.Conn) (netip.AddrPort, bool)

	// OriginalSrc reports the pre-redirection source IP of an accepted
	// socket, if available.
	OriginalSrc(c net.Conn) (netip.Addr, bool)

	// Transparent reports whether the factory can bind non-local source
	// addresses, enabling original-source preservation.
	Transparent() bool
}

// netFactory is the plain, non-transparent SocketFactory.
type netFactory struct{}

// NewSocketFactory returns the default SocketFactory.
func NewSocketFactory() SocketFactory {
	return netFactory{}
}

func (netFactory) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (netFactory) Dial(ctx context.Context, src *net.TCPAddr, dst netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{}
	if src != nil {
		d.LocalAddr = src
	}
	return d.DialContext(ctx, "tcp", dst.String())
}

// OriginalDst has no redirection metadata to consult without transparent
// mode; it reports absence and the caller falls back to the socket's own
// local address.
func (netFactory) OriginalDst(net.Conn) (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}

func (netFactory) OriginalSrc(c net.Conn) (netip.Addr, bool) {
	ap := toAddrPort(c.RemoteAddr())
	if !ap.IsValid() {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}

func (netFactory) Transparent() bool {
	return false
}

// toAddrPort converts a net.Addr to a canonical (unmapped) netip.AddrPort.
// Returns the zero value for non-TCP addresses.
func toAddrPort(a net.Addr) netip.AddrPort {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
