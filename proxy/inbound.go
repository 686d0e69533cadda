package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/ilrudie/istio-ztunnel/directory"
	"github.com/ilrudie/istio-ztunnel/logging"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

// statsInterval is how often relay byte counters are flushed to telemetry.
// Flushing periodically keeps the metrics calls out of the per-packet path.
const statsInterval = 5 * time.Second

// Inputs bundles the shared collaborators every connection handler needs.
// All of them are read-mostly and safe to share across handler goroutines.
type Inputs struct {
	Config        *Config
	Directory     directory.Client
	Authorizer    rbac.Authorizer
	ConnManager   *ConnectionManager
	SocketFactory SocketFactory
	Telemetry     Sink
	Logger        hclog.Logger

	// LocalWorkload optionally describes the workload behind this proxy,
	// for log attribution only.
	LocalWorkload *directory.Workload
}

// InboundPassthrough accepts redirected plaintext connections destined for
// local workloads, authorizes each against policy, and relays bytes to the
// real destination. Draining stops acceptance without touching connections
// already relaying.
type InboundPassthrough struct {
	pi       Inputs
	listener net.Listener
	drainCh  <-chan struct{}
	logger   hclog.Logger

	// enableOrigSrc is resolved once at bind time from config and the
	// factory's transparent capability.
	enableOrigSrc bool

	stopFlag int32
	stopCh   chan struct{}
	connWG   sync.WaitGroup
}

// NewInboundPassthrough binds the plaintext inbound listener. A bind
// failure is fatal; the caller cannot start this proxy.
func NewInboundPassthrough(pi Inputs, drainCh <-chan struct{}) (*InboundPassthrough, error) {
	addr := pi.Config.ListenAddr()
	listener, err := pi.SocketFactory.Listen(addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	enableOrigSrc := pi.SocketFactory.Transparent()
	if pi.Config.EnableOriginalSource != nil {
		enableOrigSrc = *pi.Config.EnableOriginalSource
	}

	logger := pi.Logger.Named(logging.InboundPlaintext)
	logger.Info("listener established",
		"address", listener.Addr(),
		"transparent", enableOrigSrc,
	)

	return &InboundPassthrough{
		pi:            pi,
		listener:      listener,
		drainCh:       drainCh,
		logger:        logger,
		enableOrigSrc: enableOrigSrc,
		stopCh:        make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (p *InboundPassthrough) Addr() net.Addr {
	return p.listener.Addr()
}

// Serve accepts connections until the drain signal fires or the listener is
// closed. Each accepted socket is handled on its own goroutine. Serve does
// not wait for in-flight connections: draining stops new work only, since
// there is no backpressure mechanism to bound how long a full drain would
// take.
func (p *InboundPassthrough) Serve() {
	go func() {
		select {
		case <-p.drainCh:
			if atomic.CompareAndSwapInt32(&p.stopFlag, 0, 1) {
				p.listener.Close()
				p.logger.Info("inbound passthrough drained")
			}
		case <-p.stopCh:
		}
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&p.stopFlag) == 1 || errors.Is(err, net.ErrClosed) {
				return
			}
			// A single failed accept must not stop the listener.
			p.logger.Error("failed accepting connection", "error", err)
			continue
		}

		p.connWG.Add(1)
		go p.handleConn(conn)
	}
}

// Close stops the listener and waits for every in-flight connection to
// finish. Unlike draining this is a full stop, used on final shutdown and
// in tests.
func (p *InboundPassthrough) Close() error {
	if atomic.CompareAndSwapInt32(&p.stopFlag, 0, 1) {
		p.listener.Close()
		close(p.stopCh)
	}
	p.connWG.Wait()
	return nil
}

func (p *InboundPassthrough) handleConn(src net.Conn) {
	defer func() {
		src.Close()
		p.connWG.Done()
	}()

	if err := p.proxyConn(src); err != nil {
		p.logger.Warn("proxying failed", "source", src.RemoteAddr(), "error", err)
	}
}

// proxyConn runs the full authorization gate for one accepted socket:
// resolve the original destination, resolve the destination workload,
// register with the connection manager, assert policy, connect upstream and
// relay. Every path out of here that registered must release.
func (p *InboundPassthrough) proxyConn(src net.Conn) error {
	cfg := p.pi.Config
	source := toAddrPort(src.RemoteAddr())
	orig := p.origDstOrDefault(src)

	// In shared mode the host redirection rules see our own upstream
	// connections too; a destination equal to our own address means the
	// redirect looped back to us.
	if cfg.Mode == ProxyModeShared && cfg.LocalIP.IsValid() && orig.Addr() == cfg.LocalIP {
		return ErrSelfCall
	}

	p.logger.Info("accepted connection", "source", source, "destination", orig)

	netAddr := directory.NetworkAddress{Network: cfg.Network, Address: orig.Addr()}
	upstream, upstreamSvcs := p.pi.Directory.FetchWorkloadServices(netAddr)
	if upstream == nil {
		return &UnknownDestinationError{IP: orig.Addr()}
	}

	// Passthrough is same-network by definition: without a gateway hop the
	// source must be on our network, and plaintext carries no identity.
	rc := &rbac.Context{
		Conn: rbac.Connection{
			Src:        source,
			DstNetwork: cfg.Network,
			Dst:        orig,
		},
		DestWorkload: upstream,
	}

	cm := p.pi.ConnManager

	// Register before the policy check so a policy change racing the check
	// cannot miss a connection that is mid-decision.
	cm.Register(rc)
	if !p.pi.Authorizer.Assert(context.Background(), rc) {
		p.logger.Info("connection denied", "connection", rc.Conn)
		metrics.IncrCounter([]string{"inbound", "conns_denied"}, 1)
		cm.Release(rc)
		return nil
	}
	closeCh, ok := cm.Track(rc)
	if !ok {
		// Revoked while the check was suspended; the revocation already
		// removed the entry. Deny, distinctly from a policy denial.
		p.logger.Error("authorization revoked during check", "connection", rc.Conn)
		metrics.IncrCounter([]string{"inbound", "conns_denied"}, 1)
		return nil
	}

	srcIP, hasSrcIP := p.pi.SocketFactory.OriginalSrc(src)
	var bindSrc *net.TCPAddr
	if p.enableOrigSrc && hasSrcIP {
		bindSrc = net.TCPAddrFromAddrPort(netip.AddrPortFrom(srcIP, 0))
	}

	p.logger.Trace("connecting upstream", "destination", orig, "bind_source", bindSrc)
	outbound, err := p.pi.SocketFactory.Dial(context.Background(), bindSrc, orig)
	if err != nil {
		cm.Release(rc)
		return err
	}

	// Source attribution is best-effort; an unknown source does not block.
	var sourceWorkload *directory.Workload
	if hasSrcIP {
		sourceWorkload = p.pi.Directory.FetchWorkload(directory.NetworkAddress{
			Network: cfg.Network,
			Address: srcIP,
		})
	}

	tracker := p.pi.Telemetry.ConnectionOpen(&ConnectionOpen{
		Conn:               rc.Conn,
		Source:             sourceWorkload,
		Destination:        upstream,
		DestinationService: guessInboundService(rc.Conn, upstreamSvcs),
	})

	relay := NewConn(src, outbound)
	defer relay.Close()

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- relay.CopyBytes()
	}()

	// Flush byte counters periodically rather than per write.
	var lastTx, lastRx uint64
	reportStats := func() {
		tx, rx := relay.Stats()
		tracker.AddBytes(tx-lastTx, rx-lastRx)
		lastTx, lastRx = tx, rx
	}
	statsT := time.NewTicker(statsInterval)
	defer statsT.Stop()

	var relayErr error
	closed := false
	for !closed {
		select {
		case err := <-relayDone:
			// Relay finished on its own: release our registration and let
			// any I/O error propagate.
			cm.Release(rc)
			relayErr = err
			closed = true
		case <-closeCh:
			// Administratively revoked; the manager already dropped the
			// entry. An early clean termination, not a fault.
			closed = true
		case <-statsT.C:
			reportStats()
		}
	}

	relay.Close()
	reportStats()
	tracker.Close(relayErr)

	p.logger.Info("connection complete", "connection", rc.Conn)
	return relayErr
}

// origDstOrDefault returns the pre-redirection destination recorded on the
// socket, falling back to the socket's own local address when no
// redirection metadata exists.
func (p *InboundPassthrough) origDstOrDefault(c net.Conn) netip.AddrPort {
	if orig, ok := p.pi.SocketFactory.OriginalDst(c); ok {
		return netip.AddrPortFrom(orig.Addr().Unmap(), orig.Port())
	}
	return toAddrPort(c.LocalAddr())
}

// guessInboundService picks the destination service to attribute the
// connection to: the first service exposing the destination port, falling
// back to the first service.
func guessInboundService(conn rbac.Connection, services []*directory.Service) *directory.Service {
	for _, svc := range services {
		for port, target := range svc.Ports {
			if target == conn.Dst.Port() || (target == 0 && port == conn.Dst.Port()) {
				return svc
			}
		}
	}
	if len(services) > 0 {
		return services[0]
	}
	return nil
}
