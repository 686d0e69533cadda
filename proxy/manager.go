package proxy

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ilrudie/istio-ztunnel/logging"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

// ConnectionManager is the single source of truth for connections that are
// currently being authorized or actively relaying. Registration happens
// before the authorization check so that a policy change racing the check
// can still revoke the connection; Track confirms the entry survived the
// check. Each entry owns a close channel the connection's goroutine races
// against its relay.
//
// All methods are safe for concurrent use. The internal lock is never held
// across an authorization decision or any I/O.
type ConnectionManager struct {
	logger hclog.Logger

	mu    sync.Mutex
	conns map[rbac.Connection]*connEntry
}

type connEntry struct {
	rc      *rbac.Context
	closeCh chan struct{}
}

func NewConnectionManager(logger hclog.Logger) *ConnectionManager {
	return &ConnectionManager{
		logger: logger.Named(logging.ConnectionManager),
		conns:  make(map[rbac.Connection]*connEntry),
	}
}

// Register inserts an entry for rc, making the connection visible to
// revocation before its authorization check runs. Registering an equal
// Connection again replaces the prior entry: the old close channel fires so
// the two attempts can never hold independent live channels for one tuple.
func (m *ConnectionManager) Register(rc *rbac.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[rc.Conn]; ok {
		m.logger.Warn("duplicate registration, replacing", "connection", rc.Conn)
		close(old.closeCh)
	}
	m.conns[rc.Conn] = &connEntry{rc: rc, closeCh: make(chan struct{})}
}

// Release removes the entry for rc. Called exactly once per successful
// Register on every exit path; a missing entry is a no-op so a release
// racing a revocation cannot corrupt other entries. Only rc's own entry is
// removed: after a replacement the key belongs to the newer registration,
// which the older attempt must not delete.
func (m *ConnectionManager) Release(rc *rbac.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.conns[rc.Conn]; ok && entry.rc == rc {
		delete(m.conns, rc.Conn)
	}
}

// Track confirms rc is still registered after its authorization check and
// returns the channel that fires if the connection is later revoked. A
// false return means the entry was revoked or replaced mid-check; the
// caller must treat that as a denial and not relay. The identity check
// matters: an equal Connection registered again owns the key now, and the
// replaced attempt must not adopt its channel.
func (m *ConnectionManager) Track(rc *rbac.Context) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.conns[rc.Conn]
	if !ok || entry.rc != rc {
		return nil, false
	}
	return entry.closeCh, true
}

// RevokeConnection fires the close channel for conn and removes its entry.
// Returns whether an entry existed.
func (m *ConnectionManager) RevokeConnection(conn rbac.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.conns[conn]
	if !ok {
		return false
	}
	close(entry.closeCh)
	delete(m.conns, conn)
	m.logger.Info("connection revoked", "connection", conn)
	return true
}

// CloseAll revokes every tracked connection.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn, entry := range m.conns {
		close(entry.closeCh)
		delete(m.conns, conn)
	}
}

// Len returns the number of registered connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Connections snapshots the currently registered connections.
func (m *ConnectionManager) Connections() []rbac.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rbac.Connection, 0, len(m.conns))
	for conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

// contexts snapshots the registered contexts so policy re-evaluation can
// run without holding the lock.
func (m *ConnectionManager) contexts() []*rbac.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rbac.Context, 0, len(m.conns))
	for _, entry := range m.conns {
		out = append(out, entry.rc)
	}
	return out
}

// ReconcilePolicies re-asserts every registered connection against auth and
// revokes the ones no longer permitted. Returns the number revoked.
func (m *ConnectionManager) ReconcilePolicies(ctx context.Context, auth rbac.Authorizer) int {
	revoked := 0
	for _, rc := range m.contexts() {
		if auth.Assert(ctx, rc) {
			continue
		}
		if m.RevokeConnection(rc.Conn) {
			revoked++
		}
	}
	return revoked
}

// PolicyNotifier is the subscription side of a mutable policy source.
type PolicyNotifier interface {
	rbac.Authorizer

	// Notify returns a channel receiving after each policy update.
	Notify() <-chan struct{}
}

// WatchPolicies runs until ctx is done, re-reconciling tracked connections
// whenever the policy source reports a change.
func WatchPolicies(ctx context.Context, src PolicyNotifier, m *ConnectionManager, logger hclog.Logger) {
	logger = logger.Named(logging.PolicyWatcher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Notify():
			if n := m.ReconcilePolicies(ctx, src); n > 0 {
				logger.Info("revoked connections after policy update", "count", n)
			}
		}
	}
}
