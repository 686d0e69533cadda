package rbac

import (
	"context"
	"net/netip"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ilrudie/istio-ztunnel/logging"
)

// Action is the effect of a matching policy.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Match is one policy clause. Empty fields match everything; populated
// fields must all match.
type Match struct {
	// SourceNets restricts the source IP.
	SourceNets []netip.Prefix

	// DestinationPorts restricts the destination port.
	DestinationPorts []uint16

	// Identities restricts the (best-effort) source identity. An entry only
	// matches a connection that actually carries that identity, so identity
	// clauses never match plaintext passthrough.
	Identities []string

	// Namespaces restricts the destination workload's namespace.
	Namespaces []string
}

// Policy is a named allow or deny rule.
type Policy struct {
	Name   string
	Action Action
	Match  Match
}

// PolicySet is an Authorizer evaluating a mutable rule set with
// deny-overrides semantics: any matching deny rejects; otherwise, if any
// allow rules exist, at least one must match; a set with no allow rules
// allows by default. Policy replacement is atomic and wakes subscribers so
// already-admitted connections can be re-checked.
type PolicySet struct {
	logger hclog.Logger

	mu       sync.RWMutex
	policies []Policy

	notifyCh chan struct{}
}

var _ Authorizer = (*PolicySet)(nil)

func NewPolicySet(logger hclog.Logger, policies ...Policy) *PolicySet {
	return &PolicySet{
		logger:   logger.Named(logging.RBAC),
		policies: policies,
		notifyCh: make(chan struct{}, 1),
	}
}

// SetPolicies replaces the rule set and signals Notify.
func (s *PolicySet) SetPolicies(policies []Policy) {
	s.mu.Lock()
	s.policies = policies
	s.mu.Unlock()

	s.logger.Info("policies updated", "count", len(policies))
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives after every policy update. The
// channel is buffered with depth one; consecutive updates coalesce.
func (s *PolicySet) Notify() <-chan struct{} {
	return s.notifyCh
}

func (s *PolicySet) Assert(_ context.Context, rc *Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	haveAllow := false
	for _, p := range s.policies {
		if p.Action != ActionDeny {
			continue
		}
		if p.Match.matches(rc) {
			s.logger.Debug("connection denied by policy", "policy", p.Name, "connection", rc.Conn)
			return false
		}
	}
	for _, p := range s.policies {
		if p.Action != ActionAllow {
			continue
		}
		haveAllow = true
		if p.Match.matches(rc) {
			s.logger.Trace("connection allowed by policy", "policy", p.Name, "connection", rc.Conn)
			return true
		}
	}
	// No allow policies configured means allow by default.
	return !haveAllow
}

func (m Match) matches(rc *Context) bool {
	if len(m.SourceNets) > 0 && !anyPrefixContains(m.SourceNets, rc.Conn.Src.Addr()) {
		return false
	}
	if len(m.DestinationPorts) > 0 && !containsPort(m.DestinationPorts, rc.Conn.Dst.Port()) {
		return false
	}
	if len(m.Identities) > 0 {
		if rc.Conn.SrcIdentity == "" || !containsString(m.Identities, rc.Conn.SrcIdentity) {
			return false
		}
	}
	if len(m.Namespaces) > 0 {
		if rc.DestWorkload == nil || !containsString(m.Namespaces, rc.DestWorkload.Namespace) {
			return false
		}
	}
	return true
}

func anyPrefixContains(nets []netip.Prefix, addr netip.Addr) bool {
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

func containsPort(ports []uint16, port uint16) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func containsString(vals []string, v string) bool {
	for _, s := range vals {
		if s == v {
			return true
		}
	}
	return false
}
