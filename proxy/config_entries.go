package proxy

import (
	"fmt"
	"net/netip"

	"github.com/ilrudie/istio-ztunnel/directory"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

// WorkloadConfig statically declares a directory entry. Static entries are
// the local-file stand-in for the control-plane sync and are mostly useful
// for dev and testing.
type WorkloadConfig struct {
	UID            string          `mapstructure:"uid"`
	Name           string          `mapstructure:"name"`
	Namespace      string          `mapstructure:"namespace"`
	IP             netip.Addr      `mapstructure:"ip"`
	ServiceAccount string          `mapstructure:"service_account"`
	Identity       string          `mapstructure:"identity"`
	Services       []ServiceConfig `mapstructure:"service"`
}

// ServiceConfig declares a service a static workload is a member of.
type ServiceConfig struct {
	Name      string       `mapstructure:"name"`
	Namespace string       `mapstructure:"namespace"`
	Hostname  string       `mapstructure:"hostname"`
	Ports     []PortConfig `mapstructure:"port"`
}

// PortConfig maps one service port to a workload target port.
type PortConfig struct {
	Port       uint16 `mapstructure:"port"`
	TargetPort uint16 `mapstructure:"target_port"`
}

// PolicyConfig statically declares one RBAC rule.
type PolicyConfig struct {
	Name             string   `mapstructure:"name"`
	Action           string   `mapstructure:"action"`
	SourceNets       []string `mapstructure:"source_nets"`
	DestinationPorts []uint16 `mapstructure:"destination_ports"`
	Identities       []string `mapstructure:"identities"`
	Namespaces       []string `mapstructure:"namespaces"`
}

// LoadDirectory populates store with the statically configured workloads.
func (c *Config) LoadDirectory(store *directory.Store) error {
	for _, wc := range c.Workloads {
		if !wc.IP.IsValid() {
			return fmt.Errorf("workload %q: missing or invalid ip", wc.Name)
		}
		uid := wc.UID
		if uid == "" {
			uid = fmt.Sprintf("%s/%s/%s", c.Network, wc.Namespace, wc.Name)
		}
		w := &directory.Workload{
			UID:            uid,
			Name:           wc.Name,
			Namespace:      wc.Namespace,
			Network:        c.Network,
			Address:        wc.IP,
			ServiceAccount: wc.ServiceAccount,
			Identity:       wc.Identity,
		}
		svcs := make([]*directory.Service, 0, len(wc.Services))
		for _, sc := range wc.Services {
			ports := make(map[uint16]uint16, len(sc.Ports))
			for _, pc := range sc.Ports {
				ports[pc.Port] = pc.TargetPort
			}
			svcs = append(svcs, &directory.Service{
				Name:      sc.Name,
				Namespace: sc.Namespace,
				Hostname:  sc.Hostname,
				Ports:     ports,
			})
		}
		store.UpsertWorkload(w, svcs...)
	}
	return nil
}

// RBACPolicies converts the statically configured rules to rbac policies.
func (c *Config) RBACPolicies() ([]rbac.Policy, error) {
	out := make([]rbac.Policy, 0, len(c.Policies))
	for _, pc := range c.Policies {
		action := rbac.Action(pc.Action)
		switch action {
		case rbac.ActionAllow, rbac.ActionDeny:
		default:
			return nil, fmt.Errorf("policy %q: invalid action %q", pc.Name, pc.Action)
		}
		nets := make([]netip.Prefix, 0, len(pc.SourceNets))
		for _, s := range pc.SourceNets {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("policy %q: invalid source net %q: %w", pc.Name, s, err)
			}
			nets = append(nets, pfx)
		}
		out = append(out, rbac.Policy{
			Name:   pc.Name,
			Action: action,
			Match: rbac.Match{
				SourceNets:       nets,
				DestinationPorts: pc.DestinationPorts,
				Identities:       pc.Identities,
				Namespaces:       pc.Namespaces,
			},
		})
	}
	return out, nil
}
