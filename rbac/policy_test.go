package rbac

import (
	"context"
	"net/netip"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/ilrudie/istio-ztunnel/directory"
)

func testCtx(src, dst string) *Context {
	return &Context{
		Conn: Connection{
			Src:        netip.MustParseAddrPort(src),
			DstNetwork: "net1",
			Dst:        netip.MustParseAddrPort(dst),
		},
		DestWorkload: &directory.Workload{
			Name:      "app",
			Namespace: "default",
		},
	}
}

func TestPolicySet_EmptyAllowsAll(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger())
	require.True(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))
}

func TestPolicySet_DenyOverrides(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger(),
		Policy{
			Name:   "allow-all",
			Action: ActionAllow,
		},
		Policy{
			Name:   "deny-src-net",
			Action: ActionDeny,
			Match:  Match{SourceNets: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}},
		},
	)

	require.True(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))
	require.False(t, s.Assert(context.Background(), testCtx("10.1.2.3:33000", "10.0.0.5:80")))
}

func TestPolicySet_AllowRequiresMatch(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger(),
		Policy{
			Name:   "allow-http",
			Action: ActionAllow,
			Match:  Match{DestinationPorts: []uint16{80}},
		},
	)

	require.True(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))
	require.False(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:9090")))
}

func TestPolicySet_IdentityClauseNeverMatchesPlaintext(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger(),
		Policy{
			Name:   "allow-identified",
			Action: ActionAllow,
			Match:  Match{Identities: []string{"spiffe://cluster.local/ns/default/sa/app"}},
		},
	)

	// Plaintext passthrough has no identity; an identity-scoped allow list
	// must not admit it.
	require.False(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))

	rc := testCtx("10.0.0.1:33000", "10.0.0.5:80")
	rc.Conn.SrcIdentity = "spiffe://cluster.local/ns/default/sa/app"
	require.True(t, s.Assert(context.Background(), rc))
}

func TestPolicySet_NamespaceMatch(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger(),
		Policy{
			Name:   "deny-default-ns",
			Action: ActionDeny,
			Match:  Match{Namespaces: []string{"default"}},
		},
	)

	require.False(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))

	rc := testCtx("10.0.0.1:33000", "10.0.0.5:80")
	rc.DestWorkload.Namespace = "prod"
	require.True(t, s.Assert(context.Background(), rc))
}

func TestPolicySet_SetPoliciesNotifies(t *testing.T) {
	s := NewPolicySet(hclog.NewNullLogger())

	s.SetPolicies([]Policy{{Name: "deny-all", Action: ActionDeny}})
	select {
	case <-s.Notify():
	default:
		t.Fatal("expected a notification after SetPolicies")
	}

	require.False(t, s.Assert(context.Background(), testCtx("10.0.0.1:33000", "10.0.0.5:80")))

	// Coalescing: two updates, one pending signal.
	s.SetPolicies(nil)
	s.SetPolicies(nil)
	<-s.Notify()
	select {
	case <-s.Notify():
		t.Fatal("expected coalesced notifications")
	default:
	}
}

func TestConnectionString(t *testing.T) {
	c := Connection{
		Src:        netip.MustParseAddrPort("10.0.0.1:33000"),
		DstNetwork: "net1",
		Dst:        netip.MustParseAddrPort("10.0.0.5:80"),
	}
	require.Equal(t, "10.0.0.1:33000->net1/10.0.0.5:80", c.String())

	c.SrcIdentity = "spiffe://cluster.local/ns/default/sa/app"
	require.Equal(t, "10.0.0.1:33000(spiffe://cluster.local/ns/default/sa/app)->net1/10.0.0.5:80", c.String())
}
