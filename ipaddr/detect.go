package ipaddr

import (
	"fmt"
	"net"
	"net/netip"
)

// privateIPv4Blocks contains the IPv4 address blocks which are used for
// private networks.
var privateIPv4Blocks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// DetectPrivateIPv4 returns the single private IPv4 address assigned to an
// active non-loopback interface. It is used to default the proxy's local
// address when none is configured. An error is returned when zero or more
// than one candidate exists, since guessing between interfaces would make
// self-call detection unreliable.
func DetectPrivateIPv4() (netip.Addr, error) {
	addresses, err := activeInterfaceAddresses()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get interface addresses: %w", err)
	}

	var addrs []netip.Addr
	for _, rawAddr := range addresses {
		var ip net.IP
		switch addr := rawAddr.(type) {
		case *net.IPAddr:
			ip = addr.IP
		case *net.IPNet:
			ip = addr.IP
		default:
			continue
		}
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		a, ok := netip.AddrFromSlice(v4)
		if !ok || !isPrivateIPv4(a) || a.IsLoopback() {
			continue
		}
		addrs = append(addrs, a)
	}

	switch len(addrs) {
	case 0:
		return netip.Addr{}, fmt.Errorf("no private IPv4 address found")
	case 1:
		return addrs[0], nil
	default:
		return netip.Addr{}, fmt.Errorf("multiple private IPv4 addresses found (%v), please configure one", addrs)
	}
}

func isPrivateIPv4(ip netip.Addr) bool {
	for _, priv := range privateIPv4Blocks {
		if priv.Contains(ip) {
			return true
		}
	}
	return false
}

// activeInterfaceAddresses returns addresses from interfaces that are up,
// preferring non-loopback interfaces when any exist.
func activeInterfaceAddresses() ([]net.Addr, error) {
	var upAddrs []net.Addr
	var loAddrs []net.Addr

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get interfaces: %w", err)
	}

	for _, iface := range interfaces {
		// Require interface to be up
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addresses, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to get interface addresses: %w", err)
		}

		if iface.Flags&net.FlagLoopback != 0 {
			loAddrs = append(loAddrs, addresses...)
			continue
		}

		upAddrs = append(upAddrs, addresses...)
	}

	if len(upAddrs) == 0 {
		return loAddrs, nil
	}

	return upAddrs, nil
}
