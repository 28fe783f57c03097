package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// AutoSubnets is the subnet entry that expands to the local interfaces' subnets.
const AutoSubnets = "auto"

// DefaultSubnets covers the limited broadcast address and the common private
// network ranges.
var DefaultSubnets = []string{
	"255.255.255.255",
	"192.168.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
}

// DiscoveryTargets computes the broadcast destinations for subnets on port.
// A CIDR entry yields its directed broadcast address, a bare IPv4 address is
// used as is, and AutoSubnets expands to LocalSubnets. Order is preserved and
// duplicates are dropped.
func DiscoveryTargets(subnets []string, port uint16) ([]*net.UDPAddr, error) {
	if port == 0 {
		return nil, fmt.Errorf("%w: discovery port must be non-zero", ErrInvalidSubnet)
	}

	expanded, err := expandSubnets(subnets)
	if err != nil {
		return nil, err
	}

	seen := make(map[netip.Addr]bool, len(expanded))
	targets := make([]*net.UDPAddr, 0, len(expanded))
	for _, entry := range expanded {
		addr, err := broadcastAddress(entry)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		targets = append(targets, net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port)))
	}
	return targets, nil
}

func expandSubnets(subnets []string) ([]string, error) {
	out := make([]string, 0, len(subnets))
	for _, s := range subnets {
		s = strings.TrimSpace(s)
		if !strings.EqualFold(s, AutoSubnets) {
			out = append(out, s)
			continue
		}
		local, err := LocalSubnets()
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", AutoSubnets, err)
		}
		out = append(out, local...)
	}
	return out, nil
}

// broadcastAddress returns the IPv4 broadcast address for a CIDR, or the
// address itself for a bare IPv4.
func broadcastAddress(entry string) (netip.Addr, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil || !prefix.Addr().Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidSubnet, entry)
		}
		ip := prefix.Masked().Addr().As4()
		bits := prefix.Bits()
		for i := 0; i < 4; i++ {
			hostBits := 32 - bits - 8*(3-i)
			// hostBits is the number of host bits that fall in byte i, clamped to 0..8.
			if hostBits > 8 {
				hostBits = 8
			}
			if hostBits > 0 {
				ip[i] |= byte(1<<hostBits) - 1
			}
		}
		return netip.AddrFrom4(ip), nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil || !addr.Unmap().Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidSubnet, entry)
	}
	return addr.Unmap(), nil
}

// LocalSubnets lists the IPv4 subnets of interfaces that are up, not loopback
// and broadcast capable.
func LocalSubnets() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var subnets []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			subnets = append(subnets, fmt.Sprintf("%s/%d", ipNet.IP.To4(), ones))
		}
	}
	return subnets, nil
}
