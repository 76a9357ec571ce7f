package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// listenBroadcastUDP binds an IPv4 UDP socket that may send to broadcast addresses.
// Address reuse is deliberately left off so a second process on the same port
// fails to bind.
func listenBroadcastUDP(addr netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return enableBroadcast(c)
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return conn, nil
}

// resolveLocalIP picks the first non-loopback IPv4 interface address, falling
// back to 127.0.0.1.
func resolveLocalIP() netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is4() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
				return addr
			}
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}
