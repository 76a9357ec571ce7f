package models

import (
	"net/netip"
	"strconv"
	"time"
)

// PeerInfo describes one process announcing itself on the local network.
type PeerInfo struct {
	ID       string     `json:"id"`
	Hostname string     `json:"hostname"`
	IP       netip.Addr `json:"ip"`
	Port     int        `json:"port"`
	// LastSeen is a Unix timestamp in seconds.
	LastSeen int64 `json:"last_seen"`
}

// LastSeenTime returns LastSeen as a time.Time.
func (p PeerInfo) LastSeenTime() time.Time {
	return time.Unix(p.LastSeen, 0)
}

// AddrPort returns the peer's announced UDP endpoint.
func (p PeerInfo) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, uint16(p.Port))
}

// SessionAddress joins the peer IP with a session port as host:port.
func (p PeerInfo) SessionAddress(sessionPort int) string {
	return netip.AddrPortFrom(p.IP, uint16(sessionPort)).String()
}

func (p PeerInfo) String() string {
	return p.Hostname + " (" + p.ID + ") at " + p.IP.String() + ":" + strconv.Itoa(p.Port)
}
