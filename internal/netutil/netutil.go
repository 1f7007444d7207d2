// Package netutil picks a local IP to bind the heartbeat socket to,
// since the heartbeat has to originate from an address the console
// can route a reply to even when the operator never configured one.
package netutil

import (
	"fmt"
	"net"

	"github.com/nkyui/apextelemetry/internal/config"
)

// ResolveLocalIPForTarget opens a throwaway UDP socket toward target
// and reads back the local address the kernel routed it through —
// the standard connect-then-inspect trick for finding the outbound
// interface address without parsing routing tables.
func ResolveLocalIPForTarget(target net.IP, port int) (net.IP, error) {
	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", target.String(), port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP, nil
}

// ResolveDefaultRouteIP applies the same trick against a well-known
// public address to find the default-route-facing local IP.
func ResolveDefaultRouteIP() (net.IP, error) {
	return ResolveLocalIPForTarget(net.IPv4(1, 1, 1, 1), 80)
}

// FallbackLocalIP picks a bind IP for outbound heartbeats: the
// configured bind address if it is a real non-loopback interface,
// otherwise a preferred private IPv4, otherwise the default route.
func FallbackLocalIP(cfg config.UdpConfig) net.IP {
	if v4 := cfg.BindAddr.To4(); v4 != nil && !v4.IsLoopback() && !v4.IsUnspecified() {
		return cfg.BindAddr
	}
	if ip := PreferredPrivateIPv4(); ip != nil {
		return ip
	}
	ip, err := ResolveDefaultRouteIP()
	if err != nil {
		return nil
	}
	return ip
}

// ResolveBroadcastBindIP returns the bind IP to use while an
// auto-detect session is pending (broadcast heartbeat mode), or nil
// when no detect is pending.
func ResolveBroadcastBindIP(cfg config.UdpConfig, pendingDetect bool) net.IP {
	if !pendingDetect {
		return nil
	}
	return FallbackLocalIP(cfg)
}

// PreferredPrivateIPv4 scans local interfaces for the first
// non-loopback, non-link-local private IPv4 address.
func PreferredPrivateIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if IsPrivateIPv4(ip) {
			return ip
		}
	}
	return nil
}

// IsPrivateIPv4 reports whether ip is in 10/8, 172.16/12, or 192.168/16.
func IsPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	default:
		return false
	}
}
