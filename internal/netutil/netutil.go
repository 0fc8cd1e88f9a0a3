// Package netutil holds the small networking helpers shared by the drift
// roles: discovering the locally routable IP, picking a free port and
// formatting the "http://ip:port" server addresses the name server stores.
package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// PublicIP returns the IP other hosts on the network can reach this process
// on. It opens a UDP socket towards a public address; no packet is sent, the
// kernel just picks the outbound interface.
func PublicIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		// Fall back to a loopback-only setup (tests, offline dev).
		return "127.0.0.1", nil
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
	}
	return local.IP.String(), nil
}

// FreePort asks the kernel for an unused TCP port on ip.
func FreePort(ip string) (int, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, fmt.Errorf("probe free port on %s: %w", ip, err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

// FormatAddr builds the canonical server address stored in the name server.
func FormatAddr(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}

// SplitAddr parses a canonical server address back into ip and port.
func SplitAddr(addr string) (string, int, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", 0, fmt.Errorf("bad server address %q: %w", addr, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("bad server address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in address %q: %w", addr, err)
	}
	return host, port, nil
}

// AddrIP returns just the IP of a canonical server address, "" when it
// cannot be parsed.
func AddrIP(addr string) string {
	ip, _, err := SplitAddr(addr)
	if err != nil {
		// Tolerate bare host:port strings.
		if i := strings.LastIndex(addr, ":"); i > 0 {
			return strings.TrimPrefix(addr[:i], "http://")
		}
		return ""
	}
	return ip
}
