package nameserver

import (
	"net"

	"github.com/driftchat/drift/internal/netutil"
)

// findClosestIP picks the candidate address whose IPv4 is numerically
// nearest to callerIP. Candidates are full "http://ip:port" addresses; ties
// keep the earlier candidate, so callers shuffle first to spread load.
// Candidates without a parseable IPv4 sort last.
func findClosestIP(callerIP string, candidates []string) string {
	caller, ok := ipv4Value(callerIP)
	if !ok {
		if len(candidates) == 0 {
			return ""
		}
		return candidates[0]
	}

	best := ""
	var bestDist uint64
	for _, cand := range candidates {
		v, ok := ipv4Value(netutil.AddrIP(cand))
		if !ok {
			continue
		}
		dist := ipDistance(caller, v)
		if best == "" || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	if best == "" && len(candidates) > 0 {
		return candidates[0]
	}
	return best
}

func ipv4Value(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), true
}

func ipDistance(a, b uint32) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
