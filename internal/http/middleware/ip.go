package middleware

import (
	"net"

	echo "github.com/labstack/echo/v4"
)

// IPExtractor decides what c.RealIP() returns. X-Forwarded-For is honoured
// only when the peer is one of trusted (CIDRs or single IPs); with none
// configured the peer address is the client. Entries are checked by
// config.Validate; unparseable ones are skipped here.
func IPExtractor(trusted []string) echo.IPExtractor {
	ranges := make([]*net.IPNet, 0, len(trusted))
	for _, s := range trusted {
		if ipNet := parseRange(s); ipNet != nil {
			ranges = append(ranges, ipNet)
		}
	}
	if len(ranges) == 0 {
		return echo.ExtractIPDirect()
	}

	// echo trusts loopback and private ranges unless told otherwise
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, r := range ranges {
		opts = append(opts, echo.TrustIPRange(r))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func parseRange(s string) *net.IPNet {
	if _, ipNet, err := net.ParseCIDR(s); err == nil {
		return ipNet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}
