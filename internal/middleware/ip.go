package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientResolver finds the caller's address. Forwarding headers are honoured
// only when the immediate peer sits inside a trusted proxy range.
type ClientResolver struct {
	headers []string
	trusted []*net.IPNet
}

// NewClientResolver builds a resolver. Malformed CIDRs are skipped.
func NewClientResolver(headers, trustedCIDRs []string) ClientResolver {
	return ClientResolver{headers: headers, trusted: parseCIDRs(trustedCIDRs)}
}

// ClientIP returns the resolved address, or 0.0.0.0 when RemoteAddr is unusable.
func (c ClientResolver) ClientIP(r *http.Request) net.IP {
	remoteIP := remoteAddrIP(r.RemoteAddr)
	if len(c.headers) == 0 || !ipInCIDRs(remoteIP, c.trusted) {
		return remoteIP
	}

	for _, h := range c.headers {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if strings.EqualFold(h, "X-Forwarded-For") {
			// left-most entry is the original client
			for _, part := range strings.Split(v, ",") {
				if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
					return ip
				}
			}
			continue
		}
		if ip := net.ParseIP(v); ip != nil {
			return ip
		}
	}
	return remoteIP
}

func remoteAddrIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		if ip := net.ParseIP(remoteAddr); ip != nil {
			return ip
		}
		return net.IPv4zero
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func ipInCIDRs(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	if len(cidrs) == 0 {
		return nil
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err == nil && n != nil {
			out = append(out, n)
		}
	}
	return out
}
