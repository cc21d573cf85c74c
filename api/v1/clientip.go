package v1

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// loopbackIP is reported when a request carries no public address.
// Enrichment resolves nothing for it.
const loopbackIP = "127.0.0.1"

// singleValueHeaders are checked after X-Forwarded-For, in order.
var singleValueHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// clientIP returns the address an event was sent from. Proxy headers win over
// the connection address and public IPv4 wins over IPv6.
func clientIP(c *fiber.Ctx) string {
	if ip := preferredAddr(strings.Split(c.Get(fiber.HeaderXForwardedFor), ",")); ip != "" {
		return ip
	}
	for _, header := range singleValueHeaders {
		if ip := preferredAddr([]string{c.Get(header)}); ip != "" {
			return ip
		}
	}
	if ip := preferredAddr(forwardedFor(c.Get("Forwarded"))); ip != "" {
		return ip
	}
	if ip := preferredAddr([]string{c.Context().RemoteAddr().String(), c.IP()}); ip != "" {
		return ip
	}
	return loopbackIP
}

// preferredAddr picks the first public IPv4 address among values, falling
// back to the first public IPv6 one.
func preferredAddr(values []string) string {
	var v6 string
	for _, raw := range values {
		addr, ok := parseAddr(raw)
		if !ok || !isPublic(addr) {
			continue
		}
		if addr.Is4() {
			return addr.String()
		}
		if v6 == "" {
			v6 = addr.String()
		}
	}
	return v6
}

// parseAddr accepts bare addresses, addr:port, [v6]:port, quoted values and
// zoned IPv6. IPv4-mapped IPv6 is unmapped.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return netip.Addr{}, false
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

func isPublic(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsUnspecified()
}

// forwardedFor extracts the for= parameters of an RFC 7239 Forwarded header.
func forwardedFor(header string) []string {
	var out []string
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(key, "for") {
				out = append(out, value)
			}
		}
	}
	return out
}
