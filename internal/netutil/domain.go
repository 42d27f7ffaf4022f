package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain extracts the effective top-level-domain-plus-one
// (eTLD+1) from a target string that may be host:port, a URL, an IPv6
// address, etc. The security probe compares registrable domains to decide
// whether a proxy redirected a test request off-site.
//
// Examples:
//
//	"www.google.co.uk:443" -> "google.co.uk"
//	"httpbin.org/json"     -> "httpbin.org"
//	"192.168.1.1:8080"     -> "192.168.1.1"
//	"[::1]:80"             -> "::1"
func RegistrableDomain(target string) string {
	// If target is a URL, parse out the host first.
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	// Split off port. net.SplitHostPort handles both "host:port" and "[ipv6]:port".
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	// The Public Suffix List rejects IP addresses, localhost, and bare
	// TLDs; those fall back to the raw host.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// SameSite reports whether two targets share a registrable domain. A proxy
// that answers a probe from a different site is rewriting traffic.
func SameSite(a, b string) bool {
	da := RegistrableDomain(a)
	db := RegistrableDomain(b)
	return da != "" && strings.EqualFold(da, db)
}
