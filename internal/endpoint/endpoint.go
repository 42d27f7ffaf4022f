// Package endpoint provides the canonical proxy endpoint identity and the
// protocol enumeration shared across the pool.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Protocol identifies how a proxy endpoint is spoken to.
type Protocol string

const (
	HTTP   Protocol = "http"
	SOCKS4 Protocol = "socks4"
	SOCKS5 Protocol = "socks5"

	// Auto is a probe hint, never a stored protocol: try HTTP, then
	// SOCKS5, then SOCKS4, and keep whichever answered first.
	Auto Protocol = "auto"
)

// ParseProtocol normalises a protocol string. The empty string maps to
// Auto. Anything unrecognised is an error.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "all":
		return Auto, nil
	case "http", "https":
		return HTTP, nil
	case "socks4":
		return SOCKS4, nil
	case "socks5":
		return SOCKS5, nil
	}
	return "", fmt.Errorf("endpoint: unknown protocol %q", s)
}

// DetectionOrder is the sequence tried when the hint is Auto.
var DetectionOrder = []Protocol{HTTP, SOCKS5, SOCKS4}

// Endpoint is a canonical "host:port" string identifying one proxy.
// IPv6 hosts are kept bracketed so the value round-trips through
// net.SplitHostPort.
type Endpoint string

// Parse validates and canonicalises a raw candidate line into an Endpoint.
// Accepted forms: "host:port", "[v6]:port", and "scheme://host:port"
// (the scheme is discarded; protocol detection is the prober's job).
func Parse(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("endpoint: empty candidate")
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("endpoint: malformed candidate %q", raw)
		}
		s = u.Host
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("endpoint: %q is not host:port: %w", raw, err)
	}
	if host == "" {
		return "", fmt.Errorf("endpoint: %q has empty host", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("endpoint: %q has invalid port %q", raw, portStr)
	}

	// Lowercase hostnames; leave IP literals as parsed.
	if ip := net.ParseIP(host); ip == nil {
		host = strings.ToLower(host)
	}
	return Endpoint(net.JoinHostPort(host, strconv.Itoa(port))), nil
}

// MustParse is Parse for test fixtures and constants known to be valid.
func MustParse(raw string) Endpoint {
	ep, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// String implements fmt.Stringer.
func (e Endpoint) String() string { return string(e) }

// Host returns the host half, without brackets.
func (e Endpoint) Host() string {
	host, _, err := net.SplitHostPort(string(e))
	if err != nil {
		return string(e)
	}
	return host
}

// Port returns the numeric port, or 0 when the endpoint is malformed.
func (e Endpoint) Port() int {
	_, portStr, err := net.SplitHostPort(string(e))
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return p
}

// URL renders the endpoint as "<proto>://host:port" for transports and
// browser drivers.
func (e Endpoint) URL(proto Protocol) string {
	return string(proto) + "://" + string(e)
}

// NormalizeProtocols de-duplicates and sorts a protocol union so stored
// sets compare stably.
func NormalizeProtocols(ps []Protocol) []Protocol {
	seen := make(map[Protocol]struct{}, len(ps))
	out := make([]Protocol, 0, len(ps))
	for _, p := range ps {
		if p == "" || p == Auto {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
