package netutil

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const (
	defaultOwnIPAttempts = 6
	defaultOwnIPDelay    = 2 * time.Second
)

// OwnIPResolver discovers the host's public egress IP by asking the echo
// services directly. The transparency probe compares this address against
// the one a proxy leaks. Callers cache the result in the runtime config so
// a failed refresh can fall back to the last known value.
type OwnIPResolver struct {
	Downloader Downloader
	Attempts   int           // 0 means 6
	Delay      time.Duration // pause between attempts; 0 means 2s
}

// Resolve tries randomly-chosen services until one returns a parseable IP.
func (r *OwnIPResolver) Resolve(ctx context.Context, services []string) (string, error) {
	if r.Downloader == nil {
		panic("netutil: OwnIPResolver requires a Downloader")
	}
	if len(services) == 0 {
		return "", fmt.Errorf("netutil: no own-IP echo services configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = defaultOwnIPAttempts
	}
	delay := r.Delay
	if delay <= 0 {
		delay = defaultOwnIPDelay
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		service := services[rand.IntN(len(services))]
		body, err := r.Downloader.Download(ctx, service)
		if err != nil {
			lastErr = err
			continue
		}
		if ip := parseEchoedIP(body); ip != "" {
			return ip, nil
		}
		lastErr = fmt.Errorf("netutil: %s returned no parseable IP", service)
	}
	return "", fmt.Errorf("netutil: own IP unavailable after %d attempts: %w", attempts, lastErr)
}

// parseEchoedIP extracts a single validated IP from an echo service body.
// JSON services wrap the address in an "origin" or "ip" field; the rest
// return plain text. Chained egresses produce comma-separated lists, in
// which case the first hop is the caller's address.
func parseEchoedIP(body []byte) string {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var payload struct {
			Origin string `json:"origin"`
			IP     string `json:"ip"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			if payload.Origin != "" {
				text = payload.Origin
			} else if payload.IP != "" {
				text = payload.IP
			}
		}
	}
	first, _, _ := strings.Cut(text, ",")
	first = strings.TrimSpace(first)
	if net.ParseIP(first) == nil {
		return ""
	}
	return first
}
