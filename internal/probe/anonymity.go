package probe

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/scoring"
)

// runAnonymity fetches an IP echo service through the proxy and compares
// the echoed address against the host's own egress IP (cached in config at
// batch start). The substring rule catches chained egresses that report
// "client, proxy" pairs.
func (r *Runner) runAnonymity(ctx context.Context, req Request, prior Verdict) Verdict {
	cfg := r.cfg()
	urls := cfg.Main.TestURLTransparent
	if len(urls) == 0 {
		return Verdict{Anonymity: &scoring.AnonymityResult{CheckOK: false}}
	}
	target := urls[rand.IntN(len(urls))]

	proto := r.pickProtocol(req, prior)

	pctx, cancel := r.probeCtx(ctx, cfg.Main.TransparentTimeout())
	defer cancel()

	res, err := r.fetch(pctx, proto, req.Endpoint, target, nil)
	if err != nil || res.Status != 200 {
		r.countFailed()
		return Verdict{Anonymity: &scoring.AnonymityResult{CheckOK: false}}
	}

	observed := parseEchoBody(res.Body)
	if observed == "" {
		return Verdict{Anonymity: &scoring.AnonymityResult{CheckOK: false}}
	}

	ownIP := cfg.Main.OwnIP
	transparent := ownIP != "" && strings.Contains(observed, ownIP)
	return Verdict{Anonymity: &scoring.AnonymityResult{
		CheckOK:     true,
		Transparent: transparent,
		ObservedIP:  observed,
	}}
}

// pickProtocol chooses the protocol for follow-up probes after detection:
// this round's detected protocol, then the record's stored set, then HTTP.
func (r *Runner) pickProtocol(req Request, prior Verdict) endpoint.Protocol {
	if prior.Reach != nil && len(prior.Reach.Protocols) > 0 {
		return prior.Reach.Protocols[0]
	}
	if req.Current != nil && len(req.Current.Protocols) > 0 {
		return req.Current.Protocols[0]
	}
	if req.Hint != endpoint.Auto && req.Hint != "" {
		return req.Hint
	}
	return endpoint.HTTP
}

// parseEchoBody extracts the echoed IP from a what-is-my-IP response.
// Plain-text services return the bare address; JSON ones wrap it in an
// "origin" or "ip" field. The full first line is kept (not just a parsed
// IP) so comma-joined chains remain visible to the substring rule.
func parseEchoBody(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "{") {
		for _, key := range []string{`"origin"`, `"ip"`} {
			if idx := strings.Index(text, key); idx >= 0 {
				rest := text[idx+len(key):]
				if colon := strings.Index(rest, ":"); colon >= 0 {
					rest = rest[colon+1:]
					if open := strings.Index(rest, `"`); open >= 0 {
						rest = rest[open+1:]
						if close := strings.Index(rest, `"`); close >= 0 {
							return strings.TrimSpace(rest[:close])
						}
					}
				}
			}
		}
		return ""
	}
	line, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(line)
}
