package probe

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/scoring"
)

// legResult is the outcome of one reachability leg.
type legResult struct {
	ok       bool
	elapsedS float64
	detected endpoint.Protocol
}

// runReachability executes a single-region check and reports it as a
// one-legged ReachResult so the scoring engine sees the usual shape.
func (r *Runner) runReachability(ctx context.Context, p Reachability, req Request) Verdict {
	cfg := r.cfg()

	var urls []string
	var timeout time.Duration
	if p.Region == "cn" {
		urls = cfg.Main.TestURLCN
		timeout = cfg.Main.CNTimeout()
	} else {
		urls = cfg.Main.TestURLIntl
		timeout = cfg.Main.IntlTimeout()
	}

	leg := r.checkLeg(ctx, req, urls, timeout)
	reach := &scoring.ReachResult{}
	if p.Region == "cn" {
		reach.CNOK = leg.ok
		reach.CNElapsedS = leg.elapsedS
	} else {
		reach.IntlOK = leg.ok
		reach.IntlElapsedS = leg.elapsedS
	}
	if leg.ok {
		reach.Protocols = []endpoint.Protocol{leg.detected}
	} else {
		r.countFailed()
	}
	return Verdict{Reach: reach}
}

// runDual executes both reachability legs, domestic first, aborting
// between them when the bus trips mid-round.
func (r *Runner) runDual(ctx context.Context, req Request) Verdict {
	cfg := r.cfg()

	cn := r.checkLeg(ctx, req, cfg.Main.TestURLCN, cfg.Main.CNTimeout())

	if r.bus.Interrupted() || ctx.Err() != nil {
		reach := &scoring.ReachResult{CNOK: cn.ok, CNElapsedS: cn.elapsedS}
		if cn.ok {
			reach.Protocols = []endpoint.Protocol{cn.detected}
		}
		return Verdict{Reach: reach}
	}

	intl := r.checkLeg(ctx, req, cfg.Main.TestURLIntl, cfg.Main.IntlTimeout())

	reach := &scoring.ReachResult{
		CNOK:         cn.ok,
		IntlOK:       intl.ok,
		CNElapsedS:   cn.elapsedS,
		IntlElapsedS: intl.elapsedS,
	}
	var protos []endpoint.Protocol
	if cn.ok {
		protos = append(protos, cn.detected)
	}
	if intl.ok {
		protos = append(protos, intl.detected)
	}
	reach.Protocols = endpoint.NormalizeProtocols(protos)
	if !cn.ok && !intl.ok {
		r.countFailed()
	}
	return Verdict{Reach: reach}
}

// checkLeg runs one reachability leg: random target URL, strict status
// match, protocol auto-detection when the hint is Auto.
func (r *Runner) checkLeg(ctx context.Context, req Request, urls []string, timeout time.Duration) legResult {
	if len(urls) == 0 {
		return legResult{detected: lastDetectionCandidate(req.Hint)}
	}
	target := urls[rand.IntN(len(urls))]
	expected := r.cfg().Main.ExpectedStatus

	order := []endpoint.Protocol{req.Hint}
	if req.Hint == endpoint.Auto {
		order = endpoint.DetectionOrder
	}

	last := order[0]
	for _, proto := range order {
		last = proto
		pctx, cancel := r.probeCtx(ctx, timeout)
		res, err := r.fetch(pctx, proto, req.Endpoint, target, nil)
		cancel()
		if err != nil {
			continue
		}
		// Strict: only the expected status counts. A redirect or a
		// captive-portal rewrite is a failure, not a degraded pass.
		if res.Status == expected {
			return legResult{ok: true, elapsedS: res.Elapsed.Seconds(), detected: proto}
		}
	}
	return legResult{detected: last}
}

// lastDetectionCandidate mirrors checkLeg's "last tried" reporting when no
// request could even start.
func lastDetectionCandidate(hint endpoint.Protocol) endpoint.Protocol {
	if hint == endpoint.Auto {
		return endpoint.DetectionOrder[len(endpoint.DetectionOrder)-1]
	}
	return hint
}
