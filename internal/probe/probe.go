// Package probe executes the network tests that feed the scoring engine:
// reachability (single and dual-region), anonymity, geo info, headless
// browser, and the five-part security sweep. Probes are stateless and fail
// closed: any error becomes part of the verdict, never a crash, and
// nothing here touches the pool or the store.
package probe

import (
	"context"
	"time"

	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/scoring"
	"github.com/weir-proxy/weir/internal/signalbus"
)

// ErrNotConfigured is the recognisable token surfaced inside verdict
// strings when a probe is missing its test URL.
const errNotConfigured = "error: test URL not configured"

// Probe is the sum type of everything the runner knows how to execute.
// The sealed marker keeps dispatch exhaustive: a new probe kind fails to
// compile until Run learns about it.
type Probe interface {
	probeName() string
}

// Reachability is a single-region reachability check (P1 semantics).
// Region selects the URL set and timeout: "cn" or "intl".
type Reachability struct {
	Region string
}

// Dual runs the reachability check against both regions.
type Dual struct{}

// Anonymity compares the IP a proxy leaks against the host's own egress
// IP. Skipped by RunAll unless a reachability leg passed this round.
type Anonymity struct{}

// Info fetches geo/ASN attributes. Sticky: skipped when the current record
// already carries non-sentinel location data.
type Info struct{}

// Browser drives the injected headless renderer through the proxy.
type Browser struct{}

// Security runs the five tamper sub-checks.
type Security struct{}

func (Reachability) probeName() string { return "reachability" }
func (Dual) probeName() string         { return "dual" }
func (Anonymity) probeName() string    { return "anonymity" }
func (Info) probeName() string         { return "info" }
func (Browser) probeName() string      { return "browser" }
func (Security) probeName() string     { return "security" }

// Request names the target of a probe round. Current is nil for candidates
// that have never been stored; the info probe uses it for stickiness and
// the anonymity fallback reads the last observed egress IP from it.
type Request struct {
	Endpoint endpoint.Endpoint
	Hint     endpoint.Protocol
	Current  *model.ProxyRecord
}

// Verdict accumulates the outcomes of the probes that actually ran. Nil
// sub-results mean "did not run" and leave the matching record fields
// untouched when scored.
type Verdict struct {
	Reach     *scoring.ReachResult
	Anonymity *scoring.AnonymityResult
	Geo       *model.GeoInfo
	Browser   *model.BrowserResult
	Security  *model.SecurityResult
}

// Bundle converts the verdict into the scoring engine's input.
func (v Verdict) Bundle() scoring.Bundle {
	return scoring.Bundle{
		Reach:     v.Reach,
		Anonymity: v.Anonymity,
		Geo:       v.Geo,
		Browser:   v.Browser,
		Security:  v.Security,
	}
}

func (v *Verdict) merge(other Verdict) {
	if other.Reach != nil {
		v.Reach = other.Reach
	}
	if other.Anonymity != nil {
		v.Anonymity = other.Anonymity
	}
	if other.Geo != nil {
		v.Geo = other.Geo
	}
	if other.Browser != nil {
		v.Browser = other.Browser
	}
	if other.Security != nil {
		v.Security = other.Security
	}
}

// GeoFallback resolves an IP to (country, city) from a local database when
// the online info endpoint is disabled or unreachable. Empty strings mean
// no data.
type GeoFallback func(ip string) (country, city string)

// Runner executes probes. Safe for concurrent use: the only mutable state
// is the DoH baseline cache, which is itself concurrent.
type Runner struct {
	cfg   func() *config.RuntimeConfig
	bus   *signalbus.Bus
	fetch Fetcher

	// Optional capabilities; nil disables the matching probe features.
	renderer    Renderer
	geoFallback GeoFallback
	collector   *metrics.Collector

	doh *dohClient
}

// NewRunner wires a probe runner. fetch may be nil, in which case the
// production Fetcher is used.
func NewRunner(cfg func() *config.RuntimeConfig, bus *signalbus.Bus, fetch Fetcher) *Runner {
	if cfg == nil {
		panic("probe: NewRunner requires a config getter")
	}
	if bus == nil {
		panic("probe: NewRunner requires a signal bus")
	}
	if fetch == nil {
		fetch = NewFetcher()
	}
	r := &Runner{cfg: cfg, bus: bus, fetch: fetch}
	r.doh = newDoHClient(r)
	return r
}

// SetRenderer installs the headless-browser capability. Must be called
// before any Browser probe runs.
func (r *Runner) SetRenderer(renderer Renderer) { r.renderer = renderer }

// SetGeoFallback installs the offline geo lookup used when the online info
// endpoint is disabled or fails.
func (r *Runner) SetGeoFallback(fn GeoFallback) { r.geoFallback = fn }

// SetCollector installs the metrics counters. Optional.
func (r *Runner) SetCollector(c *metrics.Collector) { r.collector = c }

// Run executes one probe and returns its verdict. Already-accumulated
// results from the same round are passed via prior so dependent probes
// (anonymity on reachability, info on the observed IP) can consult them.
func (r *Runner) Run(ctx context.Context, p Probe, req Request, prior Verdict) Verdict {
	r.countRun()
	switch probe := p.(type) {
	case Reachability:
		return r.runReachability(ctx, probe, req)
	case Dual:
		return r.runDual(ctx, req)
	case Anonymity:
		return r.runAnonymity(ctx, req, prior)
	case Info:
		return r.runInfo(ctx, req, prior)
	case Browser:
		return r.runBrowser(ctx, req)
	case Security:
		return r.runSecurity(ctx, req)
	}
	return Verdict{}
}

// RunAll executes probes in order, merging verdicts and checking the
// signal bus between probes. The anonymity probe is skipped when the
// round's reachability failed both legs, matching the rule that nothing
// further is learned about an unreachable endpoint.
func (r *Runner) RunAll(ctx context.Context, probes []Probe, req Request) Verdict {
	var verdict Verdict
	for _, p := range probes {
		if r.bus.Interrupted() || ctx.Err() != nil {
			break
		}
		if _, isAnon := p.(Anonymity); isAnon {
			if verdict.Reach != nil && !verdict.Reach.CNOK && !verdict.Reach.IntlOK {
				continue
			}
			if !r.cfg().Main.CheckTransparent.Bool() {
				continue
			}
		}
		if _, isInfo := p.(Info); isInfo && !r.cfg().Main.GetIPInfo.Bool() {
			// Offline fallback still applies when a database is wired.
			if r.geoFallback == nil {
				continue
			}
		}
		verdict.merge(r.Run(ctx, p, req, verdict))
	}
	return verdict
}

func (r *Runner) countRun() {
	if r.collector != nil {
		r.collector.ProbeRun()
	}
}

func (r *Runner) countFailed() {
	if r.collector != nil {
		r.collector.ProbeFailed()
	}
}

// probeCtx derives a context bounded by the probe timeout and the signal
// bus. The caller must invoke cancel.
func (r *Runner) probeCtx(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, busCancel := r.bus.Context(parent)
	if timeout <= 0 {
		return ctx, busCancel
	}
	tctx, tCancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		tCancel()
		busCancel()
	}
}
