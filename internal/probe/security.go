package probe

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/netutil"
)

// injectionPatterns are the content signatures a tampering proxy leaves in
// otherwise clean test pages.
var injectionPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)<script[^>]*src=["']?[^>]*\.min\.js`), "injected script"},
	{regexp.MustCompile(`(?i)eval\(`), "eval() detected"},
	{regexp.MustCompile(`(?i)document\.write`), "document.write() detected"},
	{regexp.MustCompile(`(?i)<iframe`), "iframe injection"},
	{regexp.MustCompile(`(?i)javascript:`), "javascript: protocol in content"},
}

// integrityExpected is the exact body the base64 test endpoint decodes to.
const integrityExpected = "Hello World"

// runSecurity executes the five tamper sub-checks sequentially, aborting
// between them when the bus trips. Each verdict string is stored verbatim;
// partial rounds leave the remaining sub-checks at "unknown".
func (r *Runner) runSecurity(ctx context.Context, req Request) Verdict {
	sec := model.UnknownSecurity()
	proto := r.pickProtocol(req, Verdict{})

	checks := []struct {
		field *string
		run   func(context.Context, endpoint.Protocol, Request) string
	}{
		{&sec.Content, r.checkContent},
		{&sec.TLS, r.checkTLS},
		{&sec.DNS, r.checkDNS},
		{&sec.Integrity, r.checkIntegrity},
		{&sec.Behaviour, r.checkBehaviour},
	}

	for _, c := range checks {
		if r.bus.Interrupted() || ctx.Err() != nil {
			break
		}
		*c.field = c.run(ctx, proto, req)
		if *c.field != model.VerdictPass && *c.field != model.VerdictUnknown {
			r.countFailed()
		}
	}

	sec.CheckedAtNs = time.Now().UnixNano()
	return Verdict{Security: &sec}
}

// checkContent fetches the HTML and JSON test pages and scans both for
// injection signatures. A redirect to a different registrable domain is
// itself a tamper signal.
func (r *Runner) checkContent(ctx context.Context, proto endpoint.Protocol, req Request) string {
	cfg := r.cfg()
	urls := cfg.Main.TestURLsSafety
	if urls.HTML == "" || urls.JSON == "" {
		return errNotConfigured
	}

	for _, target := range []string{urls.HTML, urls.JSON} {
		pctx, cancel := r.probeCtx(ctx, cfg.Main.SafetyTimeout())
		res, err := r.fetch(pctx, proto, req.Endpoint, target, nil)
		cancel()
		if err != nil {
			return "error: " + err.Error()
		}
		if res.Status >= 300 && res.Status < 400 {
			if loc := res.Header.Get("Location"); loc != "" && !netutil.SameSite(loc, target) {
				return "failed: redirect off-site to " + netutil.RegistrableDomain(loc)
			}
		}
		for _, p := range injectionPatterns {
			if p.re.Match(res.Body) {
				return "failed: " + p.desc
			}
		}
	}
	return model.VerdictPass
}

// checkTLS performs an HTTPS GET through the proxy. Deliberately a
// liveness check, not certificate validation: verification is skipped and
// pass means the tunnel produced a 200.
func (r *Runner) checkTLS(ctx context.Context, proto endpoint.Protocol, req Request) string {
	cfg := r.cfg()
	target := cfg.Main.TestURLsSafety.HTTPS
	if target == "" {
		return errNotConfigured
	}

	pctx, cancel := r.probeCtx(ctx, cfg.Main.SafetyTimeout())
	defer cancel()

	res, err := r.fetch(pctx, proto, req.Endpoint, target, nil)
	if err != nil {
		if strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "certificate") {
			return "failed: SSL error - " + err.Error()
		}
		return "error: " + err.Error()
	}
	if res.Status != 200 {
		return fmt.Sprintf("failed: HTTP %d", res.Status)
	}
	return model.VerdictPass
}

// checkDNS compares a DNS-over-HTTPS A lookup made directly against the
// same lookup made through the proxy. A failed baseline is "unknown"
// (scored as pass): external flakiness is not the proxy's fault.
func (r *Runner) checkDNS(ctx context.Context, proto endpoint.Protocol, req Request) string {
	cfg := r.cfg()
	domain := cfg.Main.DNSTestDomain
	server := cfg.Main.DoHServer
	if domain == "" || server == "" {
		return errNotConfigured
	}

	baseline, err := r.doh.baseline(ctx, server, domain)
	if err != nil {
		return model.VerdictUnknown
	}

	pctx, cancel := r.probeCtx(ctx, cfg.Main.SafetyTimeout())
	viaProxy, err := r.doh.queryVia(pctx, proto, req.Endpoint, server, domain)
	cancel()
	if err != nil {
		return "failed: cannot resolve " + domain + " through proxy"
	}

	if !equalAnswerSets(baseline, viaProxy) {
		return fmt.Sprintf("failed: hijacked (baseline: %v, proxy: %v)", baseline, viaProxy)
	}
	return model.VerdictPass
}

// checkIntegrity fetches a fixed-body endpoint and requires an exact match.
func (r *Runner) checkIntegrity(ctx context.Context, proto endpoint.Protocol, req Request) string {
	cfg := r.cfg()
	target := cfg.Main.TestURLsSafety.Base64
	if target == "" {
		return errNotConfigured
	}

	pctx, cancel := r.probeCtx(ctx, cfg.Main.SafetyTimeout())
	defer cancel()

	res, err := r.fetch(pctx, proto, req.Endpoint, target, nil)
	if err != nil {
		return "error: " + err.Error()
	}
	if res.Status != 200 {
		return fmt.Sprintf("failed: HTTP %d", res.Status)
	}
	got := strings.TrimSpace(string(res.Body))
	if got != integrityExpected {
		return fmt.Sprintf("failed: tampered (expected: %s, got: %s)", integrityExpected, truncate(got, 50))
	}
	return model.VerdictPass
}

// checkBehaviour flags proxy-identifying response headers and abnormal
// latency on a deliberately delayed endpoint.
func (r *Runner) checkBehaviour(ctx context.Context, proto endpoint.Protocol, req Request) string {
	cfg := r.cfg()
	urls := cfg.Main.TestURLsSafety
	if urls.Headers == "" || urls.Delay == "" {
		return errNotConfigured
	}

	var suspicious []string

	pctx, cancel := r.probeCtx(ctx, cfg.Main.SafetyTimeout())
	res, err := r.fetch(pctx, proto, req.Endpoint, urls.Headers, nil)
	cancel()
	if err != nil {
		return "error: " + err.Error()
	}
	for _, h := range []string{"X-Proxy-Modified", "X-Forwarded-By", "Via"} {
		if res.Header.Get(h) != "" {
			suspicious = append(suspicious, "unexpected header: "+h)
		}
	}

	// The delay endpoint stalls on purpose; give it room beyond the
	// normal safety timeout before holding slowness against the proxy.
	threshold := cfg.Main.BehaviourDelayThreshold()
	pctx, cancel = r.probeCtx(ctx, cfg.Main.SafetyTimeout()+threshold)
	res, err = r.fetch(pctx, proto, req.Endpoint, urls.Delay, nil)
	cancel()
	if err != nil {
		return "error: " + err.Error()
	}
	if res.Elapsed > threshold {
		suspicious = append(suspicious, fmt.Sprintf("high latency (%.2fs)", res.Elapsed.Seconds()))
	}

	if len(suspicious) > 0 {
		return "failed: " + strings.Join(suspicious, ", ")
	}
	return model.VerdictPass
}

func equalAnswerSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
