package probe

import (
	"context"
	"strings"
	"time"

	"github.com/weir-proxy/weir/internal/model"
)

// Renderer is the headless-browser capability. Implementations navigate to
// url through proxyURL ("<proto>://host:port") and report whether the page
// loaded with status 200 and the expected body token. The driver itself
// lives outside this module.
type Renderer interface {
	Render(ctx context.Context, url, proxyURL string) (ok bool, latencyMs float64, errSummary string)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, url, proxyURL string) (bool, float64, string)

func (f RendererFunc) Render(ctx context.Context, url, proxyURL string) (bool, float64, string) {
	return f(ctx, url, proxyURL)
}

// runBrowser drives the renderer through the proxy. The verdict is
// tri-state at the record level: a round without a configured renderer
// still records the attempt error but cannot claim the proxy failed.
func (r *Runner) runBrowser(ctx context.Context, req Request) Verdict {
	now := time.Now()

	if r.renderer == nil {
		return Verdict{Browser: &model.BrowserResult{
			Valid:       model.TriUnknown,
			CheckedAtNs: now.UnixNano(),
			LastError:   "error: browser renderer not configured",
		}}
	}

	cfg := r.cfg()
	if cfg.Main.TestURLBrowser == "" {
		return Verdict{Browser: &model.BrowserResult{
			Valid:       model.TriUnknown,
			CheckedAtNs: now.UnixNano(),
			LastError:   errNotConfigured,
		}}
	}

	proto := r.pickProtocol(req, Verdict{})
	pctx, cancel := r.probeCtx(ctx, cfg.Main.BrowserTimeout())
	defer cancel()

	ok, latencyMs, errSummary := r.renderer.Render(pctx, cfg.Main.TestURLBrowser, req.Endpoint.URL(proto))
	if !ok {
		r.countFailed()
	}

	return Verdict{Browser: &model.BrowserResult{
		Valid:       model.TriFromBool(ok),
		CheckedAtNs: now.UnixNano(),
		LatencyMs:   latencyMs,
		LastError:   NormalizeBrowserError(errSummary),
	}}
}

// browserErrorMax caps stored error summaries; anything longer carries no
// extra diagnostic value.
const browserErrorMax = 50

// NormalizeBrowserError shortens a raw browser failure message to its
// recognisable core: a "net::ERR_*" code when one is present, otherwise
// the first line truncated to 50 characters.
func NormalizeBrowserError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}

	line, _, _ := strings.Cut(msg, "\n")
	line = strings.TrimSpace(line)

	if idx := strings.Index(line, "net::"); idx >= 0 {
		code := line[idx:]
		// Drop the " at <url>" suffix Playwright-style drivers append.
		if at := strings.Index(code, " at "); at >= 0 {
			code = code[:at]
		}
		if end := strings.IndexByte(code, ' '); end >= 0 {
			code = code[:end]
		}
		return truncate(code, browserErrorMax)
	}

	return truncate(line, browserErrorMax)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
