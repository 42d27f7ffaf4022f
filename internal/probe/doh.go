package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter"

	"github.com/weir-proxy/weir/internal/endpoint"
)

// dohBaselineTTL bounds how long a direct-path answer set is reused. Test
// domains are stable; re-resolving per proxy would hammer the resolver
// from every worker in a security batch.
const dohBaselineTTL = 10 * time.Minute

// dohClient issues DNS-over-HTTPS A queries, caching direct-path baselines
// so concurrent security probes share one resolver round-trip per domain.
type dohClient struct {
	runner    *Runner
	baselines otter.Cache[string, []string]
}

func newDoHClient(r *Runner) *dohClient {
	cache, err := otter.MustBuilder[string, []string](256).
		WithTTL(dohBaselineTTL).
		Build()
	if err != nil {
		panic(fmt.Sprintf("probe: build doh baseline cache: %v", err))
	}
	return &dohClient{runner: r, baselines: cache}
}

// dohAnswer is the wire format of a JSON DoH response.
type dohAnswer struct {
	Status int `json:"Status"`
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// baseline resolves the domain without any proxy, serving from cache when
// fresh. The cache key includes the server so switching resolvers in
// config invalidates naturally.
func (d *dohClient) baseline(ctx context.Context, server, domain string) ([]string, error) {
	key := server + "|" + domain
	if ips, ok := d.baselines.Get(key); ok {
		return ips, nil
	}

	timeout := d.runner.cfg().Main.SafetyTimeout()
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := directDoHGet(qctx, dohURL(server, domain))
	if err != nil {
		return nil, err
	}
	ips, err := parseDoHAnswer(body)
	if err != nil {
		return nil, err
	}
	d.baselines.Set(key, ips)
	return ips, nil
}

// queryVia resolves the domain through the proxy endpoint.
func (d *dohClient) queryVia(ctx context.Context, proto endpoint.Protocol, ep endpoint.Endpoint, server, domain string) ([]string, error) {
	res, err := d.runner.fetch(ctx, proto, ep, dohURL(server, domain), http.Header{"Accept": {"application/dns-json"}})
	if err != nil {
		return nil, err
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("probe: doh status %d", res.Status)
	}
	return parseDoHAnswer(res.Body)
}

func dohURL(server, domain string) string {
	return server + "?name=" + url.QueryEscape(domain) + "&type=A"
}

// directDoHGet issues the baseline query with the JSON accept header on a
// plain client, no proxy involved.
func directDoHGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")
	req.Header.Set("User-Agent", probeUserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("probe: doh baseline status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
}

// parseDoHAnswer extracts A-record values from a JSON DoH payload. An
// empty or failed answer is an error, matching the rule that "no answer"
// carries no comparison value.
func parseDoHAnswer(body []byte) ([]string, error) {
	var answer dohAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("probe: parse doh response: %w", err)
	}
	if answer.Status != 0 {
		return nil, fmt.Errorf("probe: doh rcode %d", answer.Status)
	}
	var ips []string
	for _, a := range answer.Answer {
		if a.Type == 1 {
			ips = append(ips, a.Data)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("probe: doh answer has no A records")
	}
	return ips, nil
}
