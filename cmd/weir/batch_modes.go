package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/weir-proxy/weir/internal/batch"
	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/mirror"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/netutil"
	"github.com/weir-proxy/weir/internal/sources"
)

// runBatch executes one non-serve mode and exits. The bus is already
// armed, so Ctrl-C checkpoints probe runs instead of killing them.
func (a *weirApp) runBatch(opts cliOptions) error {
	ctx, cancel := a.bus.Context(context.Background())
	defer cancel()

	switch opts.Mode {
	case "validate", "existing", "security", "browser":
		return a.runProbeBatch(ctx, opts)
	case "import-mirror":
		return a.importMirror(ctx)
	case "export-mirror":
		return a.exportMirror(ctx)
	}
	return fmt.Errorf("unknown mode %q", opts.Mode)
}

func (a *weirApp) runProbeBatch(ctx context.Context, opts cliOptions) error {
	resume, err := resumePolicy(opts.Resume)
	if err != nil {
		return err
	}

	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service degraded: %v", err)
	}
	defer a.geoSvc.Stop()

	a.refreshOwnIP(ctx)

	runner := batch.NewRunner(a.cfgMgr.Current, a.bus, a.probes, a.engine, a.pool, a.collector)

	var summary *batch.Summary
	if opts.Mode == "validate" {
		summary, err = a.runValidate(ctx, runner, opts, resume)
	} else {
		summary, err = a.runRefinement(ctx, runner, opts, resume)
	}
	if err != nil {
		return err
	}
	logSummary(summary)
	return nil
}

// runValidate probes a fresh candidate list. Any URL in the input makes
// it a crawl run whose checkpoint remembers where the list came from;
// pure file input is a load run recording the protocol selection.
func (a *weirApp) runValidate(ctx context.Context, runner *batch.Runner, opts cliOptions, resume batch.ResumePolicy) (*batch.Summary, error) {
	hint, err := endpoint.ParseProtocol(opts.Protocol)
	if err != nil {
		return nil, err
	}

	srcs, kind, header := validateSources(opts.Input, a.retry)
	if len(srcs) == 0 {
		return nil, fmt.Errorf("-mode validate requires -input")
	}
	if kind == batch.KindLoad {
		header = string(hint)
	}

	// A single source fails loudly; a multi-source run skips the broken
	// ones and works with what it got.
	var eps []endpoint.Endpoint
	if len(srcs) == 1 {
		eps, err = srcs[0].Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", srcs[0].Name(), err)
		}
	} else {
		eps = sources.Merge(ctx, srcs...)
	}
	log.Printf("Loaded %d candidates from %d source(s)", len(eps), len(srcs))

	return runner.Run(ctx, batch.Options{Kind: kind, Header: header, Hint: hint, Resume: resume}, eps)
}

// validateSources builds the candidate sources from a comma-separated
// -input value.
func validateSources(input string, dl netutil.Downloader) (srcs []sources.Source, kind, header string) {
	kind = batch.KindLoad
	for _, part := range splitInputs(input) {
		if strings.HasPrefix(part, "http://") || strings.HasPrefix(part, "https://") {
			srcs = append(srcs, sources.URLSource{URL: part, Downloader: dl})
			kind, header = batch.KindCrawl, input
		} else {
			srcs = append(srcs, sources.FileSource{Path: part})
		}
	}
	return srcs, kind, header
}

func splitInputs(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runRefinement re-probes stored records: existing reruns the full check,
// security and browser run their single deep probe.
func (a *weirApp) runRefinement(ctx context.Context, runner *batch.Runner, opts cliOptions, resume batch.ResumePolicy) (*batch.Summary, error) {
	records, err := a.engine.LoadAllProxies()
	if err != nil {
		return nil, fmt.Errorf("load pool records: %w", err)
	}
	eps := make([]endpoint.Endpoint, 0, len(records))
	for _, rec := range records {
		if rec.Score <= 0 || rec.Score < opts.MinScore {
			continue
		}
		eps = append(eps, rec.Endpoint)
	}
	log.Printf("Revalidating %d of %d stored proxies (min score %d)", len(eps), len(records), opts.MinScore)

	return runner.Run(ctx, batch.Options{
		Kind:   opts.Mode,
		Header: refinementHeader(opts.Mode, opts.MinScore),
		Resume: resume,
	}, eps)
}

// refinementHeader serialises the selection criteria of a security or
// browser sweep into the checkpoint head cell, so an interrupted run
// shows what filter its remainder was drawn under. Existing sweeps take
// the whole pool and keep the default kind header.
func refinementHeader(kind string, minScore int) string {
	if kind != batch.KindSecurity && kind != batch.KindBrowser {
		return ""
	}
	raw, err := json.Marshal(struct {
		Kind     string `json:"kind"`
		MinScore int    `json:"min_score"`
	}{kind, minScore})
	if err != nil {
		return ""
	}
	return string(raw)
}

// refreshOwnIP re-resolves the host's egress IP so transparency checks
// compare against a current value. Failure keeps the cached one.
func (a *weirApp) refreshOwnIP(ctx context.Context) {
	cfg := a.cfgMgr.Current()
	resolver := netutil.OwnIPResolver{Downloader: a.direct}
	ip, err := resolver.Resolve(ctx, cfg.Main.TestURLTransparent)
	if err != nil {
		if cfg.Main.OwnIP != "" {
			log.Printf("Own IP refresh failed (%v), keeping cached %s", err, cfg.Main.OwnIP)
		} else {
			log.Printf("Own IP unavailable (%v), transparency checks degraded", err)
		}
		return
	}
	if err := a.cfgMgr.SetOwnIP(ip); err != nil {
		log.Printf("Own IP save failed: %v", err)
		return
	}
	log.Printf("Own IP refreshed: %s", ip)
}

func (a *weirApp) importMirror(ctx context.Context) error {
	syncer := mirror.NewSyncer(a.cfgMgr.Current, a.retry, nil)
	rows, err := syncer.Download(ctx)
	if err != nil {
		return err
	}

	maxScore := a.cfgMgr.Current().Main.MaxScore
	now := time.Now()
	merged := make([]model.ProxyRecord, 0, len(rows))
	for _, row := range rows {
		cur, err := a.engine.GetProxy(row.Endpoint)
		if err != nil {
			return fmt.Errorf("load %s: %w", row.Endpoint, err)
		}
		merged = append(merged, mirror.Merge(cur, row, maxScore, now))
	}
	if err := a.engine.BulkUpsertProxies(merged); err != nil {
		return fmt.Errorf("store mirror rows: %w", err)
	}
	if err := a.pool.Load(); err != nil {
		return fmt.Errorf("pool reload: %w", err)
	}
	log.Printf("Imported %d mirror rows, pool now %d proxies", len(rows), a.pool.Stats().Total)
	return nil
}

func (a *weirApp) exportMirror(ctx context.Context) error {
	records := a.pool.Records()
	content := mirror.Export(records)

	syncer := mirror.NewSyncer(a.cfgMgr.Current, a.retry, nil)
	uploaded, err := syncer.Upload(ctx, content)
	if err != nil {
		return err
	}
	if uploaded {
		log.Printf("Mirror upload complete (%d records considered)", len(records))
	} else {
		log.Println("Mirror content unchanged, upload skipped")
	}
	return nil
}

func resumePolicy(mode string) (batch.ResumePolicy, error) {
	switch mode {
	case "yes":
		return batch.ResumeAlways, nil
	case "no":
		return batch.ResumeNever, nil
	case "", "ask":
		return promptResume, nil
	}
	return nil, fmt.Errorf("invalid -resume value %q (want ask, yes or no)", mode)
}

// promptResume asks on stdin. Anything but an explicit yes discards the
// checkpoint, matching the cautious default of a fresh run.
func promptResume(kind string, remaining, original int) bool {
	fmt.Printf("Found an interrupted %s run: %d of %d endpoints remaining. Resume? [y/N] ", kind, remaining, original)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func logSummary(s *batch.Summary) {
	status := "complete"
	if s.Interrupted {
		status = "interrupted, checkpoint saved"
	}
	log.Printf("Run %s (%s) %s: %d total, %d probed, %d stored, %d discarded",
		s.RunID, s.Kind, status, s.Total, s.Processed, s.Stored, s.Discarded)
}
