// Package batch drives validation rounds over many endpoints at once: the
// initial import of candidate lists, re-validation of the existing pool,
// and the dedicated security and browser sweeps. Runs are resumable: every
// completion rewrites a checkpoint file, so an interrupted batch can pick
// up where it stopped.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/pool"
	"github.com/weir-proxy/weir/internal/probe"
	"github.com/weir-proxy/weir/internal/scoring"
	"github.com/weir-proxy/weir/internal/signalbus"
	"github.com/weir-proxy/weir/internal/store"
)

// Batch kinds. Each maps to its own checkpoint file.
const (
	KindCrawl    = "crawl"
	KindLoad     = "load"
	KindExisting = "existing"
	KindSecurity = "security"
	KindBrowser  = "browser"
)

// ErrBatchActive rejects a second concurrent run of the same kind. Two
// interleaved runs would fight over one checkpoint file.
var ErrBatchActive = errors.New("batch: a run of this kind is already active")

// ResumePolicy decides whether an interrupted run's checkpoint should be
// resumed or discarded. Remaining and original describe the checkpoint.
type ResumePolicy func(kind string, remaining, original int) bool

// ResumeAlways continues every found checkpoint.
func ResumeAlways(string, int, int) bool { return true }

// ResumeNever discards every found checkpoint.
func ResumeNever(string, int, int) bool { return false }

// Options configures one run. Header defaults to the kind; crawl runs set
// it to their serialized source config so a resumed run knows what it was.
type Options struct {
	Kind   string
	Header string
	Hint   endpoint.Protocol
	Resume ResumePolicy
}

// Summary is the outcome of a completed (or interrupted) run.
type Summary struct {
	RunID       string
	Kind        string
	Total       int
	Processed   int
	Stored      int
	Discarded   int
	Interrupted bool
}

// Runner executes batches against the probe runner and persists outcomes.
type Runner struct {
	cfg       func() *config.RuntimeConfig
	bus       *signalbus.Bus
	probes    *probe.Runner
	engine    *store.Engine
	pool      *pool.Manager
	collector *metrics.Collector

	mu     sync.Mutex
	active map[string]bool
}

// NewRunner wires a batch runner. collector may be nil.
func NewRunner(cfg func() *config.RuntimeConfig, bus *signalbus.Bus, probes *probe.Runner, engine *store.Engine, poolMgr *pool.Manager, collector *metrics.Collector) *Runner {
	return &Runner{
		cfg:       cfg,
		bus:       bus,
		probes:    probes,
		engine:    engine,
		pool:      poolMgr,
		collector: collector,
		active:    make(map[string]bool),
	}
}

// Run probes every endpoint with up to main.max_workers concurrent workers,
// scoring and persisting each outcome as it lands. When a checkpoint from a
// previous interrupted run of the same kind exists, the resume policy picks
// between continuing it and starting over with the given endpoints.
func (r *Runner) Run(ctx context.Context, opts Options, endpoints []endpoint.Endpoint) (*Summary, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("batch: options need a kind")
	}
	if err := r.acquireKind(opts.Kind); err != nil {
		return nil, err
	}
	defer r.releaseKind(opts.Kind)

	header := opts.Header
	if header == "" {
		header = opts.Kind
	}
	resume := opts.Resume
	if resume == nil {
		resume = ResumeNever
	}

	cfg := r.cfg()
	path, err := CheckpointPath(cfg, opts.Kind)
	if err != nil {
		return nil, err
	}

	endpoints, original, err := r.resolveStart(path, opts.Kind, header, endpoints, resume)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if r.collector != nil {
		r.collector.BatchStarted()
	}
	log.Printf("[batch] run %s kind=%s: %d endpoints, %d workers", runID, opts.Kind, len(endpoints), cfg.Main.MaxWorkers)

	summary := &Summary{RunID: runID, Kind: opts.Kind, Total: len(endpoints)}
	if len(endpoints) == 0 {
		return summary, DeleteCheckpoint(path)
	}

	tracker := newProgress(path, header, original, endpoints)

	workers := cfg.Main.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, ep := range endpoints {
		if r.bus.Interrupted() || ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ep endpoint.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()

			stored := r.processOne(ctx, opts, ep)

			tracker.complete(ep)
			r.mu.Lock()
			summary.Processed++
			if stored {
				summary.Stored++
			} else {
				summary.Discarded++
			}
			r.mu.Unlock()
		}(ep)
	}
	wg.Wait()

	if r.bus.Interrupted() || ctx.Err() != nil {
		summary.Interrupted = true
	}

	if summary.Interrupted && tracker.remainingCount() > 0 {
		if err := tracker.save(); err != nil {
			log.Printf("[batch] run %s: checkpoint save failed: %v", runID, err)
		}
		log.Printf("[batch] run %s interrupted: %d/%d done, checkpoint kept", runID, summary.Processed, summary.Total)
		return summary, nil
	}

	if err := DeleteCheckpoint(path); err != nil {
		log.Printf("[batch] run %s: %v", runID, err)
	}
	log.Printf("[batch] run %s finished: %d stored, %d discarded", runID, summary.Stored, summary.Discarded)
	return summary, nil
}

// resolveStart merges the checkpoint (if any) with the requested endpoint
// list according to the resume policy.
func (r *Runner) resolveStart(path, kind, header string, endpoints []endpoint.Endpoint, resume ResumePolicy) ([]endpoint.Endpoint, int, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, 0, err
	}
	if cp == nil || len(cp.Remaining) == 0 {
		return endpoints, len(endpoints), nil
	}

	remaining := cp.Remaining
	if kind == KindExisting || kind == KindSecurity || kind == KindBrowser {
		remaining = r.filterStored(remaining)
	}
	if len(remaining) == 0 {
		return endpoints, len(endpoints), DeleteCheckpoint(path)
	}

	if !resume(kind, len(remaining), cp.OriginalCount) {
		if err := DeleteCheckpoint(path); err != nil {
			return nil, 0, err
		}
		return endpoints, len(endpoints), nil
	}

	log.Printf("[batch] resuming %s checkpoint: %d of %d endpoints remain", kind, len(remaining), cp.OriginalCount)
	return remaining, cp.OriginalCount, nil
}

// filterStored drops checkpointed endpoints that no longer exist in the
// store or whose score fell to zero since the interrupted run.
func (r *Runner) filterStored(eps []endpoint.Endpoint) []endpoint.Endpoint {
	kept := eps[:0:0]
	for _, ep := range eps {
		rec, err := r.engine.GetProxy(ep)
		if err != nil {
			log.Printf("[batch] checkpoint filter: %s: %v", ep, err)
			continue
		}
		if rec == nil || rec.Score <= 0 {
			continue
		}
		kept = append(kept, ep)
	}
	return kept
}

// processOne probes a single endpoint and persists the scored outcome.
// Returns whether a record was stored.
func (r *Runner) processOne(ctx context.Context, opts Options, ep endpoint.Endpoint) bool {
	cur := r.currentRecord(ep)

	req := probe.Request{Endpoint: ep, Hint: opts.Hint, Current: cur}
	if req.Hint == "" {
		req.Hint = endpoint.Auto
	}
	verdict := r.probes.RunAll(ctx, probesFor(opts.Kind), req)

	now := time.Now()
	rec, ok := scoring.Apply(cur, ep, verdict.Bundle(), r.cfg().Main.MaxScore, now)
	if !ok {
		return false
	}

	if err := r.persist(rec); err != nil {
		log.Printf("[batch] persist %s: %v", ep, err)
		return false
	}
	if r.pool != nil {
		r.pool.ApplyScored(rec)
	}
	return true
}

// currentRecord prefers the live pool copy and falls back to the store so
// batches work the same with and without a running server.
func (r *Runner) currentRecord(ep endpoint.Endpoint) *model.ProxyRecord {
	if r.pool != nil {
		if rec, _, ok := r.pool.Get(ep); ok {
			return &rec
		}
	}
	rec, err := r.engine.GetProxy(ep)
	if err != nil {
		log.Printf("[batch] load %s: %v", ep, err)
		return nil
	}
	return rec
}

// persist writes the scored record. Upserts skip zero scores, so records
// that just died go through the score-field update to keep the zero
// visible to the purge cycle.
func (r *Runner) persist(rec model.ProxyRecord) error {
	if rec.Score <= 0 {
		return r.engine.UpdateScoreFields(rec)
	}
	return r.engine.BulkUpsertProxies([]model.ProxyRecord{rec})
}

// probesFor maps a batch kind to its probe sequence.
func probesFor(kind string) []probe.Probe {
	switch kind {
	case KindSecurity:
		return []probe.Probe{probe.Security{}}
	case KindBrowser:
		return []probe.Probe{probe.Browser{}}
	default:
		return []probe.Probe{probe.Dual{}, probe.Anonymity{}, probe.Info{}}
	}
}

func (r *Runner) acquireKind(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[kind] {
		return fmt.Errorf("%w: %s", ErrBatchActive, kind)
	}
	r.active[kind] = true
	return nil
}

func (r *Runner) releaseKind(kind string) {
	r.mu.Lock()
	delete(r.active, kind)
	r.mu.Unlock()
}

// progress tracks the remaining set and rewrites the checkpoint after
// every completion, so a kill at any moment loses at most in-flight work.
type progress struct {
	mu        sync.Mutex
	path      string
	header    string
	original  int
	remaining map[endpoint.Endpoint]struct{}
	order     []endpoint.Endpoint
}

func newProgress(path, header string, original int, eps []endpoint.Endpoint) *progress {
	p := &progress{
		path:      path,
		header:    header,
		original:  original,
		remaining: make(map[endpoint.Endpoint]struct{}, len(eps)),
		order:     append([]endpoint.Endpoint(nil), eps...),
	}
	for _, ep := range eps {
		p.remaining[ep] = struct{}{}
	}
	// The full candidate list goes to disk before any work starts, so a
	// kill before the first completion still leaves a resumable run.
	if err := p.saveLocked(); err != nil {
		log.Printf("[batch] initial checkpoint write: %v", err)
	}
	return p
}

func (p *progress) complete(ep endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.remaining, ep)
	if err := p.saveLocked(); err != nil {
		log.Printf("[batch] checkpoint rewrite: %v", err)
	}
}

func (p *progress) remainingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remaining)
}

func (p *progress) save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

func (p *progress) saveLocked() error {
	cp := &Checkpoint{Header: p.header, OriginalCount: p.original}
	for _, ep := range p.order {
		if _, left := p.remaining[ep]; left {
			cp.Remaining = append(cp.Remaining, ep)
		}
	}
	return SaveCheckpoint(p.path, cp)
}
