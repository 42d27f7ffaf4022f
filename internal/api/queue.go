package api

import (
	"log"
	"sync"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/pool"
	"github.com/weir-proxy/weir/internal/scoring"
	"github.com/weir-proxy/weir/internal/store"
)

// releaseUpdate carries the score/latency consequence of one release off
// the request path.
type releaseUpdate struct {
	Endpoint endpoint.Endpoint
	Outcome  scoring.ReleaseOutcome
}

// ReleaseQueue decouples release handlers from scoring and persistence.
// The handler transitions the lease synchronously and enqueues the
// record update; a full queue drops the update rather than stalling the
// client, trading one score adjustment for latency.
type ReleaseQueue struct {
	ch        chan releaseUpdate
	pool      *pool.Manager
	engine    *store.Engine
	collector *metrics.Collector
	maxScore  func() int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReleaseQueue sizes the queue buffer; collector may be nil.
func NewReleaseQueue(size int, poolMgr *pool.Manager, engine *store.Engine, collector *metrics.Collector, maxScore func() int) *ReleaseQueue {
	if size < 1 {
		size = 1
	}
	return &ReleaseQueue{
		ch:        make(chan releaseUpdate, size),
		pool:      poolMgr,
		engine:    engine,
		collector: collector,
		maxScore:  maxScore,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the single consumer goroutine.
func (q *ReleaseQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run()
	}()
}

// Stop drains nothing: pending updates still in the channel are applied
// before the consumer exits.
func (q *ReleaseQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Enqueue hands an update to the consumer without ever blocking.
func (q *ReleaseQueue) Enqueue(ep endpoint.Endpoint, oc scoring.ReleaseOutcome) {
	select {
	case q.ch <- releaseUpdate{Endpoint: ep, Outcome: oc}:
	default:
		log.Printf("[api] release queue full, dropping score update for %s", ep)
		if q.collector != nil {
			q.collector.UpdateDropped()
		}
	}
}

func (q *ReleaseQueue) run() {
	for {
		select {
		case u := <-q.ch:
			q.apply(u)
		case <-q.stopCh:
			for {
				select {
				case u := <-q.ch:
					q.apply(u)
				default:
					return
				}
			}
		}
	}
}

func (q *ReleaseQueue) apply(u releaseUpdate) {
	cur, _, ok := q.pool.Get(u.Endpoint)
	if !ok {
		rec, err := q.engine.GetProxy(u.Endpoint)
		if err != nil || rec == nil {
			return
		}
		cur = *rec
	}

	updated := scoring.ApplyRelease(cur, u.Outcome, q.maxScore(), time.Now())
	if err := q.engine.UpdateScoreFields(updated); err != nil {
		log.Printf("[api] release update for %s: %v", u.Endpoint, err)
		return
	}
	q.pool.ApplyScored(updated)
}
