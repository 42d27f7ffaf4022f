// Package metrics holds hot-path counters surfaced by the stats endpoint.
package metrics

import "sync/atomic"

// Collector accumulates process-lifetime counters. All fields are updated
// with atomic operations so probe workers and API handlers never contend.
type Collector struct {
	acquireHits       atomic.Int64
	acquireMisses     atomic.Int64
	releaseOK         atomic.Int64
	releaseFail       atomic.Int64
	heartbeats        atomic.Int64
	heartbeatMismatch atomic.Int64
	probesRun         atomic.Int64
	probesFailed      atomic.Int64
	leasesReaped      atomic.Int64
	batchesStarted    atomic.Int64
	updatesDropped    atomic.Int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	AcquireHits       int64 `json:"acquire_hits"`
	AcquireMisses     int64 `json:"acquire_misses"`
	ReleaseOK         int64 `json:"release_ok"`
	ReleaseFail       int64 `json:"release_fail"`
	Heartbeats        int64 `json:"heartbeats"`
	HeartbeatMismatch int64 `json:"heartbeat_mismatch"`
	ProbesRun         int64 `json:"probes_run"`
	ProbesFailed      int64 `json:"probes_failed"`
	LeasesReaped      int64 `json:"leases_reaped"`
	BatchesStarted    int64 `json:"batches_started"`
	UpdatesDropped    int64 `json:"updates_dropped"`
}

// NewCollector returns a zeroed collector.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) AcquireHit()        { c.acquireHits.Add(1) }
func (c *Collector) AcquireMiss()       { c.acquireMisses.Add(1) }
func (c *Collector) ReleaseOK()         { c.releaseOK.Add(1) }
func (c *Collector) ReleaseFail()       { c.releaseFail.Add(1) }
func (c *Collector) Heartbeat()         { c.heartbeats.Add(1) }
func (c *Collector) HeartbeatMismatch() { c.heartbeatMismatch.Add(1) }
func (c *Collector) ProbeRun()          { c.probesRun.Add(1) }
func (c *Collector) ProbeFailed()       { c.probesFailed.Add(1) }
func (c *Collector) LeaseReaped()       { c.leasesReaped.Add(1) }
func (c *Collector) BatchStarted()      { c.batchesStarted.Add(1) }
func (c *Collector) UpdateDropped()     { c.updatesDropped.Add(1) }

// Read returns a consistent-enough snapshot for the stats payload. Counters
// are independent; no cross-field atomicity is promised or needed.
func (c *Collector) Read() Snapshot {
	return Snapshot{
		AcquireHits:       c.acquireHits.Load(),
		AcquireMisses:     c.acquireMisses.Load(),
		ReleaseOK:         c.releaseOK.Load(),
		ReleaseFail:       c.releaseFail.Load(),
		Heartbeats:        c.heartbeats.Load(),
		HeartbeatMismatch: c.heartbeatMismatch.Load(),
		ProbesRun:         c.probesRun.Load(),
		ProbesFailed:      c.probesFailed.Load(),
		LeasesReaped:      c.leasesReaped.Load(),
		BatchesStarted:    c.batchesStarted.Load(),
		UpdatesDropped:    c.updatesDropped.Load(),
	}
}
