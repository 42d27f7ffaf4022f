package pool

import (
	"log"
	"sync"
	"time"

	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/store"
)

// ReapStale marks busy leases whose heartbeat is older than staleAfter as
// dead and records a reap event for each. Returns how many were reaped.
func (m *Manager) ReapStale(staleAfter time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-staleAfter).UnixNano()
	reaped := 0
	for ep, lease := range m.leases {
		if lease.Status != model.StatusBusy || lease.HeartbeatAtNs >= cutoff {
			continue
		}
		log.Printf("[pool] reaping stale lease %s held by %q, last heartbeat %s ago",
			ep, lease.TaskID, now.Sub(time.Unix(0, lease.HeartbeatAtNs)).Truncate(time.Second))

		taskID := lease.TaskID
		lease.Status = model.StatusDead
		lease.TaskID = ""
		m.leases[ep] = lease
		m.engine.MarkStatus(ep)
		m.engine.RecordUsage(model.UsageEvent{
			Endpoint:    ep,
			TaskID:      taskID,
			Event:       model.UsageReap,
			CreatedAtNs: now.UnixNano(),
		})
		if m.collector != nil {
			m.collector.LeaseReaped()
		}
		reaped++
	}
	return reaped
}

// CleanDead removes dead leases and evicts their records from memory, so
// endpoints that failed in service stop being considered until the next
// validation batch re-admits them. Returns how many were cleaned.
func (m *Manager) CleanDead() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := 0
	for ep, lease := range m.leases {
		if lease.Status != model.StatusDead {
			continue
		}
		delete(m.leases, ep)
		delete(m.records, ep)
		m.engine.MarkStatusDelete(ep)
		cleaned++
	}
	return cleaned
}

// Reaper periodically reclaims abandoned leases and, on longer cycles,
// cleans dead endpoints and purges zero-score rows from the store.
type Reaper struct {
	pool     *Manager
	engine   *store.Engine
	interval time.Duration

	staleAfter time.Duration
	deadCycle  int
	purgeCycle int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// test hook: called at the beginning of each sweep.
	sweepHook func()
}

// NewReaper wires a reaper. Cycle counts are in sweeps: with the default
// 5 minute interval, deadCycle 6 cleans every 30 minutes and purgeCycle
// 12 purges hourly.
func NewReaper(pool *Manager, engine *store.Engine, interval, staleAfter time.Duration, deadCycle, purgeCycle int) *Reaper {
	return &Reaper{
		pool:       pool,
		engine:     engine,
		interval:   interval,
		staleAfter: staleAfter,
		deadCycle:  deadCycle,
		purgeCycle: purgeCycle,
		stopCh:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			cycle++
			r.sweep(cycle, time.Now())
		}
	}
}

func (r *Reaper) sweep(cycle int, now time.Time) {
	if r.sweepHook != nil {
		r.sweepHook()
	}

	if reaped := r.pool.ReapStale(r.staleAfter, now); reaped > 0 {
		log.Printf("[pool] reaper cycle %d: %d stale leases reclaimed", cycle, reaped)
	}

	if r.deadCycle > 0 && cycle%r.deadCycle == 0 {
		if cleaned := r.pool.CleanDead(); cleaned > 0 {
			log.Printf("[pool] reaper cycle %d: %d dead endpoints cleaned", cycle, cleaned)
		}
	}

	if r.purgeCycle > 0 && cycle%r.purgeCycle == 0 {
		purged, err := r.engine.PurgeZero()
		if err != nil {
			log.Printf("[pool] reaper cycle %d: purge failed: %v", cycle, err)
		} else if purged > 0 {
			log.Printf("[pool] reaper cycle %d: %d zero-score rows purged", cycle, purged)
		}
	}
}
