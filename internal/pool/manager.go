// Package pool holds the in-memory proxy pool: the live mirror of proxy
// records plus the lease table that enforces exclusive handout. The store
// is the durable copy; everything here answers from memory and marks
// changed leases dirty for the write-behind flusher.
package pool

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/store"
)

var (
	// ErrNoMatch means no idle endpoint satisfied the acquire filters.
	ErrNoMatch = errors.New("pool: no proxy matches the requested filters")
	// ErrUnknownEndpoint means the endpoint has no record or active lease.
	ErrUnknownEndpoint = errors.New("pool: unknown endpoint")
	// ErrTaskMismatch means the heartbeat named a task that does not hold
	// the lease.
	ErrTaskMismatch = errors.New("pool: task does not hold this lease")
)

// Filters narrows the candidate set of an acquire call. Zero values (and
// the "all" wildcard) disable the matching filter.
type Filters struct {
	Protocol string
	Region   string
	MinScore int
	Exclude  map[endpoint.Endpoint]struct{}
}

// Manager owns the records and leases maps under one mutex so that an
// acquire is select-and-flip atomic. Contention is fine at this scale:
// the critical sections are map walks over tens of thousands of entries.
type Manager struct {
	mu      sync.Mutex
	records map[endpoint.Endpoint]model.ProxyRecord
	leases  map[endpoint.Endpoint]model.Lease
	loaded  bool

	engine    *store.Engine
	collector *metrics.Collector
}

// NewManager wires an empty pool. collector may be nil.
func NewManager(engine *store.Engine, collector *metrics.Collector) *Manager {
	return &Manager{
		records:   make(map[endpoint.Endpoint]model.ProxyRecord),
		leases:    make(map[endpoint.Endpoint]model.Lease),
		engine:    engine,
		collector: collector,
	}
}

// Load replaces the in-memory records with the store's current contents.
// The lease table is seeded from the store only on the first load: lease
// transitions are write-behind, so on a reload the durable rows can lag
// behind memory and the in-memory table stays authoritative. Leases whose
// record vanished from the store are dropped either way.
func (m *Manager) Load() error {
	records, err := m.engine.LoadAllProxies()
	if err != nil {
		return fmt.Errorf("pool: load proxies: %w", err)
	}
	leases, err := m.engine.LoadAllStatuses()
	if err != nil {
		return fmt.Errorf("pool: load statuses: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[endpoint.Endpoint]model.ProxyRecord, len(records))
	for _, rec := range records {
		m.records[rec.Endpoint] = rec
	}
	if !m.loaded {
		m.leases = make(map[endpoint.Endpoint]model.Lease, len(leases))
		for _, l := range leases {
			m.leases[l.Endpoint] = l
		}
	}
	for ep := range m.leases {
		if _, known := m.records[ep]; !known {
			delete(m.leases, ep)
			m.engine.MarkStatusDelete(ep)
		}
	}
	m.loaded = true
	log.Printf("[pool] loaded %d proxies, %d active leases", len(records), len(m.leases))
	return nil
}

// Acquire finds the best idle endpoint matching the filters and flips it
// to busy under taskID. Selection is highest score first; equal scores
// break by endpoint string so repeated calls are deterministic.
func (m *Manager) Acquire(f Filters, taskID string, now time.Time) (model.ProxyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best, ok := m.selectLocked(f)
	if !ok {
		if m.collector != nil {
			m.collector.AcquireMiss()
		}
		return model.ProxyRecord{}, ErrNoMatch
	}

	ns := now.UnixNano()
	m.leases[best.Endpoint] = model.Lease{
		Endpoint:      best.Endpoint,
		Status:        model.StatusBusy,
		TaskID:        taskID,
		AcquiredAtNs:  ns,
		HeartbeatAtNs: ns,
	}
	m.engine.MarkStatus(best.Endpoint)
	m.engine.RecordUsage(model.UsageEvent{
		Endpoint:    best.Endpoint,
		TaskID:      taskID,
		Event:       model.UsageAcquire,
		CreatedAtNs: ns,
	})
	if m.collector != nil {
		m.collector.AcquireHit()
	}
	return best.Clone(), nil
}

// selectLocked walks the records map under the lock and returns the best
// acquirable candidate.
func (m *Manager) selectLocked(f Filters) (model.ProxyRecord, bool) {
	protoFilter := normalizeWildcard(f.Protocol)
	regionFilter := normalizeWildcard(f.Region)

	var proto endpoint.Protocol
	if protoFilter != "" {
		p, err := endpoint.ParseProtocol(protoFilter)
		if err != nil {
			return model.ProxyRecord{}, false
		}
		proto = p
	}

	var best model.ProxyRecord
	found := false
	for ep, rec := range m.records {
		if rec.Score <= 0 || rec.Score < f.MinScore {
			continue
		}
		if lease, held := m.leases[ep]; held && lease.Status != model.StatusIdle {
			continue
		}
		if f.Exclude != nil {
			if _, excluded := f.Exclude[ep]; excluded {
				continue
			}
		}
		if proto != "" && !rec.HasProtocol(proto) {
			continue
		}
		if regionFilter != "" && !matchesSupport(rec, regionFilter) {
			continue
		}
		if !found || rec.Score > best.Score ||
			(rec.Score == best.Score && rec.Endpoint < best.Endpoint) {
			best = rec
			found = true
		}
	}
	return best, found
}

func normalizeWildcard(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "all" {
		return ""
	}
	return s
}

// matchesSupport maps the region filter onto the reachability support
// flags. An unrecognised region matches nothing, mirroring the wire
// contract where the filter indexes the support map directly.
func matchesSupport(rec model.ProxyRecord, region string) bool {
	switch region {
	case "cn", "china":
		return rec.SupportsCN
	case "intl", "international":
		return rec.SupportsIntl
	}
	return false
}

// Release ends a lease. Success returns the endpoint to the idle set by
// deleting the lease row; failure marks it dead so it is skipped until
// the reaper or a validation batch revisits it. A mismatched task id is
// logged but still transitions: the endpoint is demonstrably no longer
// in use by its holder.
func (m *Manager) Release(ep endpoint.Endpoint, taskID string, success bool, now time.Time) (model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, held := m.leases[ep]
	if !held {
		if _, known := m.records[ep]; !known {
			return model.Lease{}, ErrUnknownEndpoint
		}
		lease = model.Lease{Endpoint: ep, Status: model.StatusIdle}
	}
	if held && lease.TaskID != taskID {
		log.Printf("[pool] release of %s by task %q but lease held by %q", ep, taskID, lease.TaskID)
	}

	ns := now.UnixNano()
	event := model.UsageReleaseOK
	if success {
		delete(m.leases, ep)
		m.engine.MarkStatusDelete(ep)
		lease.Status = model.StatusIdle
		if m.collector != nil {
			m.collector.ReleaseOK()
		}
	} else {
		event = model.UsageReleaseFail
		lease.Status = model.StatusDead
		lease.TaskID = ""
		m.leases[ep] = lease
		m.engine.MarkStatus(ep)
		if m.collector != nil {
			m.collector.ReleaseFail()
		}
	}
	m.engine.RecordUsage(model.UsageEvent{
		Endpoint:    ep,
		TaskID:      taskID,
		Event:       event,
		CreatedAtNs: ns,
	})
	return lease, nil
}

// Heartbeat refreshes the liveness timestamp of a busy lease. Only the
// holding task may refresh; anything else is rejected without touching
// the lease.
func (m *Manager) Heartbeat(ep endpoint.Endpoint, taskID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, held := m.leases[ep]
	if !held || lease.Status != model.StatusBusy {
		return ErrUnknownEndpoint
	}
	if lease.TaskID != taskID {
		if m.collector != nil {
			m.collector.HeartbeatMismatch()
		}
		return fmt.Errorf("%w: %s held by %q", ErrTaskMismatch, ep, lease.TaskID)
	}

	lease.HeartbeatAtNs = now.UnixNano()
	m.leases[ep] = lease
	m.engine.MarkStatus(ep)
	if m.collector != nil {
		m.collector.Heartbeat()
	}
	return nil
}

// ApplyScored installs the post-probe version of a record. A score that
// fell to zero evicts the record from the acquirable set immediately;
// the durable row is reclaimed later by the purge cycle.
func (m *Manager) ApplyScored(rec model.ProxyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Score <= 0 {
		delete(m.records, rec.Endpoint)
		return
	}
	m.records[rec.Endpoint] = rec
}

// Remove drops an endpoint from memory along with any lease.
func (m *Manager) Remove(ep endpoint.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, ep)
	if _, held := m.leases[ep]; held {
		delete(m.leases, ep)
		m.engine.MarkStatusDelete(ep)
	}
}

// Get returns copies of the record and lease for one endpoint. The lease
// pointer is nil for implicitly idle endpoints.
func (m *Manager) Get(ep endpoint.Endpoint) (model.ProxyRecord, *model.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ep]
	if !ok {
		return model.ProxyRecord{}, nil, false
	}
	if lease, held := m.leases[ep]; held {
		leaseCopy := lease
		return rec.Clone(), &leaseCopy, true
	}
	return rec.Clone(), nil, true
}

// Records returns a snapshot of every record, endpoint-sorted. Batch runs
// over the existing pool start from this.
func (m *Manager) Records() []model.ProxyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ProxyRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Stats is the aggregate pool view served by the stats operation.
type Stats struct {
	Total      int            `json:"total"`
	Idle       int            `json:"idle"`
	Busy       int            `json:"busy"`
	Dead       int            `json:"dead"`
	AvgScore   float64        `json:"avg_score"`
	ByProtocol map[string]int `json:"by_protocol"`
	ByCountry  map[string]int `json:"by_country"`
}

// Stats computes the aggregate view in one pass under the lock.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ByProtocol: make(map[string]int),
		ByCountry:  make(map[string]int),
	}
	scoreSum := 0
	for ep, rec := range m.records {
		s.Total++
		scoreSum += rec.Score
		switch lease, held := m.leases[ep]; {
		case !held || lease.Status == model.StatusIdle:
			s.Idle++
		case lease.Status == model.StatusBusy:
			s.Busy++
		default:
			s.Dead++
		}
		for _, p := range rec.Protocols {
			s.ByProtocol[string(p)]++
		}
		if rec.Geo.Country != "" && rec.Geo.Country != model.Unknown {
			s.ByCountry[rec.Geo.Country]++
		}
	}
	if s.Total > 0 {
		s.AvgScore = math.Round(float64(scoreSum)/float64(s.Total)*100) / 100
	}
	return s
}

// LeaseReader adapts the pool for the status flush worker, which needs
// the current lease value at write time rather than at mark time.
func (m *Manager) LeaseReader() store.LeaseReader {
	return func(ep endpoint.Endpoint) *model.Lease {
		m.mu.Lock()
		defer m.mu.Unlock()
		lease, held := m.leases[ep]
		if !held {
			return nil
		}
		leaseCopy := lease
		return &leaseCopy
	}
}
