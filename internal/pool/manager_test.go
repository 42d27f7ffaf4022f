package pool

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pool.db")

	engine, closer, err := store.Bootstrap(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })
	return NewManager(engine, nil)
}

func addRecord(m *Manager, ep string, score int, protocols ...endpoint.Protocol) {
	rec := model.NewProxyRecord(endpoint.Endpoint(ep), time.Unix(0, 1))
	rec.Score = score
	rec.Protocols = protocols
	if len(protocols) == 0 {
		rec.Protocols = []endpoint.Protocol{endpoint.HTTP}
	}
	m.ApplyScored(rec)
}

func TestAcquire_PicksHighestScore(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 60)
	addRecord(m, "10.0.0.2:80", 90)
	addRecord(m, "10.0.0.3:80", 75)

	rec, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.2:80" {
		t.Fatalf("acquired %s, want the 90-score endpoint", rec.Endpoint)
	}

	// The winner is now busy; the next call gets the runner-up.
	rec, err = m.Acquire(Filters{}, "task_2", time.Unix(101, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.3:80" {
		t.Fatalf("acquired %s, want the 75-score endpoint", rec.Endpoint)
	}
}

func TestAcquire_TieBreaksByEndpoint(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.9:80", 80)
	addRecord(m, "10.0.0.1:80", 80)
	addRecord(m, "10.0.0.5:80", 80)

	rec, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.1:80" {
		t.Fatalf("tie must break to the smallest endpoint, got %s", rec.Endpoint)
	}
}

func TestAcquire_Filters(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 90, endpoint.HTTP)
	addRecord(m, "10.0.0.2:1080", 70, endpoint.SOCKS5)

	intl := model.NewProxyRecord("10.0.0.3:80", time.Unix(0, 1))
	intl.Score = 50
	intl.Protocols = []endpoint.Protocol{endpoint.HTTP}
	intl.SupportsIntl = true
	m.ApplyScored(intl)

	rec, err := m.Acquire(Filters{Protocol: "socks5"}, "t", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.2:1080" {
		t.Fatalf("protocol filter: got %s", rec.Endpoint)
	}

	rec, err = m.Acquire(Filters{Region: "intl"}, "t", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.3:80" {
		t.Fatalf("region filter: got %s", rec.Endpoint)
	}

	if _, err := m.Acquire(Filters{Region: "cn"}, "t", time.Unix(100, 0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("no record supports cn: got %v, want ErrNoMatch", err)
	}

	if _, err := m.Acquire(Filters{MinScore: 95}, "t", time.Unix(100, 0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("min score above all candidates: got %v, want ErrNoMatch", err)
	}

	// "all" is the same as no filter.
	rec, err = m.Acquire(Filters{Protocol: "all", Region: "all"}, "t", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.1:80" {
		t.Fatalf("wildcard filters: got %s", rec.Endpoint)
	}
}

func TestAcquire_RegionFilterUsesSupportFlags(t *testing.T) {
	m := newTestManager(t)

	// A record located in CN by geolocation but only usable for
	// international targets: the support flags decide, not the location.
	rec := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
	rec.Score = 90
	rec.Protocols = []endpoint.Protocol{endpoint.HTTP}
	rec.Geo.Country = "CN"
	rec.SupportsIntl = true
	m.ApplyScored(rec)

	if _, err := m.Acquire(Filters{Region: "cn"}, "t", time.Unix(100, 0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("geolocation must not satisfy the region filter, got %v", err)
	}

	got, err := m.Acquire(Filters{Region: "intl"}, "task_1", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "10.0.0.1:80" {
		t.Fatalf("intl filter: got %s", got.Endpoint)
	}

	// The long form names from the wire contract are accepted too.
	if _, err := m.Release("10.0.0.1:80", "task_1", true, time.Unix(101, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(Filters{Region: "international"}, "task_2", time.Unix(102, 0)); err != nil {
		t.Fatalf("long-form region name: %v", err)
	}
}

func TestAcquire_ExcludeSet(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 90)
	addRecord(m, "10.0.0.2:80", 80)

	rec, err := m.Acquire(Filters{
		Exclude: map[endpoint.Endpoint]struct{}{"10.0.0.1:80": {}},
	}, "t", time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Endpoint != "10.0.0.2:80" {
		t.Fatalf("excluded endpoint was acquired: %s", rec.Endpoint)
	}
}

func TestAcquire_ExclusiveUnderConcurrency(t *testing.T) {
	m := newTestManager(t)
	for _, ep := range []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"} {
		addRecord(m, ep, 80)
	}

	const callers = 12
	var mu sync.Mutex
	acquired := make(map[endpoint.Endpoint]int)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := m.Acquire(Filters{}, "task", time.Unix(100, 0))
			if err != nil {
				return
			}
			mu.Lock()
			acquired[rec.Endpoint]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(acquired) != 3 {
		t.Fatalf("want all 3 endpoints handed out exactly once, got %d", len(acquired))
	}
	for ep, n := range acquired {
		if n != 1 {
			t.Fatalf("endpoint %s handed out %d times", ep, n)
		}
	}
}

func TestRelease_SuccessReturnsToIdle(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)

	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}
	lease, err := m.Release("10.0.0.1:80", "task_1", true, time.Unix(200, 0))
	if err != nil {
		t.Fatal(err)
	}
	if lease.Status != model.StatusIdle {
		t.Fatalf("status after success release: got %s", lease.Status)
	}

	// The endpoint is acquirable again.
	if _, err := m.Acquire(Filters{}, "task_2", time.Unix(201, 0)); err != nil {
		t.Fatal(err)
	}
}

func TestRelease_FailureMarksDead(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)

	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}
	lease, err := m.Release("10.0.0.1:80", "task_1", false, time.Unix(200, 0))
	if err != nil {
		t.Fatal(err)
	}
	if lease.Status != model.StatusDead {
		t.Fatalf("status after failure release: got %s", lease.Status)
	}

	if _, err := m.Acquire(Filters{}, "task_2", time.Unix(201, 0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("dead endpoint must not be acquirable, got %v", err)
	}
}

func TestRelease_MismatchedTaskStillTransitions(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)

	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}
	lease, err := m.Release("10.0.0.1:80", "task_other", true, time.Unix(200, 0))
	if err != nil {
		t.Fatal(err)
	}
	if lease.Status != model.StatusIdle {
		t.Fatalf("mismatched release must still transition, got %s", lease.Status)
	}
}

func TestRelease_UnknownEndpoint(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Release("10.9.9.9:80", "task_1", true, time.Unix(100, 0)); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("got %v, want ErrUnknownEndpoint", err)
	}
}

func TestHeartbeat(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)

	if err := m.Heartbeat("10.0.0.1:80", "task_1", time.Unix(100, 0)); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("heartbeat without lease: got %v, want ErrUnknownEndpoint", err)
	}

	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}

	if err := m.Heartbeat("10.0.0.1:80", "task_other", time.Unix(150, 0)); !errors.Is(err, ErrTaskMismatch) {
		t.Fatalf("mismatched heartbeat: got %v, want ErrTaskMismatch", err)
	}

	if err := m.Heartbeat("10.0.0.1:80", "task_1", time.Unix(150, 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, ok := m.Get("10.0.0.1:80")
	if !ok || lease == nil {
		t.Fatal("lease must exist after heartbeat")
	}
	if lease.HeartbeatAtNs != time.Unix(150, 0).UnixNano() {
		t.Fatalf("heartbeat timestamp not refreshed: %d", lease.HeartbeatAtNs)
	}
}

func TestApplyScored_ZeroScoreEvicts(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)

	rec := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
	rec.Score = 0
	m.ApplyScored(rec)

	if _, _, ok := m.Get("10.0.0.1:80"); ok {
		t.Fatal("zero-score record must be evicted from the pool")
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80, endpoint.HTTP)
	addRecord(m, "10.0.0.2:1080", 60, endpoint.SOCKS5)
	addRecord(m, "10.0.0.3:80", 40, endpoint.HTTP, endpoint.SOCKS5)

	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Release("10.0.0.3:80", "nobody", false, time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}

	s := m.Stats()
	if s.Total != 3 || s.Idle != 1 || s.Busy != 1 || s.Dead != 1 {
		t.Fatalf("stats: got %+v", s)
	}
	if s.ByProtocol["http"] != 2 || s.ByProtocol["socks5"] != 2 {
		t.Fatalf("protocol counts: got %v", s.ByProtocol)
	}
	if s.AvgScore != 60 {
		t.Fatalf("avg score: got %v", s.AvgScore)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	addRecord(m, "10.0.0.1:80", 80)
	addRecord(m, "10.0.0.2:80", 70)

	// Persist the records and an active lease, then rebuild from disk.
	if err := m.engine.BulkUpsertProxies(m.Records()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(Filters{}, "task_1", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.engine.FlushDirty(m.LeaseReader()); err != nil {
		t.Fatal(err)
	}

	fresh := NewManager(m.engine, nil)
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	_, lease, ok := fresh.Get("10.0.0.1:80")
	if !ok || lease == nil || lease.Status != model.StatusBusy || lease.TaskID != "task_1" {
		t.Fatalf("lease did not survive the round trip: %+v", lease)
	}
	if _, err := fresh.Acquire(Filters{}, "task_2", time.Unix(200, 0)); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPreservesUnflushedLeases(t *testing.T) {
	m := newTestManager(t)

	rec := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
	rec.Score = 90
	rec.Protocols = []endpoint.Protocol{endpoint.HTTP}
	if err := m.engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(Filters{}, "task_a", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}

	// The busy lease is still only in memory: nothing has flushed the
	// dirty set, so the store has no status row yet. A reload must not
	// revert the endpoint to idle.
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(Filters{}, "task_b", time.Unix(101, 0)); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("reload dropped the unflushed busy lease: second acquire got %v", err)
	}
	_, lease, ok := m.Get("10.0.0.1:80")
	if !ok || lease == nil || lease.TaskID != "task_a" || lease.Status != model.StatusBusy {
		t.Fatalf("lease after reload: %+v", lease)
	}
}

func TestLoadDropsLeasesForVanishedRecords(t *testing.T) {
	m := newTestManager(t)

	rec := model.NewProxyRecord("10.0.0.1:80", time.Unix(0, 1))
	rec.Score = 90
	rec.Protocols = []endpoint.Protocol{endpoint.HTTP}
	if err := m.engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(Filters{}, "task_a", time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}

	// The record leaves the store entirely; its lease must not linger.
	zero := rec
	zero.Score = 0
	if err := m.engine.UpdateScoreFields(zero); err != nil {
		t.Fatal(err)
	}
	if _, err := m.engine.PurgeZero(); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if _, lease, ok := m.Get("10.0.0.1:80"); ok || lease != nil {
		t.Fatal("vanished record must take its lease with it")
	}
}
