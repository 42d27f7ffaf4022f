package store

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

// newTestEngine sets up a migrated Engine on a temp database.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pool.db")

	engine, closer, err := Bootstrap(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })
	return engine
}

func testRecord(ep string, score int) model.ProxyRecord {
	rec := model.NewProxyRecord(endpoint.Endpoint(ep), time.Unix(0, 1000))
	rec.Score = score
	rec.Protocols = []endpoint.Protocol{endpoint.HTTP, endpoint.SOCKS5}
	rec.SupportsCN = true
	rec.SupportsIntl = true
	rec.ObservedEgressIP = "203.0.113.9"
	rec.Geo.City = "Osaka"
	rec.Geo.Country = "JP"
	rec.Browser = model.BrowserResult{Valid: model.TriTrue, CheckedAtNs: 42, LatencyMs: 812.5}
	rec.Security.DNS = model.VerdictPass
	rec.Security.TLS = "failed: HTTP 502"
	rec.AvgLatencyS = 1.25
	rec.SuccessRate = 0.85
	rec.LastCheckedNs = 77
	return rec
}

func TestRepo_ProxyRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	want := testRecord("10.0.0.1:8080", 98)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{want}); err != nil {
		t.Fatal(err)
	}

	got, err := engine.GetProxy(want.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, want)
	}

	all, err := engine.LoadAllProxies()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
}

func TestRepo_GetProxyMissing(t *testing.T) {
	engine := newTestEngine(t)

	got, err := engine.GetProxy("10.0.0.9:3128")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing row, got %+v", got)
	}
}

func TestRepo_UpsertPreservesCreatedAt(t *testing.T) {
	engine := newTestEngine(t)

	rec := testRecord("10.0.0.2:8080", 50)
	rec.CreatedAtNs = 100
	rec.UpdatedAtNs = 100
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}

	rec.Score = 52
	rec.CreatedAtNs = 999 // must be ignored on update
	rec.UpdatedAtNs = 200
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}

	got, err := engine.GetProxy(rec.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedAtNs != 100 {
		t.Fatalf("created_at_ns overwritten: got %d, want 100", got.CreatedAtNs)
	}
	if got.Score != 52 || got.UpdatedAtNs != 200 {
		t.Fatalf("update did not apply: score=%d updated=%d", got.Score, got.UpdatedAtNs)
	}
}

func TestRepo_UpsertSkipsZeroScore(t *testing.T) {
	engine := newTestEngine(t)

	live := testRecord("10.0.0.3:8080", 10)
	zero := testRecord("10.0.0.4:8080", 0)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{live, zero}); err != nil {
		t.Fatal(err)
	}

	all, err := engine.LoadAllProxies()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected zero-score record skipped, got %d rows", len(all))
	}
	if all[0].Endpoint != live.Endpoint {
		t.Fatalf("wrong surviving row: %s", all[0].Endpoint)
	}
}

func TestRepo_UpdateScoreFieldsMayWriteZero(t *testing.T) {
	engine := newTestEngine(t)

	rec := testRecord("10.0.0.5:8080", 1)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}

	rec.Score = 0
	rec.SuccessRate = 0.4
	rec.UpdatedAtNs = 300
	if err := engine.UpdateScoreFields(rec); err != nil {
		t.Fatal(err)
	}

	got, err := engine.GetProxy(rec.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 0 || got.SuccessRate != 0.4 {
		t.Fatalf("direct score update not applied: score=%d rate=%v", got.Score, got.SuccessRate)
	}
}

func TestRepo_PurgeZeroCascades(t *testing.T) {
	engine := newTestEngine(t)

	doomed := testRecord("10.0.0.6:8080", 1)
	keeper := testRecord("10.0.0.7:8080", 40)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{doomed, keeper}); err != nil {
		t.Fatal(err)
	}

	// Attach a status row and usage history to the doomed endpoint.
	if err := engine.SetStatus(model.Lease{
		Endpoint: doomed.Endpoint, Status: model.StatusDead, TaskID: "t1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := engine.AppendUsage([]model.UsageEvent{
		{Endpoint: doomed.Endpoint, TaskID: "t1", Event: model.UsageAcquire, CreatedAtNs: 1},
		{Endpoint: keeper.Endpoint, TaskID: "t2", Event: model.UsageAcquire, CreatedAtNs: 2},
	}); err != nil {
		t.Fatal(err)
	}

	// Drive the doomed row to zero, then purge.
	doomed.Score = 0
	if err := engine.UpdateScoreFields(doomed); err != nil {
		t.Fatal(err)
	}

	n, err := engine.PurgeZero()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	all, err := engine.LoadAllProxies()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Endpoint != keeper.Endpoint {
		t.Fatalf("expected only keeper row to survive, got %+v", all)
	}

	statuses, err := engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected status row cascade-deleted, got %+v", statuses)
	}

	summary, err := engine.UsageSummary(0)
	if err != nil {
		t.Fatal(err)
	}
	if summary[model.UsageAcquire] != 1 {
		t.Fatalf("expected doomed usage rows swept, got %v", summary)
	}
}

func TestRepo_StatusRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	rec := testRecord("10.0.0.8:8080", 60)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{rec}); err != nil {
		t.Fatal(err)
	}

	lease := model.Lease{
		Endpoint:      rec.Endpoint,
		Status:        model.StatusBusy,
		TaskID:        "task_1700000000_1234",
		AcquiredAtNs:  10,
		HeartbeatAtNs: 20,
	}
	if err := engine.BulkUpsertStatuses([]model.Lease{lease}); err != nil {
		t.Fatal(err)
	}

	statuses, err := engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !reflect.DeepEqual(statuses[0], lease) {
		t.Fatalf("status round trip mismatch: %+v", statuses)
	}

	// Replace in place.
	lease.Status = model.StatusIdle
	lease.TaskID = ""
	if err := engine.SetStatus(lease); err != nil {
		t.Fatal(err)
	}
	statuses, err = engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Status != model.StatusIdle {
		t.Fatalf("expected idle after replace, got %+v", statuses)
	}

	if err := engine.BulkDeleteStatuses([]endpoint.Endpoint{lease.Endpoint}); err != nil {
		t.Fatal(err)
	}
	statuses, err = engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected empty status table, got %+v", statuses)
	}
}

func TestRepo_StatusFlushToleratesPurgedProxy(t *testing.T) {
	engine := newTestEngine(t)

	keeper := testRecord("10.0.3.1:8080", 30)
	if err := engine.BulkUpsertProxies([]model.ProxyRecord{keeper}); err != nil {
		t.Fatal(err)
	}

	// The second lease's proxy row was purged between the lease transition
	// and the flush. The batch must still commit the surviving rows.
	err := engine.FlushTx(FlushOps{
		UpsertStatuses: []model.Lease{
			{Endpoint: keeper.Endpoint, Status: model.StatusBusy, TaskID: "t1", AcquiredAtNs: 1, HeartbeatAtNs: 1},
			{Endpoint: "10.0.3.9:8080", Status: model.StatusBusy, TaskID: "t2", AcquiredAtNs: 2, HeartbeatAtNs: 2},
		},
		AppendUsage: []model.UsageEvent{
			{Endpoint: keeper.Endpoint, TaskID: "t1", Event: model.UsageAcquire, CreatedAtNs: 3},
		},
	})
	if err != nil {
		t.Fatalf("flush must tolerate a purged endpoint: %v", err)
	}

	statuses, err := engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Endpoint != keeper.Endpoint {
		t.Fatalf("expected only the live endpoint's status row, got %+v", statuses)
	}

	summary, err := engine.UsageSummary(0)
	if err != nil {
		t.Fatal(err)
	}
	if summary[model.UsageAcquire] != 1 {
		t.Fatalf("usage row lost with the skipped status: %v", summary)
	}

	// Same guard on the write-through paths.
	orphan := model.Lease{Endpoint: "10.0.3.9:8080", Status: model.StatusDead}
	if err := engine.SetStatus(orphan); err != nil {
		t.Fatalf("SetStatus for purged endpoint: %v", err)
	}
	if err := engine.BulkUpsertStatuses([]model.Lease{orphan}); err != nil {
		t.Fatalf("BulkUpsertStatuses for purged endpoint: %v", err)
	}
	statuses, err = engine.LoadAllStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 {
		t.Fatalf("orphan status row written: %+v", statuses)
	}
}

func TestRepo_UsageSummaryWindow(t *testing.T) {
	engine := newTestEngine(t)

	events := []model.UsageEvent{
		{Endpoint: "10.0.1.1:80", TaskID: "a", Event: model.UsageAcquire, CreatedAtNs: 100},
		{Endpoint: "10.0.1.1:80", TaskID: "a", Event: model.UsageReleaseOK, CreatedAtNs: 200},
		{Endpoint: "10.0.1.2:80", TaskID: "b", Event: model.UsageAcquire, CreatedAtNs: 300},
	}
	if err := engine.AppendUsage(events); err != nil {
		t.Fatal(err)
	}

	summary, err := engine.UsageSummary(150)
	if err != nil {
		t.Fatal(err)
	}
	if summary[model.UsageAcquire] != 1 || summary[model.UsageReleaseOK] != 1 {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestEngine_ProxySurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")

	engine1, closer1, err := Bootstrap(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	want := testRecord("10.0.2.1:9000", 75)
	if err := engine1.BulkUpsertProxies([]model.ProxyRecord{want}); err != nil {
		t.Fatal(err)
	}
	closer1.Close()

	engine2, closer2, err := Bootstrap(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer closer2.Close()

	got, err := engine2.GetProxy(want.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Score != 75 {
		t.Fatalf("record did not survive restart: %+v", got)
	}
}
