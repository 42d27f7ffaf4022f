package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

// Repo wraps the pool database and provides batch read/write for proxy
// records, lease status rows, and the usage audit log. MaxOpenConns(1)
// serializes access, so no additional locking is needed here.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a Repo for the given pool database connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// --- proxies ---

const proxyColumns = `proxy, score, protocols_json, support_cn, support_intl, transparent, observed_egress_ip,
	geo_city, geo_region, geo_country, geo_coord, geo_org, geo_postal, geo_timezone,
	browser_valid, browser_checked_at_ns, browser_latency_ms, browser_last_error,
	sec_dns, sec_tls, sec_content, sec_integrity, sec_behaviour, sec_checked_at_ns,
	avg_latency_s, success_rate, last_checked_ns, created_at_ns, updated_at_ns`

// LoadAllProxies reads every proxy record. Used at startup and on explicit
// reload.
func (r *Repo) LoadAllProxies() ([]model.ProxyRecord, error) {
	rows, err := r.db.Query("SELECT " + proxyColumns + " FROM proxies")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxyRecord
	for rows.Next() {
		rec, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// GetProxy reads a single proxy record. Returns nil if no row exists.
func (r *Repo) GetProxy(ep endpoint.Endpoint) (*model.ProxyRecord, error) {
	row := r.db.QueryRow("SELECT "+proxyColumns+" FROM proxies WHERE proxy = ?", string(ep))
	rec, err := scanProxy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// BulkUpsertProxies batch-inserts or updates proxy records. Existing rows keep
// their created_at_ns. Records with score <= 0 are skipped; zero-score rows
// are never written, only purged.
func (r *Repo) BulkUpsertProxies(records []model.ProxyRecord) error {
	kept := make([]model.ProxyRecord, 0, len(records))
	for _, rec := range records {
		if rec.Score <= 0 {
			continue
		}
		kept = append(kept, rec)
	}
	return bulkExecRows(
		r,
		upsertProxySQL,
		kept,
		execProxyUpsert,
	)
}

func execProxyUpsert(stmt *sql.Stmt, rec model.ProxyRecord) error {
	protocolsJSON, err := encodeProtocolsJSON(rec.Protocols)
	if err != nil {
		return fmt.Errorf("encode protocols for %s: %w", rec.Endpoint, err)
	}
	_, err = stmt.Exec(
		string(rec.Endpoint),
		rec.Score,
		protocolsJSON,
		rec.SupportsCN,
		rec.SupportsIntl,
		rec.Transparent,
		rec.ObservedEgressIP,
		rec.Geo.City,
		rec.Geo.Region,
		rec.Geo.Country,
		rec.Geo.Coord,
		rec.Geo.Org,
		rec.Geo.Postal,
		rec.Geo.Timezone,
		int(rec.Browser.Valid),
		rec.Browser.CheckedAtNs,
		rec.Browser.LatencyMs,
		rec.Browser.LastError,
		rec.Security.DNS,
		rec.Security.TLS,
		rec.Security.Content,
		rec.Security.Integrity,
		rec.Security.Behaviour,
		rec.Security.CheckedAtNs,
		rec.AvgLatencyS,
		rec.SuccessRate,
		rec.LastCheckedNs,
		rec.CreatedAtNs,
		rec.UpdatedAtNs,
	)
	return err
}

// UpdateScoreFields updates the scoring-derived columns of an existing row.
// Unlike BulkUpsertProxies this may write a zero score; the release path is
// the one writer that drives rows to zero so the purge can collect them.
// No-op if the row does not exist.
func (r *Repo) UpdateScoreFields(rec model.ProxyRecord) error {
	_, err := r.db.Exec(`UPDATE proxies SET
			score = ?, avg_latency_s = ?, success_rate = ?, last_checked_ns = ?, updated_at_ns = ?
		WHERE proxy = ?`,
		rec.Score, rec.AvgLatencyS, rec.SuccessRate, rec.LastCheckedNs, rec.UpdatedAtNs, string(rec.Endpoint))
	return err
}

// PurgeZero deletes every proxy row with score <= 0. Status rows cascade via
// the foreign key; usage rows are swept in the same transaction. Returns the
// number of proxy rows removed.
func (r *Repo) PurgeZero() (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM proxy_usage WHERE proxy IN (SELECT proxy FROM proxies WHERE score <= 0)"); err != nil {
		return 0, fmt.Errorf("purge usage rows: %w", err)
	}
	res, err := tx.Exec("DELETE FROM proxies WHERE score <= 0")
	if err != nil {
		return 0, fmt.Errorf("purge proxy rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- proxy_status ---

// SetStatus atomically replaces the lease row for one endpoint. Write-through
// variant of the dirty-set path, used by reload and tests. A no-op when the
// proxy row no longer exists.
func (r *Repo) SetStatus(l model.Lease) error {
	_, err := r.db.Exec(upsertStatusSQL,
		string(l.Endpoint), string(l.Status), l.TaskID, l.AcquiredAtNs, l.HeartbeatAtNs, string(l.Endpoint))
	return err
}

// BulkUpsertStatuses batch-inserts or updates lease rows. Rows for purged
// proxies are silently skipped.
func (r *Repo) BulkUpsertStatuses(leases []model.Lease) error {
	return bulkExecRows(
		r,
		upsertStatusSQL,
		leases,
		func(stmt *sql.Stmt, l model.Lease) error {
			_, err := stmt.Exec(string(l.Endpoint), string(l.Status), l.TaskID, l.AcquiredAtNs, l.HeartbeatAtNs, string(l.Endpoint))
			return err
		},
	)
}

// BulkDeleteStatuses batch-deletes lease rows by endpoint.
func (r *Repo) BulkDeleteStatuses(eps []endpoint.Endpoint) error {
	return bulkExecRows(
		r,
		deleteStatusSQL,
		eps,
		func(stmt *sql.Stmt, ep endpoint.Endpoint) error {
			_, err := stmt.Exec(string(ep))
			return err
		},
	)
}

// LoadAllStatuses reads every lease row. Endpoints absent here are
// implicitly idle.
func (r *Repo) LoadAllStatuses() ([]model.Lease, error) {
	rows, err := r.db.Query("SELECT proxy, status, task_id, acquired_at_ns, heartbeat_at_ns FROM proxy_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Lease
	for rows.Next() {
		var l model.Lease
		if err := rows.Scan(&l.Endpoint, &l.Status, &l.TaskID, &l.AcquiredAtNs, &l.HeartbeatAtNs); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// --- proxy_usage ---

// AppendUsage batch-appends usage audit rows.
func (r *Repo) AppendUsage(events []model.UsageEvent) error {
	return bulkExecRows(
		r,
		insertUsageSQL,
		events,
		func(stmt *sql.Stmt, ev model.UsageEvent) error {
			_, err := stmt.Exec(string(ev.Endpoint), ev.TaskID, ev.Event, ev.CreatedAtNs)
			return err
		},
	)
}

// UsageSummary returns event counts grouped by kind for rows at or after
// sinceNs.
func (r *Repo) UsageSummary(sinceNs int64) (map[string]int64, error) {
	rows, err := r.db.Query("SELECT event, COUNT(*) FROM proxy_usage WHERE created_at_ns >= ? GROUP BY event", sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var event string
		var count int64
		if err := rows.Scan(&event, &count); err != nil {
			return nil, err
		}
		result[event] = count
	}
	return result, rows.Err()
}

// --- internal helpers ---

// scanner abstracts *sql.Row and *sql.Rows for scanProxy.
type scanner interface {
	Scan(dest ...any) error
}

func scanProxy(s scanner) (model.ProxyRecord, error) {
	var rec model.ProxyRecord
	var protocolsJSON string
	if err := s.Scan(
		&rec.Endpoint,
		&rec.Score,
		&protocolsJSON,
		&rec.SupportsCN,
		&rec.SupportsIntl,
		&rec.Transparent,
		&rec.ObservedEgressIP,
		&rec.Geo.City,
		&rec.Geo.Region,
		&rec.Geo.Country,
		&rec.Geo.Coord,
		&rec.Geo.Org,
		&rec.Geo.Postal,
		&rec.Geo.Timezone,
		&rec.Browser.Valid,
		&rec.Browser.CheckedAtNs,
		&rec.Browser.LatencyMs,
		&rec.Browser.LastError,
		&rec.Security.DNS,
		&rec.Security.TLS,
		&rec.Security.Content,
		&rec.Security.Integrity,
		&rec.Security.Behaviour,
		&rec.Security.CheckedAtNs,
		&rec.AvgLatencyS,
		&rec.SuccessRate,
		&rec.LastCheckedNs,
		&rec.CreatedAtNs,
		&rec.UpdatedAtNs,
	); err != nil {
		return model.ProxyRecord{}, err
	}
	protocols, err := decodeProtocolsJSON(protocolsJSON)
	if err != nil {
		return model.ProxyRecord{}, fmt.Errorf("decode protocols_json for %s: %w", rec.Endpoint, err)
	}
	rec.Protocols = protocols
	return rec, nil
}

func encodeProtocolsJSON(protocols []endpoint.Protocol) (string, error) {
	if len(protocols) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(protocols)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProtocolsJSON(raw string) ([]endpoint.Protocol, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var protocols []endpoint.Protocol
	if err := json.Unmarshal([]byte(raw), &protocols); err != nil {
		return nil, err
	}
	return protocols, nil
}

// bulkExecTx runs a prepared statement within an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

// bulkExec runs a prepared statement in its own transaction for n rows.
func (r *Repo) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](
	r *Repo,
	query string,
	rows []T,
	execFn func(stmt *sql.Stmt, row T) error,
) error {
	return r.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// FlushOps holds all upsert/delete slices for a single-transaction flush.
type FlushOps struct {
	UpsertStatuses []model.Lease
	DeleteStatuses []endpoint.Endpoint
	AppendUsage    []model.UsageEvent
}

// FlushTx executes all status upserts/deletes and usage appends in a single
// transaction. Status upserts run first so usage rows never precede the lease
// transition they record.
func (r *Repo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_statuses", upsertStatusSQL, len(ops.UpsertStatuses), func(s *sql.Stmt, i int) error {
			l := ops.UpsertStatuses[i]
			_, err := s.Exec(string(l.Endpoint), string(l.Status), l.TaskID, l.AcquiredAtNs, l.HeartbeatAtNs, string(l.Endpoint))
			return err
		}},
		{"delete_statuses", deleteStatusSQL, len(ops.DeleteStatuses), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(string(ops.DeleteStatuses[i]))
			return err
		}},
		{"append_usage", insertUsageSQL, len(ops.AppendUsage), func(s *sql.Stmt, i int) error {
			ev := ops.AppendUsage[i]
			_, err := s.Exec(string(ev.Endpoint), ev.TaskID, ev.Event, ev.CreatedAtNs)
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}

// SQL constants shared by the bulk methods and FlushTx.
const (
	upsertProxySQL = `INSERT INTO proxies (
			proxy, score, protocols_json, support_cn, support_intl, transparent, observed_egress_ip,
			geo_city, geo_region, geo_country, geo_coord, geo_org, geo_postal, geo_timezone,
			browser_valid, browser_checked_at_ns, browser_latency_ms, browser_last_error,
			sec_dns, sec_tls, sec_content, sec_integrity, sec_behaviour, sec_checked_at_ns,
			avg_latency_s, success_rate, last_checked_ns, created_at_ns, updated_at_ns
		)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proxy) DO UPDATE SET
			score                 = excluded.score,
			protocols_json        = excluded.protocols_json,
			support_cn            = excluded.support_cn,
			support_intl          = excluded.support_intl,
			transparent           = excluded.transparent,
			observed_egress_ip    = excluded.observed_egress_ip,
			geo_city              = excluded.geo_city,
			geo_region            = excluded.geo_region,
			geo_country           = excluded.geo_country,
			geo_coord             = excluded.geo_coord,
			geo_org               = excluded.geo_org,
			geo_postal            = excluded.geo_postal,
			geo_timezone          = excluded.geo_timezone,
			browser_valid         = excluded.browser_valid,
			browser_checked_at_ns = excluded.browser_checked_at_ns,
			browser_latency_ms    = excluded.browser_latency_ms,
			browser_last_error    = excluded.browser_last_error,
			sec_dns               = excluded.sec_dns,
			sec_tls               = excluded.sec_tls,
			sec_content           = excluded.sec_content,
			sec_integrity         = excluded.sec_integrity,
			sec_behaviour         = excluded.sec_behaviour,
			sec_checked_at_ns     = excluded.sec_checked_at_ns,
			avg_latency_s         = excluded.avg_latency_s,
			success_rate          = excluded.success_rate,
			last_checked_ns       = excluded.last_checked_ns,
			updated_at_ns         = excluded.updated_at_ns`

	// The EXISTS guard drops upserts for endpoints whose proxy row was
	// purged after the lease transition was recorded; without it the
	// foreign key would fail the whole flush batch over one stale row.
	upsertStatusSQL = `INSERT INTO proxy_status (proxy, status, task_id, acquired_at_ns, heartbeat_at_ns)
		 SELECT ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM proxies WHERE proxy = ?)
		 ON CONFLICT(proxy) DO UPDATE SET
			status          = excluded.status,
			task_id         = excluded.task_id,
			acquired_at_ns  = excluded.acquired_at_ns,
			heartbeat_at_ns = excluded.heartbeat_at_ns`

	deleteStatusSQL = "DELETE FROM proxy_status WHERE proxy = ?"

	insertUsageSQL = `INSERT INTO proxy_usage (proxy, task_id, event, created_at_ns)
		 VALUES (?, ?, ?, ?)`
)
