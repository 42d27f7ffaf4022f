// Package model defines the domain structs shared by the pool, store,
// scoring, and API layers.
package model

import (
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
)

// Unknown is the sentinel for string attributes that were never observed.
const Unknown = "unknown"

// Tri is a tri-state flag whose third state means "never probed".
type Tri int8

const (
	TriUnknown Tri = -1
	TriFalse   Tri = 0
	TriTrue    Tri = 1
)

// TriFromBool converts a probe outcome into a Tri.
func TriFromBool(b bool) Tri {
	if b {
		return TriTrue
	}
	return TriFalse
}

// Bool reports the flag value and whether it was ever set.
func (t Tri) Bool() (value, known bool) {
	switch t {
	case TriTrue:
		return true, true
	case TriFalse:
		return false, true
	}
	return false, false
}

// GeoInfo holds the sticky location attributes of an endpoint. Fields hold
// Unknown until an info probe (or offline GeoIP lookup) fills them.
type GeoInfo struct {
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Coord    string `json:"coord"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// UnknownGeo returns a GeoInfo with every field set to the sentinel.
func UnknownGeo() GeoInfo {
	return GeoInfo{
		City:     Unknown,
		Region:   Unknown,
		Country:  Unknown,
		Coord:    Unknown,
		Org:      Unknown,
		Postal:   Unknown,
		Timezone: Unknown,
	}
}

// Known reports whether any field carries real data. Location is sticky:
// once Known, info probes are skipped for this record.
func (g GeoInfo) Known() bool {
	for _, v := range []string{g.City, g.Region, g.Country, g.Coord, g.Org, g.Postal, g.Timezone} {
		if v != "" && v != Unknown {
			return true
		}
	}
	return false
}

// BrowserResult records the most recent headless-browser probe.
type BrowserResult struct {
	Valid       Tri     `json:"valid"`
	CheckedAtNs int64   `json:"checked_at_ns"`
	LatencyMs   float64 `json:"latency_ms"`
	LastError   string  `json:"last_error,omitempty"`
}

// Security sub-check verdict strings. Only the prefixes are fixed; failed
// and error verdicts append detail after the colon.
const (
	VerdictPass    = "pass"
	VerdictUnknown = "unknown"
)

// SecurityResult records the five tamper sub-check verdicts verbatim.
type SecurityResult struct {
	DNS         string `json:"dns"`
	TLS         string `json:"tls"`
	Content     string `json:"content"`
	Integrity   string `json:"integrity"`
	Behaviour   string `json:"behaviour"`
	CheckedAtNs int64  `json:"checked_at_ns"`
}

// Passed reports the aggregate security verdict: at least 80% of the five
// sub-checks must pass. A DNS verdict of unknown counts as a pass, since it
// means the baseline resolver was down, not that the proxy misbehaved.
func (s SecurityResult) Passed() bool {
	passed := 0
	for _, v := range []string{s.DNS, s.TLS, s.Content, s.Integrity, s.Behaviour} {
		if v == VerdictPass {
			passed++
		}
	}
	if s.DNS == VerdictUnknown {
		passed++
	}
	return float64(passed)/5 >= 0.8
}

// UnknownSecurity returns a SecurityResult with every verdict unknown.
func UnknownSecurity() SecurityResult {
	return SecurityResult{
		DNS:       VerdictUnknown,
		TLS:       VerdictUnknown,
		Content:   VerdictUnknown,
		Integrity: VerdictUnknown,
		Behaviour: VerdictUnknown,
	}
}

// ProxyRecord is the authoritative per-endpoint record. One exists per
// host:port pair; the Scoring Engine is the only writer of its derived
// fields.
type ProxyRecord struct {
	Endpoint         endpoint.Endpoint   `json:"endpoint"`
	Score            int                 `json:"score"`
	Protocols        []endpoint.Protocol `json:"protocols"`
	SupportsCN       bool                `json:"supports_cn"`
	SupportsIntl     bool                `json:"supports_intl"`
	Transparent      bool                `json:"transparent"`
	ObservedEgressIP string              `json:"observed_egress_ip"`
	Geo              GeoInfo             `json:"geo"`
	Browser          BrowserResult       `json:"browser"`
	Security         SecurityResult      `json:"security"`
	AvgLatencyS      float64             `json:"avg_latency_s"`
	SuccessRate      float64             `json:"success_rate"`
	LastCheckedNs    int64               `json:"last_checked_ns"`
	CreatedAtNs      int64               `json:"created_at_ns"`
	UpdatedAtNs      int64               `json:"updated_at_ns"`
}

// NewProxyRecord returns the synthetic default record for a candidate that
// has never been stored. AvgLatencyS uses the -1 sentinel; SuccessRate the
// 0.5 prior.
func NewProxyRecord(ep endpoint.Endpoint, now time.Time) ProxyRecord {
	ns := now.UnixNano()
	return ProxyRecord{
		Endpoint:         ep,
		ObservedEgressIP: Unknown,
		Geo:              UnknownGeo(),
		Browser:          BrowserResult{Valid: TriUnknown},
		Security:         UnknownSecurity(),
		AvgLatencyS:      -1,
		SuccessRate:      0.5,
		CreatedAtNs:      ns,
		UpdatedAtNs:      ns,
	}
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (r ProxyRecord) Clone() ProxyRecord {
	out := r
	out.Protocols = append([]endpoint.Protocol(nil), r.Protocols...)
	return out
}

// HasProtocol reports membership in the protocol set.
func (r ProxyRecord) HasProtocol(p endpoint.Protocol) bool {
	for _, have := range r.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// Status is the lease lifecycle state of an endpoint.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	StatusDead Status = "dead"
)

// Lease is the volatile per-endpoint lease record. An endpoint with no
// Lease row is implicitly idle.
type Lease struct {
	Endpoint      endpoint.Endpoint `json:"endpoint"`
	Status        Status            `json:"status"`
	TaskID        string            `json:"task_id"`
	AcquiredAtNs  int64             `json:"acquired_at_ns"`
	HeartbeatAtNs int64             `json:"heartbeat_at_ns"`
}

// Usage event kinds written to the audit table.
const (
	UsageAcquire     = "acquire"
	UsageReleaseOK   = "release_ok"
	UsageReleaseFail = "release_fail"
	UsageReap        = "reap"
)

// UsageEvent is one audit row recording a lease transition.
type UsageEvent struct {
	Endpoint    endpoint.Endpoint `json:"endpoint"`
	TaskID      string            `json:"task_id"`
	Event       string            `json:"event"`
	CreatedAtNs int64             `json:"created_at_ns"`
}
