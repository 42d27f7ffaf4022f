package scoring

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

const maxScore = 100

func approx(a, b float64) bool { return math.Abs(a-b) <= 1e-9 }

func testNow() time.Time { return time.Unix(1700000000, 0) }

func existingRecord(score int) model.ProxyRecord {
	rec := model.NewProxyRecord(endpoint.MustParse("1.2.3.4:80"), testNow().Add(-time.Hour))
	rec.Score = score
	rec.Protocols = []endpoint.Protocol{endpoint.HTTP}
	rec.SupportsCN = true
	rec.SupportsIntl = true
	return rec
}

func bothLegs() *ReachResult {
	return &ReachResult{
		CNOK:         true,
		IntlOK:       true,
		CNElapsedS:   1.0,
		IntlElapsedS: 3.0,
		Protocols:    []endpoint.Protocol{endpoint.HTTP},
	}
}

func TestNewCandidate_BothLegsPass(t *testing.T) {
	ep := endpoint.MustParse("5.6.7.8:8080")
	reach := bothLegs()
	reach.Protocols = []endpoint.Protocol{endpoint.SOCKS5, endpoint.HTTP}

	rec, ok := NewCandidate(ep, Bundle{Reach: reach}, testNow())
	if !ok {
		t.Fatal("candidate with two passing legs should produce a record")
	}
	if rec.Score != NewCandidateScore {
		t.Fatalf("score: got %d, want %d", rec.Score, NewCandidateScore)
	}
	want := []endpoint.Protocol{endpoint.HTTP, endpoint.SOCKS5}
	if !reflect.DeepEqual(rec.Protocols, want) {
		t.Fatalf("protocols: got %v, want %v", rec.Protocols, want)
	}
	if !rec.SupportsCN || !rec.SupportsIntl {
		t.Fatal("support flags should reflect the passing legs")
	}
	if !approx(rec.AvgLatencyS, 2.0) {
		t.Fatalf("latency should be the mean of both legs, got %v", rec.AvgLatencyS)
	}
	// 0.3*(2/2) + 0.7*0.5 prior.
	if !approx(rec.SuccessRate, 0.65) {
		t.Fatalf("success rate: got %v, want 0.65", rec.SuccessRate)
	}
	if rec.Geo.Known() {
		t.Fatal("location should stay sentinel when no info probe ran")
	}
}

func TestNewCandidate_OneLegPasses(t *testing.T) {
	reach := &ReachResult{
		IntlOK:       true,
		IntlElapsedS: 0.8,
		Protocols:    []endpoint.Protocol{endpoint.HTTP},
	}
	rec, ok := NewCandidate(endpoint.MustParse("5.6.7.8:8080"), Bundle{Reach: reach}, testNow())
	if !ok {
		t.Fatal("one passing leg is enough for a record")
	}
	if rec.Score != NewCandidateScore {
		t.Fatalf("score: got %d, want %d", rec.Score, NewCandidateScore)
	}
	if rec.SupportsCN || !rec.SupportsIntl {
		t.Fatalf("support flags: got cn=%v intl=%v", rec.SupportsCN, rec.SupportsIntl)
	}
	if !approx(rec.AvgLatencyS, 0.8) {
		t.Fatalf("latency should be the single passing leg, got %v", rec.AvgLatencyS)
	}
	// 0.3*(1/2) + 0.7*0.5 prior.
	if !approx(rec.SuccessRate, 0.5) {
		t.Fatalf("success rate: got %v, want 0.5", rec.SuccessRate)
	}
}

func TestNewCandidate_BothLegsFailProducesNoRecord(t *testing.T) {
	bundles := []Bundle{
		{},
		{Reach: &ReachResult{}},
		{Reach: &ReachResult{}, Geo: &model.GeoInfo{City: "Osaka"}},
	}
	for i, b := range bundles {
		if _, ok := NewCandidate(endpoint.MustParse("5.6.7.8:8080"), b, testNow()); ok {
			t.Fatalf("bundle %d: candidate with no passing leg must not produce a record", i)
		}
	}
}

func TestNewCandidate_AnonymityAndGeo(t *testing.T) {
	geo := model.GeoInfo{City: "Osaka", Region: "Osaka", Country: "JP",
		Coord: "34.6,135.5", Org: "AS0 Example", Postal: "530-0001", Timezone: "Asia/Tokyo"}
	b := Bundle{
		Reach:     bothLegs(),
		Anonymity: &AnonymityResult{CheckOK: true, Transparent: true, ObservedIP: "203.0.113.5"},
		Geo:       &geo,
	}
	rec, ok := NewCandidate(endpoint.MustParse("9.9.9.9:3128"), b, testNow())
	if !ok {
		t.Fatal("expected a record")
	}
	if !rec.Transparent || rec.ObservedEgressIP != "203.0.113.5" {
		t.Fatalf("transparency: got %v/%q", rec.Transparent, rec.ObservedEgressIP)
	}
	if rec.Geo != geo {
		t.Fatalf("geo: got %+v", rec.Geo)
	}
}

func TestRefresh_ScoreDelta(t *testing.T) {
	cases := []struct {
		name  string
		start int
		reach ReachResult
		want  int
	}{
		{"both legs", 50, ReachResult{CNOK: true, IntlOK: true}, 52},
		{"cn only", 50, ReachResult{CNOK: true}, 51},
		{"intl only", 50, ReachResult{IntlOK: true}, 51},
		{"both fail", 50, ReachResult{}, 49},
		{"clamped at max", 99, ReachResult{CNOK: true, IntlOK: true}, 100},
		{"clamped at zero", 0, ReachResult{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cur := existingRecord(tc.start)
			out := Refresh(cur, Bundle{Reach: &tc.reach}, maxScore, testNow())
			if out.Score != tc.want {
				t.Fatalf("score: got %d, want %d", out.Score, tc.want)
			}
		})
	}
}

func TestRefresh_EmptyBundleLeavesRecordUnchanged(t *testing.T) {
	cur := existingRecord(42)
	cur.Geo = model.GeoInfo{City: "Osaka", Region: "Osaka", Country: "JP",
		Coord: "34.6,135.5", Org: "AS0", Postal: "530-0001", Timezone: "Asia/Tokyo"}
	cur.AvgLatencyS = 1.25
	cur.SuccessRate = 0.85

	out := Refresh(cur, Bundle{}, maxScore, testNow())
	if !reflect.DeepEqual(out, cur) {
		t.Fatalf("empty bundle must be a no-op:\n got %+v\nwant %+v", out, cur)
	}
}

func TestRefresh_ProtocolSetNeverShrinks(t *testing.T) {
	cur := existingRecord(50)
	cur.Protocols = []endpoint.Protocol{endpoint.HTTP}

	// A failing round detects nothing; the set must survive.
	out := Refresh(cur, Bundle{Reach: &ReachResult{}}, maxScore, testNow())
	if !reflect.DeepEqual(out.Protocols, []endpoint.Protocol{endpoint.HTTP}) {
		t.Fatalf("protocols after failed round: got %v", out.Protocols)
	}

	// A later round detecting a second protocol unions it in.
	reach := &ReachResult{CNOK: true, CNElapsedS: 0.5, Protocols: []endpoint.Protocol{endpoint.SOCKS5}}
	out = Refresh(out, Bundle{Reach: reach}, maxScore, testNow())
	want := []endpoint.Protocol{endpoint.HTTP, endpoint.SOCKS5}
	if !reflect.DeepEqual(out.Protocols, want) {
		t.Fatalf("protocols after union: got %v, want %v", out.Protocols, want)
	}
}

func TestRefresh_LatencyFold(t *testing.T) {
	now := testNow()

	cur := existingRecord(50)
	cur.AvgLatencyS = 2.0
	out := Refresh(cur, Bundle{Reach: bothLegs()}, maxScore, now)
	// mean(1.0, 3.0)=2.0 folded as 0.3*2.0 + 0.7*2.0.
	if !approx(out.AvgLatencyS, 2.0) {
		t.Fatalf("folded latency: got %v, want 2.0", out.AvgLatencyS)
	}

	// Sentinel history is replaced outright.
	cur.AvgLatencyS = -1
	out = Refresh(cur, Bundle{Reach: bothLegs()}, maxScore, now)
	if !approx(out.AvgLatencyS, 2.0) {
		t.Fatalf("first latency: got %v, want 2.0", out.AvgLatencyS)
	}

	// No passing leg carries the old value.
	cur.AvgLatencyS = 1.5
	out = Refresh(cur, Bundle{Reach: &ReachResult{}}, maxScore, now)
	if !approx(out.AvgLatencyS, 1.5) {
		t.Fatalf("latency after failed round: got %v, want 1.5", out.AvgLatencyS)
	}
}

func TestRefresh_SuccessRateFold(t *testing.T) {
	cur := existingRecord(50)
	cur.SuccessRate = 0.5

	out := Refresh(cur, Bundle{Reach: bothLegs()}, maxScore, testNow())
	if !approx(out.SuccessRate, 0.65) {
		t.Fatalf("rate after both legs: got %v, want 0.65", out.SuccessRate)
	}

	out = Refresh(cur, Bundle{Reach: &ReachResult{}}, maxScore, testNow())
	if !approx(out.SuccessRate, 0.35) {
		t.Fatalf("rate after both fail: got %v, want 0.35", out.SuccessRate)
	}
}

func TestRefresh_TransparencyRequiresCheckOK(t *testing.T) {
	cur := existingRecord(50)
	cur.Transparent = true
	cur.ObservedEgressIP = "203.0.113.5"

	// Echo services all failed: carry forward.
	b := Bundle{Anonymity: &AnonymityResult{CheckOK: false}}
	out := Refresh(cur, b, maxScore, testNow())
	if !out.Transparent || out.ObservedEgressIP != "203.0.113.5" {
		t.Fatal("failed anonymity check must not touch transparency")
	}

	b = Bundle{Anonymity: &AnonymityResult{CheckOK: true, Transparent: false, ObservedIP: "198.51.100.7"}}
	out = Refresh(cur, b, maxScore, testNow())
	if out.Transparent || out.ObservedEgressIP != "198.51.100.7" {
		t.Fatalf("transparency not updated: got %v/%q", out.Transparent, out.ObservedEgressIP)
	}
}

func TestRefresh_LocationSticky(t *testing.T) {
	probed := model.GeoInfo{City: "Tokyo", Region: "Tokyo", Country: "JP",
		Coord: "35.7,139.7", Org: "AS1", Postal: "100-0001", Timezone: "Asia/Tokyo"}

	cur := existingRecord(50)
	out := Refresh(cur, Bundle{Geo: &probed}, maxScore, testNow())
	if out.Geo != probed {
		t.Fatalf("unknown location should be filled: got %+v", out.Geo)
	}

	// Once known, later probes must not overwrite.
	later := model.GeoInfo{City: "Berlin", Region: "BE", Country: "DE",
		Coord: "52.5,13.4", Org: "AS2", Postal: "10115", Timezone: "Europe/Berlin"}
	out2 := Refresh(out, Bundle{Geo: &later}, maxScore, testNow())
	if out2.Geo != probed {
		t.Fatalf("known location must stick: got %+v", out2.Geo)
	}
}

func TestRefresh_BrowserAndSecurityOverwritten(t *testing.T) {
	cur := existingRecord(50)
	cur.Browser = model.BrowserResult{Valid: model.TriTrue, LatencyMs: 400}
	cur.Security = model.SecurityResult{DNS: model.VerdictPass, TLS: model.VerdictPass,
		Content: model.VerdictPass, Integrity: model.VerdictPass, Behaviour: model.VerdictPass}

	browser := model.BrowserResult{Valid: model.TriFalse, CheckedAtNs: 7, LastError: "net::ERR_TIMED_OUT"}
	sec := model.UnknownSecurity()
	sec.DNS = "failed: NXDOMAIN"
	sec.CheckedAtNs = 9

	out := Refresh(cur, Bundle{Browser: &browser, Security: &sec}, maxScore, testNow())
	if out.Browser != browser {
		t.Fatalf("browser result not overwritten: got %+v", out.Browser)
	}
	if out.Security != sec {
		t.Fatalf("security result not overwritten: got %+v", out.Security)
	}
	if out.Score != cur.Score {
		t.Fatal("browser/security rounds must not touch the score")
	}
}

func TestApply_RoutesOnRecordPresence(t *testing.T) {
	b := Bundle{Reach: bothLegs()}

	rec, ok := Apply(nil, endpoint.MustParse("5.6.7.8:8080"), b, maxScore, testNow())
	if !ok || rec.Score != NewCandidateScore {
		t.Fatalf("nil record should take the candidate path: ok=%v score=%d", ok, rec.Score)
	}

	cur := existingRecord(50)
	rec, ok = Apply(&cur, cur.Endpoint, b, maxScore, testNow())
	if !ok || rec.Score != 52 {
		t.Fatalf("existing record should take the refresh path: ok=%v score=%d", ok, rec.Score)
	}
}

func TestScoreStaysInRangeAcrossSequences(t *testing.T) {
	pass := Bundle{Reach: &ReachResult{CNOK: true, IntlOK: true, CNElapsedS: 0.1, IntlElapsedS: 0.1}}
	fail := Bundle{Reach: &ReachResult{}}

	rec := existingRecord(99)
	for i := 0; i < 50; i++ {
		b := pass
		if i%3 == 0 {
			b = fail
		}
		rec = Refresh(rec, b, maxScore, testNow())
		if rec.Score < 0 || rec.Score > maxScore {
			t.Fatalf("iteration %d: score %d out of range", i, rec.Score)
		}
	}

	rec.Score = 1
	for i := 0; i < 10; i++ {
		rec = Refresh(rec, fail, maxScore, testNow())
		if rec.Score < 0 {
			t.Fatalf("iteration %d: score %d below floor", i, rec.Score)
		}
	}
}

func TestApplyRelease_Success(t *testing.T) {
	cur := existingRecord(98)
	cur.AvgLatencyS = 1.0
	cur.SuccessRate = 0.5

	out := ApplyRelease(cur, ReleaseOutcome{Success: true, ResponseTimeS: 0.12}, maxScore, testNow())
	if out.Score != 100 {
		t.Fatalf("score: got %d, want 100 (98+2 clamped)", out.Score)
	}
	// 0.3*0.12 + 0.7*1.0 rounded to 3 decimals.
	if !approx(out.AvgLatencyS, 0.736) {
		t.Fatalf("latency: got %v, want 0.736", out.AvgLatencyS)
	}
	if !approx(out.SuccessRate, 0.6) {
		t.Fatalf("rate: got %v, want 0.6", out.SuccessRate)
	}
}

func TestApplyRelease_FailureFloors(t *testing.T) {
	cur := existingRecord(0)
	cur.SuccessRate = 0.05

	out := ApplyRelease(cur, ReleaseOutcome{Success: false}, maxScore, testNow())
	if out.Score != 0 {
		t.Fatalf("score: got %d, want 0", out.Score)
	}
	if !approx(out.SuccessRate, 0) {
		t.Fatalf("rate should clamp at 0, got %v", out.SuccessRate)
	}

	cur.Score = 1
	out = ApplyRelease(cur, ReleaseOutcome{Success: false}, maxScore, testNow())
	if out.Score != 0 {
		t.Fatalf("score 1 minus 1: got %d, want 0", out.Score)
	}
}

func TestApplyRelease_LatencyHandling(t *testing.T) {
	cur := existingRecord(50)

	// No response time reported: latency untouched.
	cur.AvgLatencyS = 1.5
	out := ApplyRelease(cur, ReleaseOutcome{Success: true}, maxScore, testNow())
	if !approx(out.AvgLatencyS, 1.5) {
		t.Fatalf("latency without response time: got %v, want 1.5", out.AvgLatencyS)
	}

	// First ever observation replaces the sentinel.
	cur.AvgLatencyS = -1
	out = ApplyRelease(cur, ReleaseOutcome{Success: true, ResponseTimeS: 0.5}, maxScore, testNow())
	if !approx(out.AvgLatencyS, 0.5) {
		t.Fatalf("first latency: got %v, want 0.5", out.AvgLatencyS)
	}
}

func TestApplyRelease_RateCeiling(t *testing.T) {
	cur := existingRecord(50)
	cur.SuccessRate = 0.97

	out := ApplyRelease(cur, ReleaseOutcome{Success: true}, maxScore, testNow())
	if !approx(out.SuccessRate, 1.0) {
		t.Fatalf("rate should clamp at 1.0, got %v", out.SuccessRate)
	}
}
