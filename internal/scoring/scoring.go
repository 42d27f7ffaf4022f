// Package scoring turns probe outcomes into proxy record updates.
//
// Every function is pure: given the same record and the same bundle it
// produces the same output, and a bundle in which no probe ran leaves the
// record untouched. The pool layer owns locking and persistence; nothing
// here blocks.
package scoring

import (
	"math"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
)

// NewCandidateScore is granted to a candidate whose first reachability
// check passed at least one leg. High enough to be picked immediately,
// below max so a confirmed dual-region proxy still outranks it.
const NewCandidateScore = 98

// Moving-average weights: 30% latest observation, 70% history.
const (
	obsWeight  = 0.3
	histWeight = 0.7
)

// ReachResult is the outcome of the dual-region reachability probe. One
// leg per region; elapsed times are only meaningful for legs that passed.
type ReachResult struct {
	CNOK         bool
	IntlOK       bool
	CNElapsedS   float64
	IntlElapsedS float64

	// Protocols detected on the successful legs. Empty when both failed.
	Protocols []endpoint.Protocol
}

func (r ReachResult) legs() int {
	n := 0
	if r.CNOK {
		n++
	}
	if r.IntlOK {
		n++
	}
	return n
}

// meanElapsedS averages the elapsed times of the legs that passed.
func (r ReachResult) meanElapsedS() (float64, bool) {
	var sum float64
	n := r.legs()
	if n == 0 {
		return 0, false
	}
	if r.CNOK {
		sum += r.CNElapsedS
	}
	if r.IntlOK {
		sum += r.IntlElapsedS
	}
	return sum / float64(n), true
}

// AnonymityResult is the outcome of the egress-IP echo probe. CheckOK is
// false when every echo service failed, in which case Transparent and
// ObservedIP carry no information.
type AnonymityResult struct {
	CheckOK     bool
	Transparent bool
	ObservedIP  string
}

// Bundle carries the outcomes of the probes that actually ran this round.
// A nil sub-result means the probe did not run; the matching record fields
// carry forward unchanged.
type Bundle struct {
	Reach     *ReachResult
	Anonymity *AnonymityResult
	Geo       *model.GeoInfo
	Browser   *model.BrowserResult
	Security  *model.SecurityResult
}

// Empty reports whether no probe ran this round.
func (b Bundle) Empty() bool {
	return b.Reach == nil && b.Anonymity == nil && b.Geo == nil &&
		b.Browser == nil && b.Security == nil
}

// Apply routes a bundle to the new-candidate or refresh path. cur is nil
// for endpoints that have never been stored. ok is false when no record
// should be stored at all: a new candidate that failed both reachability
// legs vanishes without trace.
func Apply(cur *model.ProxyRecord, ep endpoint.Endpoint, b Bundle, maxScore int, now time.Time) (model.ProxyRecord, bool) {
	if cur == nil {
		return NewCandidate(ep, b, now)
	}
	return Refresh(*cur, b, maxScore, now), true
}

// NewCandidate builds the first record for an endpoint that has never been
// stored. ok is false unless at least one reachability leg passed.
func NewCandidate(ep endpoint.Endpoint, b Bundle, now time.Time) (model.ProxyRecord, bool) {
	if b.Reach == nil || b.Reach.legs() == 0 {
		return model.ProxyRecord{}, false
	}

	rec := model.NewProxyRecord(ep, now)
	rec.Score = NewCandidateScore
	rec.Protocols = endpoint.NormalizeProtocols(b.Reach.Protocols)
	rec.SupportsCN = b.Reach.CNOK
	rec.SupportsIntl = b.Reach.IntlOK
	if mean, ok := b.Reach.meanElapsedS(); ok {
		rec.AvgLatencyS = mean
	}
	rec.SuccessRate = foldRate(rec.SuccessRate, b.Reach.legs())

	if b.Anonymity != nil && b.Anonymity.CheckOK {
		rec.Transparent = b.Anonymity.Transparent
		rec.ObservedEgressIP = b.Anonymity.ObservedIP
	}
	if b.Geo != nil {
		rec.Geo = *b.Geo
	}
	if b.Browser != nil {
		rec.Browser = *b.Browser
	}
	if b.Security != nil {
		rec.Security = *b.Security
	}

	rec.LastCheckedNs = now.UnixNano()
	return rec, true
}

// Refresh applies one probe round to an existing record. Fields whose
// probe did not run carry forward verbatim; an empty bundle returns the
// record unchanged, timestamps included.
func Refresh(cur model.ProxyRecord, b Bundle, maxScore int, now time.Time) model.ProxyRecord {
	out := cur.Clone()
	if b.Empty() {
		return out
	}

	if b.Reach != nil {
		legs := b.Reach.legs()
		out.Score = clampScore(cur.Score+scoreDelta(legs), maxScore)

		// The protocol set never shrinks on a transient failure.
		out.Protocols = endpoint.NormalizeProtocols(append(out.Protocols, b.Reach.Protocols...))
		out.SupportsCN = b.Reach.CNOK
		out.SupportsIntl = b.Reach.IntlOK

		if mean, ok := b.Reach.meanElapsedS(); ok {
			if cur.AvgLatencyS > 0 {
				out.AvgLatencyS = obsWeight*mean + histWeight*cur.AvgLatencyS
			} else {
				out.AvgLatencyS = mean
			}
		}
		out.SuccessRate = foldRate(cur.SuccessRate, legs)
	}

	if b.Anonymity != nil && b.Anonymity.CheckOK {
		out.Transparent = b.Anonymity.Transparent
		out.ObservedEgressIP = b.Anonymity.ObservedIP
	}

	// Location is sticky: only filled while the record still holds
	// sentinel values.
	if b.Geo != nil && !cur.Geo.Known() {
		out.Geo = *b.Geo
	}

	if b.Browser != nil {
		out.Browser = *b.Browser
	}
	if b.Security != nil {
		out.Security = *b.Security
	}

	out.LastCheckedNs = now.UnixNano()
	out.UpdatedAtNs = now.UnixNano()
	return out
}

// ReleaseOutcome is a lease holder's verdict delivered through the release
// API. ResponseTimeS <= 0 means the client did not report one.
type ReleaseOutcome struct {
	Success       bool
	ResponseTimeS float64
}

// ApplyRelease folds a lease holder's verdict into the record. Unlike the
// probe paths this may drive the score to zero, which marks the row for
// the purge sweep.
func ApplyRelease(cur model.ProxyRecord, oc ReleaseOutcome, maxScore int, now time.Time) model.ProxyRecord {
	out := cur.Clone()

	delta := -1
	rate := cur.SuccessRate - 0.1
	if oc.Success {
		delta = 2
		rate = cur.SuccessRate + 0.1
	}
	out.Score = clampScore(cur.Score+delta, maxScore)
	out.SuccessRate = round2(clampRate(rate))

	if oc.ResponseTimeS > 0 {
		if cur.AvgLatencyS > 0 {
			out.AvgLatencyS = round3(obsWeight*oc.ResponseTimeS + histWeight*cur.AvgLatencyS)
		} else {
			out.AvgLatencyS = round3(oc.ResponseTimeS)
		}
	}

	out.LastCheckedNs = now.UnixNano()
	out.UpdatedAtNs = now.UnixNano()
	return out
}

// scoreDelta maps the number of passed reachability legs to a score
// adjustment: +2 both, +1 one, -1 none.
func scoreDelta(legs int) int {
	switch legs {
	case 2:
		return 2
	case 1:
		return 1
	default:
		return -1
	}
}

// foldRate folds this round's leg ratio into the historical success rate.
func foldRate(old float64, legs int) float64 {
	return obsWeight*(float64(legs)/2) + histWeight*old
}

func clampScore(s, maxScore int) int {
	if s < 0 {
		return 0
	}
	if s > maxScore {
		return maxScore
	}
	return s
}

func clampRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
