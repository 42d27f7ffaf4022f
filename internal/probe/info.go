package probe

import (
	"context"
	"encoding/json"

	"github.com/weir-proxy/weir/internal/model"
)

// infoPayload matches the ipinfo.io-style JSON the info endpoint returns.
type infoPayload struct {
	IP       string `json:"ip"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// runInfo fetches geo/ASN attributes through the proxy. Location is
// sticky: a record that already knows where it is never burns info-API
// quota again. When the online endpoint is disabled or fails and a local
// GeoIP database is wired, country and city come from there instead.
func (r *Runner) runInfo(ctx context.Context, req Request, prior Verdict) Verdict {
	if req.Current != nil && req.Current.Geo.Known() {
		return Verdict{}
	}

	cfg := r.cfg()
	if cfg.Main.GetIPInfo.Bool() && cfg.Main.TestURLInfo != "" {
		proto := r.pickProtocol(req, prior)

		pctx, cancel := r.probeCtx(ctx, cfg.Main.IPInfoTimeout())
		res, err := r.fetch(pctx, proto, req.Endpoint, cfg.Main.TestURLInfo, nil)
		cancel()

		if err == nil && res.Status == 200 {
			var payload infoPayload
			if json.Unmarshal(res.Body, &payload) == nil {
				geo := geoFromPayload(payload)
				if geo.Known() {
					return Verdict{Geo: &geo}
				}
			}
		}
		r.countFailed()
	}

	return r.offlineGeo(req, prior)
}

// offlineGeo falls back to the local mmdb for country/city when an
// observed egress IP is available.
func (r *Runner) offlineGeo(req Request, prior Verdict) Verdict {
	if r.geoFallback == nil {
		return Verdict{}
	}
	ip := ""
	if prior.Anonymity != nil && prior.Anonymity.CheckOK {
		ip = prior.Anonymity.ObservedIP
	} else if req.Current != nil && req.Current.ObservedEgressIP != model.Unknown {
		ip = req.Current.ObservedEgressIP
	}
	if ip == "" {
		return Verdict{}
	}
	country, city := r.geoFallback(ip)
	if country == "" && city == "" {
		return Verdict{}
	}
	geo := model.UnknownGeo()
	if country != "" {
		geo.Country = country
	}
	if city != "" {
		geo.City = city
	}
	return Verdict{Geo: &geo}
}

func geoFromPayload(p infoPayload) model.GeoInfo {
	geo := model.UnknownGeo()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&geo.City, p.City)
	set(&geo.Region, p.Region)
	set(&geo.Country, p.Country)
	set(&geo.Coord, p.Loc)
	set(&geo.Org, p.Org)
	set(&geo.Postal, p.Postal)
	set(&geo.Timezone, p.Timezone)
	return geo
}
