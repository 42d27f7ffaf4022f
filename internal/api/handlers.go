package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/pool"
	"github.com/weir-proxy/weir/internal/scoring"
)

// newTaskID mints the server-side task identity handed to clients that
// did not bring their own.
func newTaskID(now time.Time) string {
	return fmt.Sprintf("task_%d_%d", now.Unix(), 1000+rand.IntN(9000))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type acquireRequest struct {
	ProxyType      string   `json:"proxy_type"`
	SupportRegion  string   `json:"support_region"`
	MinScore       int      `json:"min_score"`
	ExcludeProxies []string `json:"exclude_proxies"`
	TaskID         string   `json:"task_id"`
}

type acquireResponse struct {
	Proxy     endpoint.Endpoint `json:"proxy"`
	TaskID    string            `json:"task_id"`
	ProxyInfo model.ProxyRecord `json:"proxy_info"`
}

// HandleAcquire leases out the best matching idle proxy.
func (s *Server) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decodeBody(w, r, &req) {
		return
	}

	exclude := make(map[endpoint.Endpoint]struct{}, len(req.ExcludeProxies))
	for _, raw := range req.ExcludeProxies {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			continue
		}
		exclude[ep] = struct{}{}
	}

	now := time.Now()
	taskID := req.TaskID
	if taskID == "" {
		taskID = newTaskID(now)
	}

	rec, err := s.pool.Acquire(pool.Filters{
		Protocol: req.ProxyType,
		Region:   req.SupportRegion,
		MinScore: req.MinScore,
		Exclude:  exclude,
	}, taskID, now)
	if errors.Is(err, pool.ErrNoMatch) {
		WriteError(w, http.StatusNotFound, "no proxy available for the requested filters")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, acquireResponse{Proxy: rec.Endpoint, TaskID: taskID, ProxyInfo: rec})
}

type releaseRequest struct {
	Proxy        string  `json:"proxy"`
	TaskID       string  `json:"task_id"`
	Success      bool    `json:"success"`
	ResponseTime float64 `json:"response_time"`
}

type releaseResponse struct {
	Proxy  endpoint.Endpoint `json:"proxy"`
	Status model.Status      `json:"status"`
}

// HandleRelease ends a lease. The lease transition happens synchronously;
// the score and latency consequence is queued.
func (s *Server) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ep, err := endpoint.Parse(req.Proxy)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := s.pool.Release(ep, req.TaskID, req.Success, time.Now())
	if errors.Is(err, pool.ErrUnknownEndpoint) {
		WriteError(w, http.StatusNotFound, "unknown proxy "+req.Proxy)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.queue.Enqueue(ep, scoring.ReleaseOutcome{Success: req.Success, ResponseTimeS: req.ResponseTime})
	WriteJSON(w, http.StatusOK, releaseResponse{Proxy: ep, Status: lease.Status})
}

type heartbeatRequest struct {
	Proxy  string `json:"proxy"`
	TaskID string `json:"task_id"`
}

// HandleHeartbeat refreshes a busy lease's liveness timestamp.
func (s *Server) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ep, err := endpoint.Parse(req.Proxy)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := s.pool.Heartbeat(ep, req.TaskID, time.Now()); {
	case errors.Is(err, pool.ErrUnknownEndpoint):
		WriteError(w, http.StatusNotFound, "no active lease for "+req.Proxy)
	case errors.Is(err, pool.ErrTaskMismatch):
		WriteError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"proxy": req.Proxy, "task_id": req.TaskID})
	}
}

type statsResponse struct {
	Pool         pool.Stats     `json:"pool"`
	ScoreBuckets map[string]int `json:"score_buckets"`
	Counters     any            `json:"counters,omitempty"`
}

// HandleStats reports pool composition and process counters.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pool:         s.pool.Stats(),
		ScoreBuckets: scoreBuckets(s.pool.Records()),
	}
	if s.collector != nil {
		resp.Counters = s.collector.Read()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// scoreBuckets groups records into fixed 20-point score bands.
func scoreBuckets(records []model.ProxyRecord) map[string]int {
	buckets := map[string]int{"1-20": 0, "21-40": 0, "41-60": 0, "61-80": 0, "81-100": 0}
	for _, rec := range records {
		switch {
		case rec.Score <= 0:
		case rec.Score <= 20:
			buckets["1-20"]++
		case rec.Score <= 40:
			buckets["21-40"]++
		case rec.Score <= 60:
			buckets["41-60"]++
		case rec.Score <= 80:
			buckets["61-80"]++
		default:
			buckets["81-100"]++
		}
	}
	return buckets
}

// HandleReload rebuilds the in-memory pool from the store.
func (s *Server) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Load(); err != nil {
		log.Printf("[api] reload: %v", err)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := s.pool.Stats()
	WriteJSON(w, http.StatusOK, map[string]int{"total": stats.Total})
}

type infoResponse struct {
	Proxy     endpoint.Endpoint `json:"proxy"`
	ProxyInfo model.ProxyRecord `json:"proxy_info"`
	Lease     *model.Lease      `json:"lease,omitempty"`
}

// HandleProxyInfo serves GET /proxy/info_{endpoint}. The info_ prefix is
// mandatory; any other /proxy/<name> shape is an unknown route.
func (s *Server) HandleProxyInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !strings.HasPrefix(name, "info_") {
		WriteError(w, http.StatusNotFound, "unknown route")
		return
	}
	ep, err := endpoint.Parse(strings.TrimPrefix(name, "info_"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, lease, ok := s.pool.Get(ep)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown proxy "+ep.String())
		return
	}
	WriteJSON(w, http.StatusOK, infoResponse{Proxy: ep, ProxyInfo: rec, Lease: lease})
}
