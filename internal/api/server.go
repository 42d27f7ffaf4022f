package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/pool"
)

// Server wraps the HTTP server and mux for the leasing API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	pool      *pool.Manager
	queue     *ReleaseQueue
	collector *metrics.Collector
}

// NewServer wires all routes. queue must be started by the caller;
// collector may be nil.
func NewServer(listenAddress string, port int, maxBodyBytes int64, poolMgr *pool.Manager, queue *ReleaseQueue, collector *metrics.Collector) *Server {
	s := &Server{
		pool:      poolMgr,
		queue:     queue,
		collector: collector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /proxy/acquire", s.HandleAcquire)
	mux.HandleFunc("POST /proxy/release", s.HandleRelease)
	mux.HandleFunc("POST /proxy/heartbeat", s.HandleHeartbeat)
	mux.HandleFunc("GET /proxy/stats", s.HandleStats)
	mux.HandleFunc("GET /proxy/reload", s.HandleReload)
	mux.HandleFunc("GET /proxy/{name}", s.HandleProxyInfo)

	s.handler = CORSMiddleware(RequestBodyLimitMiddleware(maxBodyBytes, mux))
	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: s.handler,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
