package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"time"

	"github.com/weir-proxy/weir/internal/api"
	"github.com/weir-proxy/weir/internal/buildinfo"
	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/geoip"
	"github.com/weir-proxy/weir/internal/metrics"
	"github.com/weir-proxy/weir/internal/model"
	"github.com/weir-proxy/weir/internal/netutil"
	"github.com/weir-proxy/weir/internal/pool"
	"github.com/weir-proxy/weir/internal/probe"
	"github.com/weir-proxy/weir/internal/signalbus"
	"github.com/weir-proxy/weir/internal/store"
)

// downloadTimeout caps source-list and database downloads. Probe traffic
// has its own per-probe timeouts from the runtime config.
const downloadTimeout = 2 * time.Minute

type weirApp struct {
	envCfg *config.EnvConfig
	cfgMgr *config.Manager

	engine   *store.Engine
	dbCloser io.Closer

	collector *metrics.Collector
	pool      *pool.Manager
	bus       *signalbus.Bus
	direct    *netutil.DirectDownloader
	retry     *netutil.RetryDownloader
	geoSvc    *geoip.Service
	probes    *probe.Runner

	flushWorker *store.StatusFlushWorker
	queue       *api.ReleaseQueue
	reaper      *pool.Reaper
	apiSrv      *api.Server
}

func run(opts cliOptions) error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	cfgMgr, err := config.LoadManager(envCfg.RuntimeConfigPath)
	if err != nil {
		return err
	}

	app, err := newWeirApp(envCfg, cfgMgr)
	if err != nil {
		return err
	}
	defer app.close()

	switch opts.Mode {
	case "", "serve":
		return app.serve()
	default:
		return app.runBatch(opts)
	}
}

func newWeirApp(envCfg *config.EnvConfig, cfgMgr *config.Manager) (*weirApp, error) {
	app := &weirApp{envCfg: envCfg, cfgMgr: cfgMgr}
	cfg := cfgMgr.Current()

	// 1. Pool database.
	engine, dbCloser, err := store.Bootstrap(cfg.Main.DBFile)
	if err != nil {
		return nil, fmt.Errorf("store bootstrap: %w", err)
	}
	app.engine = engine
	app.dbCloser = dbCloser
	log.Println("Store bootstrap complete")

	// 2. In-memory pool.
	app.collector = metrics.NewCollector()
	app.pool = pool.NewManager(engine, app.collector)
	if err := app.pool.Load(); err != nil {
		_ = dbCloser.Close()
		return nil, fmt.Errorf("pool load: %w", err)
	}
	log.Printf("Pool loaded: %d proxies", app.pool.Stats().Total)

	// 3. Interrupt bus, armed before any worker goroutine exists.
	app.bus = signalbus.New()
	app.bus.Arm()

	// 4. Downloaders. The retry decorator falls back to high-scoring pool
	// proxies when a direct download fails at the network level; own-IP
	// resolution stays on the direct path because a proxied echo would
	// report the proxy's egress instead of ours.
	app.direct = netutil.NewDirectDownloader(
		func() time.Duration { return downloadTimeout },
		func() string { return "weir/" + buildinfo.Version },
	)
	fetch := probe.NewFetcher()
	app.retry = &netutil.RetryDownloader{
		Direct: app.direct,
		ProxyPicker: func(string) (endpoint.Endpoint, endpoint.Protocol, error) {
			return pickAgencyProxy(app.pool.Records(), cfgMgr.Current().Main.HighScoreAgency)
		},
		ProxyFetch: func(ctx context.Context, ep endpoint.Endpoint, proto endpoint.Protocol, url string) ([]byte, error) {
			res, err := fetch(ctx, proto, ep, url, nil)
			if err != nil {
				return nil, err
			}
			if res.Status != http.StatusOK {
				return nil, fmt.Errorf("proxy fetch %s: HTTP %d", url, res.Status)
			}
			return res.Body, nil
		},
	}

	// 5. GeoIP service (started on demand) and the probe runner with the
	// offline geo fallback.
	geoDBPath := cfg.GeoIP.DBPath
	if geoDBPath == "" {
		geoDBPath = filepath.Join(envCfg.DataDir, "GeoLite2-City.mmdb")
	}
	app.geoSvc = geoip.NewService(geoip.ServiceConfig{
		DBPath:          geoDBPath,
		RefreshURL:      cfg.GeoIP.RefreshURL,
		RefreshSchedule: cfg.GeoIP.RefreshSchedule,
		Downloader:      app.retry,
	})
	app.probes = probe.NewRunner(cfgMgr.Current, app.bus, fetch)
	app.probes.SetGeoFallback(app.geoSvc.Lookup)
	app.probes.SetCollector(app.collector)

	// 6. Lease write-behind, release queue, reaper (started by serve).
	app.flushWorker = store.NewStatusFlushWorker(
		engine,
		app.pool.LeaseReader(),
		func() int { return envCfg.StatusFlushThreshold },
		func() time.Duration { return envCfg.StatusFlushInterval },
		envCfg.StatusFlushCheckTick,
	)
	app.queue = api.NewReleaseQueue(
		envCfg.ReleaseQueueSize,
		app.pool,
		engine,
		app.collector,
		func() int { return cfgMgr.Current().Main.MaxScore },
	)
	app.reaper = pool.NewReaper(
		app.pool,
		engine,
		envCfg.ReaperInterval,
		envCfg.LeaseStaleAfter,
		envCfg.ReaperDeadCycle,
		envCfg.ReaperPurgeCycle,
	)

	// 7. API server. Environment overrides the runtime config.
	host := cfg.API.Host
	if envCfg.ListenAddress != "" {
		host = envCfg.ListenAddress
	}
	port := cfg.API.Port
	if envCfg.ListenPort > 0 {
		port = envCfg.ListenPort
	}
	app.apiSrv = api.NewServer(host, port, int64(envCfg.APIMaxBodyBytes), app.pool, app.queue, app.collector)
	log.Printf("API server bound to %s:%d", host, port)

	return app, nil
}

// serve runs the leasing API plus its background services until the bus
// trips or the listener fails.
func (a *weirApp) serve() error {
	a.flushWorker.Start()
	log.Println("Status flush worker started")

	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service degraded: %v", err)
	} else {
		log.Println("GeoIP service started")
	}

	a.queue.Start()
	log.Println("Release queue started")

	a.reaper.Start()
	log.Println("Lease reaper started")

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Weir API serving on http://%s", a.apiSrv.Addr())
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	var runtimeErr error
	select {
	case <-a.bus.Done():
		log.Println("Interrupted, shutting down...")
	case runtimeErr = <-serverErrCh:
		log.Printf("API server error (%v), shutting down...", runtimeErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("api server: %w", runtimeErr)
	}
	return nil
}

// shutdown stops event sources before sinks so the final flush sees
// every lease transition.
func (a *weirApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	log.Println("API server stopped")

	a.reaper.Stop()
	log.Println("Lease reaper stopped")

	a.queue.Stop()
	log.Println("Release queue stopped")

	a.flushWorker.Stop() // final flush before the DB closes
	log.Println("Status flush worker stopped")

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")
}

// pickAgencyProxy selects a random record at or above the high-score
// threshold to carry a fallback download.
func pickAgencyProxy(records []model.ProxyRecord, threshold int) (endpoint.Endpoint, endpoint.Protocol, error) {
	eligible := records[:0:0]
	for _, rec := range records {
		if rec.Score >= threshold && len(rec.Protocols) > 0 {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return "", "", fmt.Errorf("no proxy at or above score %d", threshold)
	}
	rec := eligible[rand.IntN(len(eligible))]
	return rec.Endpoint, rec.Protocols[0], nil
}

func (a *weirApp) close() {
	if err := a.dbCloser.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
}
