// Package geoip enriches observed egress IPs with country and city data
// from a local MaxMind database. The reader hot-swaps behind an RWMutex
// when the scheduled refresh replaces the file, so probe workers never
// see a torn database.
package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/weir-proxy/weir/internal/netutil"
)

// Reader is the lookup capability of one loaded database.
type Reader interface {
	Lookup(ip string) (country, city string)
	Close() error
}

// OpenFunc opens a database file. Tests substitute fakes; production uses
// OpenMMDB.
type OpenFunc func(path string) (Reader, error)

// mmdbReader wraps a maxminddb handle.
type mmdbReader struct {
	db *maxminddb.Reader
}

// geoRecord covers the fields this module reads from GeoLite2-City style
// databases. Country-only databases fill just the first field.
type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

func (r *mmdbReader) Lookup(ip string) (string, string) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", ""
	}
	var rec geoRecord
	if err := r.db.Lookup(parsed, &rec); err != nil {
		return "", ""
	}
	return rec.Country.ISOCode, rec.City.Names["en"]
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// OpenMMDB opens a MaxMind database file.
func OpenMMDB(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	DBPath          string             // location of the mmdb file
	RefreshURL      string             // empty disables refresh entirely
	RefreshSchedule string             // cron expression, default monthly
	Open            OpenFunc           // defaults to OpenMMDB
	Downloader      netutil.Downloader // used by the refresh
}

// Service is the lookup front backed by an optional scheduled refresh.
// An absent or unreadable database degrades to empty lookups.
type Service struct {
	mu     sync.RWMutex
	reader Reader

	dbPath     string
	refreshURL string
	open       OpenFunc
	downloader netutil.Downloader

	cron      *cron.Cron
	entryID   cron.EntryID
	refreshMu sync.Mutex
	lifeCtx   context.Context
	lifeStop  context.CancelFunc
}

// NewService builds a service; Start loads the database and begins the
// refresh schedule.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Open == nil {
		cfg.Open = OpenMMDB
	}
	if cfg.RefreshSchedule == "" {
		cfg.RefreshSchedule = "0 5 12 * *"
	}
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	s := &Service{
		dbPath:     cfg.DBPath,
		refreshURL: cfg.RefreshURL,
		open:       cfg.Open,
		downloader: cfg.Downloader,
		cron:       cron.New(),
		lifeCtx:    lifeCtx,
		lifeStop:   lifeStop,
	}

	if cfg.RefreshURL != "" {
		entryID, err := s.cron.AddFunc(cfg.RefreshSchedule, func() {
			if err := s.RefreshNow(); err != nil {
				log.Printf("[geoip] scheduled refresh failed: %v", err)
			}
		})
		if err != nil {
			log.Printf("[geoip] invalid cron expression %q: %v", cfg.RefreshSchedule, err)
		} else {
			s.entryID = entryID
		}
	}
	return s
}

// Start loads the local database when present and starts the scheduler.
// A stale or missing database triggers a background refresh when a
// refresh URL is configured.
func (s *Service) Start() error {
	if s.dbPath == "" {
		log.Printf("[geoip] no database configured, lookups disabled")
		return nil
	}

	info, err := os.Stat(s.dbPath)
	switch {
	case err == nil:
		if err := s.reload(); err != nil {
			log.Printf("[geoip] load %s: %v", s.dbPath, err)
		}
		if s.refreshURL != "" && s.isStale(info.ModTime()) {
			log.Printf("[geoip] database is stale, refreshing in background")
			go func() {
				if err := s.RefreshNow(); err != nil {
					log.Printf("[geoip] startup refresh failed: %v", err)
				}
			}()
		}
	case os.IsNotExist(err):
		if s.refreshURL != "" {
			log.Printf("[geoip] no local database, downloading in background")
			go func() {
				if err := s.RefreshNow(); err != nil {
					log.Printf("[geoip] initial download failed: %v", err)
				}
			}()
		}
	default:
		return fmt.Errorf("geoip: stat %s: %w", s.dbPath, err)
	}

	s.cron.Start()
	return nil
}

// isStale compares the file age against twice the gap between scheduled
// refreshes, tolerating missed firings while the process was down.
func (s *Service) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.entryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}
	now := time.Now()
	next := entry.Schedule.Next(now)
	interval := entry.Schedule.Next(next).Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop halts the scheduler and closes the reader.
func (s *Service) Stop() {
	s.lifeStop()
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup resolves an IP to country and city. Empty strings mean no data;
// this never fails.
func (s *Service) Lookup(ip string) (country, city string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return "", ""
	}
	return s.reader.Lookup(ip)
}

// RefreshNow downloads the database, validates it by opening, and swaps
// it in atomically. Serialized so the cron firing and a manual call
// cannot race on the temp file.
func (s *Service) RefreshNow() error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}
	if s.refreshURL == "" {
		return fmt.Errorf("geoip: no refresh url configured")
	}

	data, err := s.downloader.Download(s.lifeCtx, s.refreshURL)
	if err != nil {
		return fmt.Errorf("geoip: download: %w", err)
	}

	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("geoip: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.dbPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("geoip: close temp: %w", err)
	}

	// Validate before replacing: a truncated download must not clobber a
	// working database.
	probe, err := s.open(tmpPath)
	if err != nil {
		return fmt.Errorf("geoip: downloaded file is not a valid database: %w", err)
	}
	probe.Close()

	if err := os.Rename(tmpPath, s.dbPath); err != nil {
		return fmt.Errorf("geoip: replace database: %w", err)
	}
	log.Printf("[geoip] database refreshed, %d bytes", len(data))
	return s.reload()
}

// reload swaps the reader; lookups in flight finish on the old handle
// before it closes.
func (s *Service) reload() error {
	newReader, err := s.open(s.dbPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}
