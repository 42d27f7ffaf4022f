// Package config handles environment-based configuration loading and the
// YAML runtime configuration model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Paths
	DataDir           string
	RuntimeConfigPath string

	// API
	ListenAddress   string // overrides api.host when non-empty
	ListenPort      int    // overrides api.port when > 0
	APIMaxBodyBytes int

	// Lease status write-behind
	StatusFlushThreshold int
	StatusFlushInterval  time.Duration
	StatusFlushCheckTick time.Duration

	// Release update queue
	ReleaseQueueSize int

	// Reaper
	ReaperInterval   time.Duration
	LeaseStaleAfter  time.Duration
	ReaperDeadCycle  int
	ReaperPurgeCycle int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// All invalid values are reported together in a single error.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DataDir = envStr("WEIR_DATA_DIR", "data")
	cfg.RuntimeConfigPath = envStr("WEIR_CONFIG", "weir.yaml")

	cfg.ListenAddress = strings.TrimSpace(envStr("WEIR_HOST", ""))
	cfg.ListenPort = envInt("WEIR_PORT", 0, &errs)
	cfg.APIMaxBodyBytes = envInt("WEIR_API_MAX_BODY_BYTES", 1<<20, &errs)

	cfg.StatusFlushThreshold = envInt("WEIR_STATUS_FLUSH_THRESHOLD", 64, &errs)
	cfg.StatusFlushInterval = envDuration("WEIR_STATUS_FLUSH_INTERVAL", 3*time.Second, &errs)
	cfg.StatusFlushCheckTick = envDuration("WEIR_STATUS_FLUSH_CHECK_TICK", time.Second, &errs)

	cfg.ReleaseQueueSize = envInt("WEIR_RELEASE_QUEUE_SIZE", 1024, &errs)

	cfg.ReaperInterval = envDuration("WEIR_REAPER_INTERVAL", 5*time.Minute, &errs)
	cfg.LeaseStaleAfter = envDuration("WEIR_LEASE_STALE_AFTER", 30*time.Minute, &errs)
	cfg.ReaperDeadCycle = envInt("WEIR_REAPER_DEAD_CYCLE", 6, &errs)
	cfg.ReaperPurgeCycle = envInt("WEIR_REAPER_PURGE_CYCLE", 12, &errs)

	// --- Validation ---
	if cfg.DataDir == "" {
		errs = append(errs, "WEIR_DATA_DIR must not be empty")
	}
	if cfg.RuntimeConfigPath == "" {
		errs = append(errs, "WEIR_CONFIG must not be empty")
	}
	if cfg.ListenPort != 0 {
		validatePort("WEIR_PORT", cfg.ListenPort, &errs)
	}
	validatePositive("WEIR_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("WEIR_STATUS_FLUSH_THRESHOLD", cfg.StatusFlushThreshold, &errs)
	if cfg.StatusFlushInterval <= 0 {
		errs = append(errs, "WEIR_STATUS_FLUSH_INTERVAL must be positive")
	}
	if cfg.StatusFlushCheckTick <= 0 {
		errs = append(errs, "WEIR_STATUS_FLUSH_CHECK_TICK must be positive")
	}
	validatePositive("WEIR_RELEASE_QUEUE_SIZE", cfg.ReleaseQueueSize, &errs)
	if cfg.ReaperInterval <= 0 {
		errs = append(errs, "WEIR_REAPER_INTERVAL must be positive")
	}
	if cfg.LeaseStaleAfter <= 0 {
		errs = append(errs, "WEIR_LEASE_STALE_AFTER must be positive")
	}
	validatePositive("WEIR_REAPER_DEAD_CYCLE", cfg.ReaperDeadCycle, &errs)
	validatePositive("WEIR_REAPER_PURGE_CYCLE", cfg.ReaperPurgeCycle, &errs)
	if cfg.ReaperPurgeCycle%cfg.ReaperDeadCycle != 0 && cfg.ReaperDeadCycle > 0 {
		// Purge rides on the dead-clean cadence; a non-multiple silently skews it.
		errs = append(errs, "WEIR_REAPER_PURGE_CYCLE must be a multiple of WEIR_REAPER_DEAD_CYCLE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
