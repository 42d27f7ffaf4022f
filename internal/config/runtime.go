package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Flag is a boolean that also accepts the legacy string forms "true" and
// "false" found in configs written by earlier releases.
type Flag bool

// Bool returns the plain boolean value.
func (f Flag) Bool() bool { return bool(f) }

func (f Flag) MarshalYAML() (any, error) { return bool(f), nil }

func (f *Flag) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("flag must be a boolean or \"true\"/\"false\"")
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		*f = true
	case "false", "no", "0", "":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	return nil
}

// SafetyURLs holds the per-sub-check test endpoints of the security probe.
type SafetyURLs struct {
	HTML    string `yaml:"html"`
	JSON    string `yaml:"json"`
	HTTPS   string `yaml:"https"`
	Headers string `yaml:"headers"`
	Delay   string `yaml:"delay"`
	Base64  string `yaml:"base64"`
}

// MainConfig is the `main` section: probe targets, timeouts, scoring bounds.
// Timeouts are numeric seconds except TimeoutBrowserMs (milliseconds),
// matching the units the original config files used.
type MainConfig struct {
	TimeoutCN          float64 `yaml:"timeout_cn"`
	TimeoutIntl        float64 `yaml:"timeout_intl"`
	TimeoutTransparent float64 `yaml:"timeout_transparent"`
	TimeoutIPInfo      float64 `yaml:"timeout_ipinfo"`
	TimeoutSafety      float64 `yaml:"timeout_safety"`
	TimeoutBrowserMs   int     `yaml:"timeout_browser"`

	TestURLCN          []string   `yaml:"test_url_cn"`
	TestURLIntl        []string   `yaml:"test_url_intl"`
	TestURLTransparent []string   `yaml:"test_url_transparent"`
	TestURLInfo        string     `yaml:"test_url_info"`
	TestURLBrowser     string     `yaml:"test_url_browser"`
	TestURLsSafety     SafetyURLs `yaml:"test_urls_safety"`

	ExpectedStatus   int     `yaml:"expected_status"`
	DNSTestDomain    string  `yaml:"dns_test_domain"`
	DoHServer        string  `yaml:"doh_server"`
	BehaviourDelayS  float64 `yaml:"behaviour_delay_s"`
	BrowserBodyToken string  `yaml:"browser_body_token"`

	CheckTransparent Flag `yaml:"check_transparent"`
	GetIPInfo        Flag `yaml:"get_ip_info"`

	MaxWorkers          int `yaml:"max_workers"`
	MaxScore            int `yaml:"max_score"`
	HighScoreAgency     int `yaml:"high_score_agency_scope"`
	NumberOfItemsPerRow int `yaml:"number_of_items_per_row"`

	DBFile string `yaml:"db_file"`
	OwnIP  string `yaml:"own_ip"`
}

// InterruptConfig is the `interrupt` section: checkpoint file layout.
type InterruptConfig struct {
	Dir          string `yaml:"interrupt_dir"`
	FileCrawl    string `yaml:"interrupt_file_crawl"`
	FileLoad     string `yaml:"interrupt_file_load"`
	FileExisting string `yaml:"interrupt_file_existing"`
	FileSafety   string `yaml:"interrupt_file_safety"`
	FileBrowser  string `yaml:"interrupt_file_browser"`
}

// APIConfig is the `api` section.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GitHubConfig is the `github` section used by the mirror sync.
type GitHubConfig struct {
	Token          string `yaml:"token"`
	DownURL        string `yaml:"down_url"`
	ActionsRepoAPI string `yaml:"actions_repo_api"`
	FileName       string `yaml:"file_name"`
}

// GeoIPConfig is the `geoip` section for the optional offline database.
type GeoIPConfig struct {
	DBPath          string `yaml:"db_path"`
	RefreshURL      string `yaml:"refresh_url"`
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// RuntimeConfig holds every hot-updatable setting, loaded from the YAML
// file named by WEIR_CONFIG. Unknown keys are tolerated and ignored.
type RuntimeConfig struct {
	Main      MainConfig      `yaml:"main"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	API       APIConfig       `yaml:"api"`
	GitHub    GitHubConfig    `yaml:"github"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Main: MainConfig{
			TimeoutCN:          6,
			TimeoutIntl:        10,
			TimeoutTransparent: 8,
			TimeoutIPInfo:      8,
			TimeoutSafety:      10,
			TimeoutBrowserMs:   30000,

			TestURLCN: []string{
				"http://connect.rom.miui.com/generate_204",
				"http://wifi.vivo.com.cn/generate_204",
			},
			TestURLIntl: []string{
				"https://www.gstatic.com/generate_204",
				"http://www.google.com/generate_204",
			},
			TestURLTransparent: []string{
				"https://api.ipify.org",
				"https://icanhazip.com",
				"https://ifconfig.me/ip",
			},
			TestURLInfo:    "https://ipinfo.io/json",
			TestURLBrowser: "https://httpbin.org/get",
			TestURLsSafety: SafetyURLs{
				HTML:    "http://example.com/",
				JSON:    "https://httpbin.org/json",
				HTTPS:   "https://httpbin.org/get",
				Headers: "https://httpbin.org/headers",
				Delay:   "https://httpbin.org/delay/2",
				Base64:  "https://httpbin.org/base64/SGVsbG8gV29ybGQ=",
			},

			ExpectedStatus:   204,
			DNSTestDomain:    "example.com",
			DoHServer:        "https://cloudflare-dns.com/dns-query",
			BehaviourDelayS:  5,
			BrowserBodyToken: "origin",

			CheckTransparent: true,
			GetIPInfo:        true,

			MaxWorkers:          100,
			MaxScore:            100,
			HighScoreAgency:     70,
			NumberOfItemsPerRow: 5,

			DBFile: "data/weir.db",
		},
		Interrupt: InterruptConfig{
			Dir:          "data/interrupt",
			FileCrawl:    "interrupted_crawl_proxies.csv",
			FileLoad:     "interrupted_load_proxies.csv",
			FileExisting: "interrupted_existing_proxies.csv",
			FileSafety:   "interrupted_safety_proxies.csv",
			FileBrowser:  "interrupted_browser_proxies.csv",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		GitHub: GitHubConfig{
			FileName: "proxies.csv",
		},
		GeoIP: GeoIPConfig{
			RefreshSchedule: "0 5 12 * *",
		},
	}
}

// Validate rejects settings that would break subsystems at runtime.
func (c *RuntimeConfig) Validate() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port: must be 1-65535, got %d", c.API.Port))
	}
	if c.Main.MaxWorkers <= 0 {
		errs = append(errs, "main.max_workers: must be positive")
	}
	if c.Main.MaxScore <= 0 {
		errs = append(errs, "main.max_score: must be positive")
	}
	if c.Main.HighScoreAgency < 0 || c.Main.HighScoreAgency > c.Main.MaxScore {
		errs = append(errs, "main.high_score_agency_scope: must be within [0, main.max_score]")
	}
	if c.Main.ExpectedStatus < 100 || c.Main.ExpectedStatus > 599 {
		errs = append(errs, fmt.Sprintf("main.expected_status: not an HTTP status: %d", c.Main.ExpectedStatus))
	}
	if c.Main.DBFile == "" {
		errs = append(errs, "main.db_file: must not be empty")
	}
	for name, v := range map[string]float64{
		"main.timeout_cn":          c.Main.TimeoutCN,
		"main.timeout_intl":        c.Main.TimeoutIntl,
		"main.timeout_transparent": c.Main.TimeoutTransparent,
		"main.timeout_ipinfo":      c.Main.TimeoutIPInfo,
		"main.timeout_safety":      c.Main.TimeoutSafety,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be positive seconds", name))
		}
	}
	if c.Main.TimeoutBrowserMs <= 0 {
		errs = append(errs, "main.timeout_browser: must be positive milliseconds")
	}
	if c.GeoIP.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.GeoIP.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("geoip.refresh_schedule: invalid cron expression %q: %v", c.GeoIP.RefreshSchedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("runtime config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Duration getters keep callers out of the float-seconds representation.

func (m MainConfig) CNTimeout() time.Duration          { return secondsToDuration(m.TimeoutCN) }
func (m MainConfig) IntlTimeout() time.Duration        { return secondsToDuration(m.TimeoutIntl) }
func (m MainConfig) TransparentTimeout() time.Duration { return secondsToDuration(m.TimeoutTransparent) }
func (m MainConfig) IPInfoTimeout() time.Duration      { return secondsToDuration(m.TimeoutIPInfo) }
func (m MainConfig) SafetyTimeout() time.Duration      { return secondsToDuration(m.TimeoutSafety) }
func (m MainConfig) BrowserTimeout() time.Duration {
	return time.Duration(m.TimeoutBrowserMs) * time.Millisecond
}
func (m MainConfig) BehaviourDelayThreshold() time.Duration {
	return secondsToDuration(m.BehaviourDelayS)
}

// CheckpointFile resolves the checkpoint filename for a batch kind. The
// security kind maps to the legacy "safety" key on disk.
func (i InterruptConfig) CheckpointFile(kind string) (string, error) {
	switch kind {
	case "crawl":
		return i.FileCrawl, nil
	case "load":
		return i.FileLoad, nil
	case "existing":
		return i.FileExisting, nil
	case "security":
		return i.FileSafety, nil
	case "browser":
		return i.FileBrowser, nil
	}
	return "", fmt.Errorf("config: unknown batch kind %q", kind)
}
