package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Portal    PortalConfig
	Workers   WorkersConfig
	Lock      LockConfig
	Retry     RetryConfig
	Timeout   TimeoutConfig
	Ledger    LedgerConfig
	Sink      SinkConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the run status HTTP server.
type ServerConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string // default: "127.0.0.1:8090"
	Mode string // "debug", "release", "test"; default: "release"

	// APIKeys guards /api/v1/status; empty leaves it open.
	APIKeys []string
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// DefaultProxy is the proxy URL for the browser and the RPC client.
	DefaultProxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// NavigationTimeout is the max time for page.Navigate alone.
	NavigationTimeout time.Duration // default: 45s

	// BlockedResourceTypes lists resource types to block on portal pages.
	// default: ["Image", "Font", "Media"]
	BlockedResourceTypes []string
}

// PortalConfig describes the analytics portal and its login form.
type PortalConfig struct {
	BaseURL  string // default: "https://portal.example.com"
	RPCPath  string // default: "/rpc"
	LoginURL string // default: BaseURL + "/login"

	Email    string
	Password string

	// Login form selectors.
	EmailSelector    string // default: "input[name=email]"
	PasswordSelector string // default: "input[name=password]"
	SubmitSelector   string // default: "button[type=submit]"
	LoggedInSelector string // default: "[data-test=user-menu]"

	// Database is the regional database queried for every domain.
	Database string // default: "us"

	// CatalogPath optionally replaces the built-in probe catalog (JSON).
	CatalogPath string

	// SessionFile holds the shared cookie state written after login.
	SessionFile string // default: "var/session.json"

	// SessionMaxAge bounds how old a persisted session may be to be reused.
	SessionMaxAge time.Duration // default: 6h
}

// WorkersConfig controls work distribution and per-item behaviour.
type WorkersConfig struct {
	// Count is the number of workers the pool is partitioned into.
	Count int // default: 3

	// ItemsFile is the JSON item pool used when no Postgres DSN is set.
	ItemsFile string // default: "var/items.json"

	// RecheckAfter re-admits settled items older than this.
	RecheckAfter time.Duration // default: 720h

	// NAThreshold is the organic traffic floor below which an item is na.
	NAThreshold float64 // default: 1000

	// ProbeParallelism bounds concurrent probes per item.
	ProbeParallelism int // default: 4

	// AssignmentFile records the computed partition for observability.
	AssignmentFile string // default: "var/assignment.json"
}

// LockConfig controls the shared auth token.
type LockConfig struct {
	Dir          string        // default: "var/lock"
	StaleAfter   time.Duration // default: 300s
	PollInterval time.Duration // default: 5s
	WaitCeiling  time.Duration // default: 300s
}

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxRetries int           // default: 3
	BaseDelay  time.Duration // default: 2s
}

// TimeoutConfig holds base timeouts and clamp bands per probe class.
type TimeoutConfig struct {
	SimpleBase time.Duration // default: 30s
	HeavyBase  time.Duration // default: 60s
	SimpleMin  time.Duration // default: 15s
	SimpleMax  time.Duration // default: 90s
	HeavyMin   time.Duration // default: 20s
	HeavyMax   time.Duration // default: 180s
}

// LedgerConfig controls the probe performance history.
type LedgerConfig struct {
	Window int    // default: 20
	Path   string // default: "var/ledger.json"
}

// SinkConfig selects result destinations.
type SinkConfig struct {
	// JSONLPath appends one line per result; empty disables.
	JSONLPath string // default: "var/results.jsonl"

	// XLSXPath, when set, exports the JSONL log to a workbook after a run.
	XLSXPath string

	// PostgresDSN enables the Postgres item source and result sink.
	PostgresDSN string

	// PostgresSchema is the schema holding the shops table.
	PostgresSchema string // default: "public"

	// PostgresMaxConns bounds the pool.
	PostgresMaxConns int // default: 4

	// ViaBouncer switches to the simple protocol for PgBouncer.
	ViaBouncer bool
}

// WebhookConfig controls the run summary notification.
type WebhookConfig struct {
	URL    string
	Secret string
}

// RateLimitConfig paces portal RPC calls per client.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained RPC rate.
	RequestsPerSecond float64 // default: 2

	// Burst is the maximum burst size.
	Burst int // default: 4

	// CacheTTL keeps identical RPC responses for reuse across probes.
	// Zero disables the cache.
	CacheTTL time.Duration // default: 2m

	// CacheEntries bounds the response cache.
	CacheEntries int // default: 512
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	baseURL := strings.TrimRight(envOr("SHOPMETRICS_PORTAL_URL", "https://portal.example.com"), "/")
	return &Config{
		Server: ServerConfig{
			Addr:    envOr("SHOPMETRICS_STATUS_ADDR", "127.0.0.1:8090"),
			Mode:    envOr("SHOPMETRICS_MODE", "release"),
			APIKeys: envSliceOr("SHOPMETRICS_API_KEYS", nil),
		},
		Browser: BrowserConfig{
			Headless:          envBoolOr("SHOPMETRICS_HEADLESS", true),
			DefaultProxy:      os.Getenv("SHOPMETRICS_PROXY"),
			NoSandbox:         envBoolOr("SHOPMETRICS_NO_SANDBOX", false),
			BrowserBin:        os.Getenv("SHOPMETRICS_BROWSER_BIN"),
			NavigationTimeout: envDurationOr("SHOPMETRICS_NAV_TIMEOUT", 45*time.Second),
			BlockedResourceTypes: envSliceOr("SHOPMETRICS_BLOCKED_RESOURCES", []string{
				"Image", "Font", "Media",
			}),
		},
		Portal: PortalConfig{
			BaseURL:          baseURL,
			RPCPath:          envOr("SHOPMETRICS_RPC_PATH", "/rpc"),
			LoginURL:         envOr("SHOPMETRICS_LOGIN_URL", baseURL+"/login"),
			Email:            os.Getenv("SHOPMETRICS_EMAIL"),
			Password:         os.Getenv("SHOPMETRICS_PASSWORD"),
			EmailSelector:    envOr("SHOPMETRICS_SEL_EMAIL", "input[name=email]"),
			PasswordSelector: envOr("SHOPMETRICS_SEL_PASSWORD", "input[name=password]"),
			SubmitSelector:   envOr("SHOPMETRICS_SEL_SUBMIT", "button[type=submit]"),
			LoggedInSelector: envOr("SHOPMETRICS_SEL_LOGGED_IN", "[data-test=user-menu]"),
			Database:         envOr("SHOPMETRICS_DATABASE", "us"),
			CatalogPath:      os.Getenv("SHOPMETRICS_PROBE_CATALOG"),
			SessionFile:      envOr("SHOPMETRICS_SESSION_FILE", "var/session.json"),
			SessionMaxAge:    envDurationOr("SHOPMETRICS_SESSION_MAX_AGE", 6*time.Hour),
		},
		Workers: WorkersConfig{
			Count:            envIntOr("SHOPMETRICS_WORKERS", 3),
			ItemsFile:        envOr("SHOPMETRICS_ITEMS_FILE", "var/items.json"),
			RecheckAfter:     envDurationOr("SHOPMETRICS_RECHECK_AFTER", 720*time.Hour),
			NAThreshold:      envFloatOr("SHOPMETRICS_NA_THRESHOLD", 1000),
			ProbeParallelism: envIntOr("SHOPMETRICS_PROBE_PARALLELISM", 4),
			AssignmentFile:   envOr("SHOPMETRICS_ASSIGNMENT_FILE", "var/assignment.json"),
		},
		Lock: LockConfig{
			Dir:          envOr("SHOPMETRICS_LOCK_DIR", "var/lock"),
			StaleAfter:   envDurationOr("SHOPMETRICS_LOCK_STALE", 300*time.Second),
			PollInterval: envDurationOr("SHOPMETRICS_LOCK_POLL", 5*time.Second),
			WaitCeiling:  envDurationOr("SHOPMETRICS_LOCK_WAIT", 300*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: envIntOr("SHOPMETRICS_MAX_RETRIES", 3),
			BaseDelay:  envDurationOr("SHOPMETRICS_RETRY_BASE", 2*time.Second),
		},
		Timeout: TimeoutConfig{
			SimpleBase: envDurationOr("SHOPMETRICS_TIMEOUT_SIMPLE", 30*time.Second),
			HeavyBase:  envDurationOr("SHOPMETRICS_TIMEOUT_HEAVY", 60*time.Second),
			SimpleMin:  envDurationOr("SHOPMETRICS_TIMEOUT_SIMPLE_MIN", 15*time.Second),
			SimpleMax:  envDurationOr("SHOPMETRICS_TIMEOUT_SIMPLE_MAX", 90*time.Second),
			HeavyMin:   envDurationOr("SHOPMETRICS_TIMEOUT_HEAVY_MIN", 20*time.Second),
			HeavyMax:   envDurationOr("SHOPMETRICS_TIMEOUT_HEAVY_MAX", 180*time.Second),
		},
		Ledger: LedgerConfig{
			Window: envIntOr("SHOPMETRICS_LEDGER_WINDOW", 20),
			Path:   envOr("SHOPMETRICS_LEDGER_PATH", "var/ledger.json"),
		},
		Sink: SinkConfig{
			JSONLPath:        envOr("SHOPMETRICS_RESULTS_FILE", "var/results.jsonl"),
			XLSXPath:         os.Getenv("SHOPMETRICS_XLSX_FILE"),
			PostgresDSN:      os.Getenv("SHOPMETRICS_PG_DSN"),
			PostgresSchema:   envOr("SHOPMETRICS_PG_SCHEMA", "public"),
			PostgresMaxConns: envIntOr("SHOPMETRICS_PG_MAX_CONNS", 4),
			ViaBouncer:       envBoolOr("SHOPMETRICS_PG_BOUNCER", false),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("SHOPMETRICS_WEBHOOK_URL"),
			Secret: os.Getenv("SHOPMETRICS_WEBHOOK_SECRET"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("SHOPMETRICS_RPC_RPS", 2.0),
			Burst:             envIntOr("SHOPMETRICS_RPC_BURST", 4),
			CacheTTL:          envDurationOr("SHOPMETRICS_RPC_CACHE_TTL", 2*time.Minute),
			CacheEntries:      envIntOr("SHOPMETRICS_RPC_CACHE_ENTRIES", 512),
		},
		Log: LogConfig{
			Level:  envOr("SHOPMETRICS_LOG_LEVEL", "info"),
			Format: envOr("SHOPMETRICS_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
