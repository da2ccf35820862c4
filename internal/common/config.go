// -----------------------------------------------------------------------
// Last Modified: Tuesday, 18th August 2026 9:12:33 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"oneof=development staging production test"` // Controls seed/test URL validation
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Queue       QueueConfig     `toml:"queue"`
	Workers     WorkersConfig   `toml:"workers"`
	Sitemap     SitemapConfig   `toml:"sitemap"`
	Vault       VaultConfig     `toml:"vault"`
	Events      EventsConfig    `toml:"events"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Metrics     MetricsConfig   `toml:"metrics"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Seeds       SeedsConfig     `toml:"seeds"`
}

type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port" validate:"min=1,max=65535"`
	ReadTimeout  string `toml:"read_timeout"`  // HTTP read deadline
	WriteTimeout string `toml:"write_timeout"` // HTTP write deadline
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level         string   `toml:"level" validate:"oneof=debug info warn error"` // "debug", "info", "warn", "error"
	Output        []string `toml:"output"`                                       // "stdout", "file"
	MinEventLevel string   `toml:"min_event_level"`                              // Minimum log level to publish as live LOG events
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "60s" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before it is dropped
}

// WorkersConfig groups the per-queue worker pool settings
type WorkersConfig struct {
	Scanner  ScannerConfig  `toml:"scanner"`
	Google   GoogleConfig   `toml:"google"`
	IndexNow IndexNowConfig `toml:"indexnow"`
}

type ScannerConfig struct {
	Concurrency   int `toml:"concurrency" validate:"min=1"`     // Concurrent scanner handlers
	RatePerSecond int `toml:"rate_per_second" validate:"min=1"` // Token-bucket dequeue rate
	MaxDepth      int `toml:"max_depth"`                        // Sitemap index recursion cap
	Fanout        int `toml:"fanout"`                           // Child sitemap enqueue concurrency
	BatchSize     int `toml:"batch_size"`                       // URL upsert batch size
}

type GoogleConfig struct {
	Concurrency   int    `toml:"concurrency" validate:"min=1"`
	RatePerSecond int    `toml:"rate_per_second" validate:"min=1"`
	DailyQuota    int    `toml:"daily_quota"` // Per-project successful submissions per UTC day
	RequestGap    string `toml:"request_gap"` // Minimum delay between publish calls
	Endpoint      string `toml:"endpoint"`    // Indexing API publish endpoint
	TokenURL      string `toml:"token_url"`   // OAuth token endpoint override (tests)
}

type IndexNowConfig struct {
	Concurrency   int      `toml:"concurrency" validate:"min=1"`
	RatePerSecond int      `toml:"rate_per_second" validate:"min=1"`
	Parallelism   int      `toml:"parallelism"` // Concurrent endpoint submissions
	Timeout       string   `toml:"timeout"`     // Per-endpoint request deadline
	MinSplit      int      `toml:"min_split"`   // Smallest batch eligible for adaptive halving
	Endpoints     []string `toml:"endpoints"`   // Participating engine endpoints
}

// SitemapConfig contains fetcher behavior for sitemap retrieval
type SitemapConfig struct {
	RequestTimeout string `toml:"request_timeout"` // Per-request deadline
	MaxAttempts    int    `toml:"max_attempts"`    // Fetch attempts on network/5xx errors
	RetryBackoff   string `toml:"retry_backoff"`   // Base backoff, doubled per attempt
}

// VaultConfig holds the credential vault settings. The master passphrase is
// never read from TOML; it comes from the ENCRYPTION_KEY environment variable.
type VaultConfig struct {
	MasterKey string `toml:"-" validate:"omitempty,min=32"`
}

type EventsConfig struct {
	Broker    string `toml:"broker" validate:"oneof=none redis"` // Cross-instance mirror: "none" or "redis"
	RedisAddr string `toml:"redis_addr"`
	Buffer    int    `toml:"buffer"` // Per-subscriber send buffer
}

// WebSocketConfig contains configuration for the live jobs WebSocket surface
type WebSocketConfig struct {
	PingInterval string `toml:"ping_interval"` // Server heartbeat interval
	SendBuffer   int    `toml:"send_buffer"`   // Buffered events per connection
	AuthSecret   string `toml:"auth_secret"`   // HS256 secret for connection tokens
	MinLevel     string `toml:"min_level"`     // Minimum log level to broadcast
}

type MetricsConfig struct {
	Interval     string `toml:"interval"`      // Export period
	OTLPEndpoint string `toml:"otlp_endpoint"` // OTLP/HTTP collector; empty logs summaries instead
}

type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`
	SubmissionSweep string `toml:"submission_sweep"` // Cron spec for the daily auto-submit sweep
}

// SeedsConfig contains configuration for project seed file loading
type SeedsConfig struct {
	Dir string `toml:"dir"` // Directory containing project seed files (YAML)
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "60s",
			MaxReceive:        3,
		},
		Workers: WorkersConfig{
			Scanner: ScannerConfig{
				Concurrency:   10,
				RatePerSecond: 50,
				MaxDepth:      10,
				Fanout:        5,
				BatchSize:     500,
			},
			Google: GoogleConfig{
				Concurrency:   5,
				RatePerSecond: 10,
				DailyQuota:    200,
				RequestGap:    "1s",
				Endpoint:      "https://indexing.googleapis.com/v3/urlNotifications:publish",
			},
			IndexNow: IndexNowConfig{
				Concurrency:   3,
				RatePerSecond: 20,
				Parallelism:   4,
				Timeout:       "30s",
				MinSplit:      10,
				Endpoints: []string{
					"https://www.bing.com/indexnow",
					"https://yandex.com/indexnow",
					"https://search.seznam.cz/indexnow",
					"https://searchadvisor.naver.com/indexnow",
					"https://api.indexnow.org/indexnow",
				},
			},
		},
		Sitemap: SitemapConfig{
			RequestTimeout: "60s",
			MaxAttempts:    3,
			RetryBackoff:   "1s",
		},
		Events: EventsConfig{
			Broker: "none",
			Buffer: 256,
		},
		WebSocket: WebSocketConfig{
			PingInterval: "30s",
			SendBuffer:   256,
			MinLevel:     "info",
		},
		Metrics: MetricsConfig{
			Interval: "60s",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			SubmissionSweep: "0 3 * * *",
		},
		Seeds: SeedsConfig{
			Dir: "./seeds",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files override
// earlier files, environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment name (SITESYNC_ENV, with NODE_ENV honored for parity with
	// the hosted deployment images)
	if env := os.Getenv("SITESYNC_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("NODE_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if host := os.Getenv("SITESYNC_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SITESYNC_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("SITESYNC_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if level := os.Getenv("SITESYNC_LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if output := os.Getenv("SITESYNC_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Credential vault master passphrase (required; length enforced at startup)
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		config.Vault.MasterKey = key
	}

	// Metrics export target
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		config.Metrics.OTLPEndpoint = endpoint
	}

	// Event broker
	if broker := os.Getenv("SITESYNC_EVENTS_BROKER"); broker != "" {
		config.Events.Broker = broker
	}
	if addr := os.Getenv("SITESYNC_REDIS_ADDR"); addr != "" {
		config.Events.RedisAddr = addr
	}

	// WebSocket auth secret
	if secret := os.Getenv("SITESYNC_WS_AUTH_SECRET"); secret != "" {
		config.WebSocket.AuthSecret = secret
	}
}

// ApplyFlagOverrides applies command-line overrides, the highest priority
// configuration source. Zero values leave the loaded configuration untouched.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints on the configuration
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RequireMasterKey enforces the vault passphrase policy: present and at
// least 32 characters. Startup is fatal without it.
func (c *Config) RequireMasterKey() error {
	if len(c.Vault.MasterKey) == 0 {
		return fmt.Errorf("ENCRYPTION_KEY is not set; the credential vault cannot start")
	}
	if len(c.Vault.MasterKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters, got %d", len(c.Vault.MasterKey))
	}
	return nil
}

// ValidateScanSchedule validates a cron schedule expression for project scans
func ValidateScanSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
	}
	return nil
}

// ParseDurationOr parses a duration string, falling back to a default when
// the value is empty or malformed.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
