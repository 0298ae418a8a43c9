package qadoc

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/logger"
)

// LLM providers.
const (
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Config holds all service configuration.
type Config struct {
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Crawl     CrawlConfig     `json:"crawl" yaml:"crawl"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	API       APIConfig       `json:"api" yaml:"api"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// LLMConfig configures the generative-text service.
type LLMConfig struct {
	// Provider is "gemini" or "mock"
	Provider          string        `json:"provider" yaml:"provider"`
	APIKey            string        `json:"api_key" yaml:"api_key"`
	Model             string        `json:"model" yaml:"model"`
	Temperature       float32       `json:"temperature" yaml:"temperature"`
	MaxTokens         int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// CrawlConfig configures page loading.
type CrawlConfig struct {
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	SettleDelay       time.Duration `json:"settle_delay" yaml:"settle_delay"`
	ViewportWidth     int           `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height" yaml:"viewport_height"`
	UserAgent         string        `json:"user_agent" yaml:"user_agent"`
	Headless          bool          `json:"headless" yaml:"headless"`
	IgnoreHTTPSErrors bool          `json:"ignore_https_errors" yaml:"ignore_https_errors"`
}

// RateLimitConfig configures per-domain admission.
type RateLimitConfig struct {
	// RequestsPerMinute is the default for jobs that do not set one.
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	Window            time.Duration `json:"window" yaml:"window"`
	Inactivity        time.Duration `json:"inactivity" yaml:"inactivity"`
	BackoffDelay      time.Duration `json:"backoff_delay" yaml:"backoff_delay"`
	// Path keeps admissions in a BoltDB file; empty keeps them in memory.
	Path string `json:"path" yaml:"path"`
}

// CacheConfig configures the page snapshot cache.
type CacheConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	// Path keeps snapshots in a BoltDB file; empty keeps them in memory.
	Path string `json:"path" yaml:"path"`
}

// StoreConfig selects the job and document store.
type StoreConfig struct {
	// Driver is "bolt", "memory" or "postgres"
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count int `json:"count" yaml:"count"`
	// QueuePath persists the dispatch queue; empty keeps it in memory.
	QueuePath      string `json:"queue_path" yaml:"queue_path"`
	URLConcurrency int    `json:"url_concurrency" yaml:"url_concurrency"`
}

// APIConfig configures the REST server.
type APIConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	SubmitPerMinute int    `json:"submit_per_minute" yaml:"submit_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          ProviderGemini,
			Model:             "gemini-2.5-flash",
			Temperature:       0.7,
			MaxTokens:         2000,
			Timeout:           60 * time.Second,
			RequestsPerMinute: 60,
		},
		Crawl: CrawlConfig{
			Timeout:           30 * time.Second,
			SettleDelay:       5 * time.Second,
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			UserAgent:         "qadocgen/1.0",
			Headless:          true,
			IgnoreHTTPSErrors: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 10,
			Window:            60 * time.Second,
			Inactivity:        120 * time.Second,
			BackoffDelay:      60 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        300 * time.Second,
			MaxEntries: 1000,
		},
		Store: StoreConfig{
			Driver: "bolt",
			Path:   "data/qadocgen.db",
		},
		Worker: WorkerConfig{
			Count:          1,
			QueuePath:      "data/queue.db",
			URLConcurrency: 1,
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			SubmitPerMinute: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML) over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		config = DefaultConfig()
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile writes JSON when path ends in .json, YAML otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the environment variables the service understands.
// Durations given as bare integers are seconds.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return qaerrors.NewConfigurationError(key, fmt.Sprintf("not an integer: %q", v))
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := parseSeconds(v)
		if err != nil {
			return qaerrors.NewConfigurationError(key, err.Error())
		}
		*dst = d
		return nil
	}

	str("LLM_API_KEY", &c.LLM.APIKey)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("API_HOST", &c.API.Host)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("DATABASE_URL", &c.Store.DSN)
	str("LOG_LEVEL", &c.Log.Level)

	for _, err := range []error{
		dur("DEFAULT_CRAWL_TIMEOUT", &c.Crawl.Timeout),
		dur("DEFAULT_WAIT_FOR_LOAD", &c.Crawl.SettleDelay),
		num("DEFAULT_RATE_LIMIT_REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute),
		num("API_PORT", &c.API.Port),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration: %q", v)
	}
	return d, nil
}

// Validate validates the configuration. A missing API key is a
// configuration error unless the mock provider is selected.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini:
		if c.LLM.APIKey == "" {
			return qaerrors.NewConfigurationError("LLM_API_KEY", "LLM_API_KEY environment variable is required")
		}
	case ProviderMock:
	default:
		return qaerrors.NewConfigurationError("llm.provider", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}

	if c.LLM.MaxTokens <= 0 {
		return qaerrors.NewConfigurationError("llm.max_tokens", "must be positive")
	}
	if c.Crawl.Timeout <= 0 {
		return qaerrors.NewConfigurationError("DEFAULT_CRAWL_TIMEOUT", "must be positive")
	}
	if c.Crawl.SettleDelay < 0 {
		return qaerrors.NewConfigurationError("DEFAULT_WAIT_FOR_LOAD", "must not be negative")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return qaerrors.NewConfigurationError("DEFAULT_RATE_LIMIT_REQUESTS_PER_MINUTE", "must be positive")
	}
	if c.Worker.Count < 1 {
		return qaerrors.NewConfigurationError("worker.count", "must be at least 1")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return qaerrors.NewConfigurationError("API_PORT", fmt.Sprintf("out of range: %d", c.API.Port))
	}

	switch c.Store.Driver {
	case "", "bolt":
		if c.Store.Path == "" {
			return qaerrors.NewConfigurationError("STORE_PATH", "bolt store requires a path")
		}
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return qaerrors.NewConfigurationError("DATABASE_URL", "postgres store requires a DSN")
		}
	default:
		return qaerrors.NewConfigurationError("STORE_DRIVER", fmt.Sprintf("unknown driver %q", c.Store.Driver))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return qaerrors.NewConfigurationError("LOG_LEVEL", err.Error())
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
