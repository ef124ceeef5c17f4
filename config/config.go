package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Smartfeed   SmartfeedConfig   `yaml:"smartfeed"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Stream      StreamConfig      `yaml:"stream"`
	Historical  HistoricalConfig  `yaml:"historical"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type SmartfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// CredentialsConfig carries the four opaque values the upstream requires
// on every authenticated call. They are consumed here, never produced;
// session establishment happens outside this process.
type CredentialsConfig struct {
	AccessToken string `yaml:"access_token"`
	APIKey      string `yaml:"api_key"`
	ClientID    string `yaml:"client_id"`
	FeedToken   string `yaml:"feed_token"`
}

// Complete reports whether every credential field is present.
func (c CredentialsConfig) Complete() bool {
	return c.AccessToken != "" && c.APIKey != "" && c.ClientID != "" && c.FeedToken != ""
}

type StreamConfig struct {
	URL                  string        `yaml:"url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	SendRetryAttempts    int           `yaml:"send_retry_attempts"`
	SendRetryDelay       time.Duration `yaml:"send_retry_delay"`
}

type HistoricalConfig struct {
	URL           string        `yaml:"url"`
	ThrottleFloor time.Duration `yaml:"throttle_floor"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	PrometheusAddress   string        `yaml:"prometheus_address"`
	CloudWatchEnabled   bool          `yaml:"cloudwatch_enabled"`
	CloudWatchRegion    string        `yaml:"cloudwatch_region"`
	CloudWatchNamespace string        `yaml:"cloudwatch_namespace"`
	ReportInterval      time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	defaultStreamURL            = "wss://smartapisocket.angelone.in/smart-stream"
	defaultHistoricalURL        = "https://apiconnect.angelone.in"
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectBaseDelay   = time.Second
	defaultMaxReconnectAttempts = 100
	defaultSendRetryAttempts    = 10
	defaultSendRetryDelay       = 500 * time.Millisecond
	defaultThrottleFloor        = 350 * time.Millisecond
	defaultFetchTimeout         = 10 * time.Second
)

// envPattern matches ${VAR} placeholders inside the YAML document.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(os.Getenv(name))
	})
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config.yml", map[string]string{
		environmentProduction: "config.production.yml",
		environmentStaging:    "config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials may also arrive through the environment, which takes
	// precedence over values in the file.
	if v := os.Getenv("SMARTAPI_ACCESS_TOKEN"); v != "" {
		config.Credentials.AccessToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMARTAPI_API_KEY"); v != "" {
		config.Credentials.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMARTAPI_CLIENT_ID"); v != "" {
		config.Credentials.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMARTAPI_FEED_TOKEN"); v != "" {
		config.Credentials.FeedToken = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = defaultStreamURL
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		cfg.Stream.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Stream.ReconnectBaseDelay <= 0 {
		cfg.Stream.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if cfg.Stream.MaxReconnectAttempts <= 0 {
		cfg.Stream.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.Stream.SendRetryAttempts <= 0 {
		cfg.Stream.SendRetryAttempts = defaultSendRetryAttempts
	}
	if cfg.Stream.SendRetryDelay <= 0 {
		cfg.Stream.SendRetryDelay = defaultSendRetryDelay
	}
	if cfg.Historical.URL == "" {
		cfg.Historical.URL = defaultHistoricalURL
	}
	if cfg.Historical.ThrottleFloor <= 0 {
		cfg.Historical.ThrottleFloor = defaultThrottleFloor
	}
	if cfg.Historical.FetchTimeout <= 0 {
		cfg.Historical.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Historical.Retry.MaxAttempts <= 0 {
		cfg.Historical.Retry.MaxAttempts = 1
	}
	if cfg.Historical.Retry.BaseDelay <= 0 {
		cfg.Historical.Retry.BaseDelay = time.Second
	}
	if cfg.Historical.Retry.MaxDelay <= 0 {
		cfg.Historical.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8390"
	}
	if cfg.Metrics.PrometheusAddress == "" {
		cfg.Metrics.PrometheusAddress = "0.0.0.0:2112"
	}
	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = time.Minute
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Smartfeed.Name == "" {
		return fmt.Errorf("smartfeed.name is required")
	}
	if cfg.Smartfeed.Version == "" {
		return fmt.Errorf("smartfeed.version is required")
	}
	if !strings.HasPrefix(cfg.Stream.URL, "ws://") && !strings.HasPrefix(cfg.Stream.URL, "wss://") {
		return fmt.Errorf("stream.url '%s' must be a ws:// or wss:// URL", cfg.Stream.URL)
	}
	if !strings.HasPrefix(cfg.Historical.URL, "http://") && !strings.HasPrefix(cfg.Historical.URL, "https://") {
		return fmt.Errorf("historical.url '%s' must be an http(s) URL", cfg.Historical.URL)
	}
	if IsProductionLike(AppEnvironment()) && !cfg.Credentials.Complete() {
		return fmt.Errorf("credentials are incomplete: access_token, api_key, client_id and feed_token are all required")
	}
	return nil
}
