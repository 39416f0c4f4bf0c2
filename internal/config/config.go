package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Channel  ChannelConfig  `yaml:"channel"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Quota    QuotaConfig    `yaml:"quota"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ChannelConfig selects and configures the outbound messaging channel
type ChannelConfig struct {
	// ID identifies the channel for quota accounting (e.g. SIM slot or provider account)
	ID string `yaml:"id"`

	// Type is "smtp" (email-to-SMS gateway) or "http" (provider REST API)
	Type string `yaml:"type"`

	// MaxUnitLen is the largest text length a single physical send carries.
	// Longer messages are split into parts and tracked as one outcome.
	MaxUnitLen int `yaml:"max_unit_len"`

	SMTP SMTPChannelConfig `yaml:"smtp"`
	HTTP HTTPChannelConfig `yaml:"http"`
}

// SMTPChannelConfig configures the email-to-SMS gateway channel
type SMTPChannelConfig struct {
	Addr          string        `yaml:"addr"`           // host:port of the gateway MTA
	From          string        `yaml:"from"`           // envelope sender
	GatewayDomain string        `yaml:"gateway_domain"` // recipient address becomes <number>@gateway_domain
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
}

// HTTPChannelConfig configures the HTTP provider channel
type HTTPChannelConfig struct {
	SendURL string        `yaml:"send_url"`
	APIKey  string        `yaml:"api_key"`
	Sender  string        `yaml:"sender"` // originating address reported to the provider
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig tunes the dispatch loop
type DispatchConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`         // inter-message delay, jittered ±20%
	StartupDelay     time.Duration `yaml:"startup_delay"`      // grace delay before the first send
	MaxRetryAttempts int           `yaml:"max_retry_attempts"` // per-recipient send attempts
	RetryDelay       time.Duration `yaml:"retry_delay"`        // fixed delay between attempts
	SendTimeout      time.Duration `yaml:"send_timeout"`       // wait for async sent confirmation
	SessionTimeout   time.Duration `yaml:"session_timeout"`    // hard cap on a whole session
}

// QuotaConfig configures the per-channel daily send quota
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// SessionsConfig configures session history retention
type SessionsConfig struct {
	HistoryLimit int `yaml:"history_limit"` // oldest evicted beyond this
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Manual TLS certificate; ignored when ACME is enabled
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	ACME ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings for the callback listener.
// Providers typically require HTTPS for delivery callbacks.
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Channel.ID == "" {
		c.Channel.ID = "default"
	}
	if c.Channel.Type == "" {
		c.Channel.Type = "http"
	}
	if c.Channel.MaxUnitLen == 0 {
		c.Channel.MaxUnitLen = 160
	}
	if c.Channel.SMTP.Timeout == 0 {
		c.Channel.SMTP.Timeout = 30 * time.Second
	}
	if c.Channel.HTTP.Timeout == 0 {
		c.Channel.HTTP.Timeout = 30 * time.Second
	}

	if c.Dispatch.BaseDelay == 0 {
		c.Dispatch.BaseDelay = 5 * time.Second
	}
	if c.Dispatch.StartupDelay == 0 {
		c.Dispatch.StartupDelay = 2 * time.Second
	}
	if c.Dispatch.MaxRetryAttempts == 0 {
		c.Dispatch.MaxRetryAttempts = 3
	}
	if c.Dispatch.RetryDelay == 0 {
		c.Dispatch.RetryDelay = 3 * time.Second
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.SessionTimeout == 0 {
		c.Dispatch.SessionTimeout = 10 * time.Minute
	}

	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = 40
	}

	if c.Sessions.HistoryLimit == 0 {
		c.Sessions.HistoryLimit = 20
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/herald/herald.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.ACME.CacheDir == "" {
		c.API.ACME.CacheDir = "/var/lib/herald/certs"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Channel.Type {
	case "smtp":
		if c.Channel.SMTP.Addr == "" {
			return fmt.Errorf("channel.smtp.addr is required for the smtp channel")
		}
		if c.Channel.SMTP.GatewayDomain == "" {
			return fmt.Errorf("channel.smtp.gateway_domain is required for the smtp channel")
		}
		if c.Channel.SMTP.From == "" {
			return fmt.Errorf("channel.smtp.from is required for the smtp channel")
		}
	case "http":
		if c.Channel.HTTP.SendURL == "" {
			return fmt.Errorf("channel.http.send_url is required for the http channel")
		}
	default:
		return fmt.Errorf("unknown channel type %q (expected smtp or http)", c.Channel.Type)
	}

	if c.Channel.MaxUnitLen < 0 {
		return fmt.Errorf("channel.max_unit_len must not be negative")
	}
	if c.Quota.DailyLimit < 0 {
		return fmt.Errorf("quota.daily_limit must not be negative")
	}
	if c.Sessions.HistoryLimit < 1 {
		return fmt.Errorf("sessions.history_limit must be at least 1")
	}
	if c.Dispatch.MaxRetryAttempts < 1 {
		return fmt.Errorf("dispatch.max_retry_attempts must be at least 1")
	}

	if c.API.ACME.Enabled && len(c.API.ACME.Domains) == 0 {
		return fmt.Errorf("api.acme.domains is required when ACME is enabled")
	}
	if (c.API.CertFile == "") != (c.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file must be set together")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	return nil
}
