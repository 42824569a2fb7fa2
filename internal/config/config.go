// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the capture server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 10 MB in bytes.
	defaultMaxMessageSize = 10 * 1024 * 1024

	defaultPort          = 8025
	defaultMaxRecipients = 1000
	defaultMaxEmails     = 100
	defaultReadTimeout   = 60 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	SMTP        SMTPConfig        `yaml:"smtp"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Filter      FilterConfig      `yaml:"filter"`
	Web         WebConfig         `yaml:"web"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Stdout      StdoutConfig      `yaml:"stdout"`
	TLS         TLSConfig         `yaml:"tls"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	Hostname    string `yaml:"hostname"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`

	// RequireAuth defaults to true when credentials are configured.
	RequireAuth *bool `yaml:"require_auth"`
	RequireTLS  bool  `yaml:"require_tls"`

	MaxMessageSize    int64         `yaml:"max_message_size"`
	MaxRecipients     int           `yaml:"max_recipients"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	BlockedRecipients []string      `yaml:"blocked_recipients"`
}

// PersistenceConfig holds in-memory store configuration.
type PersistenceConfig struct {
	MaxEmails int `yaml:"max_emails"`
}

// FilterConfig lists regular expressions of addresses whose mail is
// accepted but not passed to listeners.
type FilterConfig struct {
	Patterns []string `yaml:"patterns"`
}

// WebConfig holds the HTTP API configuration. An empty Listen disables it.
type WebConfig struct {
	Listen string `yaml:"listen"`
}

// WebhookConfig holds the outbound notification configuration.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// StdoutConfig toggles the stdout listener.
type StdoutConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TLSConfig holds STARTTLS settings. Without certificate files a
// self-signed certificate is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// RequireAuth reports whether clients must authenticate before MAIL.
func (c *Config) RequireAuth() bool {
	if c.SMTP.RequireAuth != nil {
		return *c.SMTP.RequireAuth && c.AuthEnabled()
	}
	return c.AuthEnabled()
}

// TLSFromFiles returns true if both certificate and key files are set.
func (c *Config) TLSFromFiles() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	if c.SMTP.MaxMessageSize < 0 {
		return fmt.Errorf("invalid smtp max_message_size %d", c.SMTP.MaxMessageSize)
	}
	if c.SMTP.RequireTLS && !c.TLS.Enabled {
		return fmt.Errorf("smtp require_tls needs tls enabled")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.BindAddress = "0.0.0.0"
	c.SMTP.Port = defaultPort
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = defaultMaxRecipients
	c.SMTP.ReadTimeout = defaultReadTimeout
	c.Persistence.MaxEmails = defaultMaxEmails
	c.Web.Listen = ":8080"
	c.TLS.Enabled = true
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_BIND_ADDRESS"); v != "" {
		c.SMTP.BindAddress = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_REQUIRE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.RequireAuth = &b
		}
	}
	if v := os.Getenv("SMTP_REQUIRE_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.RequireTLS = b
		}
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxRecipients = n
		}
	}
	if v := os.Getenv("SMTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("SMTP_BLOCKED_RECIPIENTS"); v != "" {
		c.SMTP.BlockedRecipients = splitList(v)
	}

	if v := os.Getenv("PERSISTENCE_MAX_EMAILS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Persistence.MaxEmails = n
		}
	}
	if v := os.Getenv("FILTER_PATTERNS"); v != "" {
		c.Filter.Patterns = splitList(v)
	}

	if v := os.Getenv("WEB_LISTEN"); v != "" {
		c.Web.Listen = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("STDOUT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Stdout.Enabled = b
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Enabled = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma separated value, dropping blank entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
