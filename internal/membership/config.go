package membership

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/memberd/internal/membership/reconcile"
	"github.com/rcourtman/memberd/internal/membership/stripe"
)

// Config holds all configuration for memberd. Values come from an optional
// YAML file (MEMBERD_CONFIG), then environment variables, which win.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	AdminKey      string `yaml:"admin_key"`
	PublicStatus  bool   `yaml:"public_status"`
	PublicMetrics bool   `yaml:"public_metrics"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	DatabaseURL string `yaml:"database_url"` // empty: SQLite under DataDir
	RedisURL    string `yaml:"redis_url"`    // empty: event ledger lives in the member store

	StripeWebhookSecrets []string      `yaml:"stripe_webhook_secrets"`
	StripeAPIKey         string        `yaml:"stripe_api_key"`
	WebhookTolerance     time.Duration `yaml:"webhook_tolerance"`

	PostmarkServerToken   string `yaml:"postmark_server_token"` // empty: emails are logged
	PostmarkMessageStream string `yaml:"postmark_message_stream"`
	EmailFrom             string `yaml:"email_from"`
	SiteName              string `yaml:"site_name"`
	PortalURL             string `yaml:"portal_url"`

	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	ReconcileBatchSize  int           `yaml:"reconcile_batch_size"`
	ReconcileBatchDelay time.Duration `yaml:"reconcile_batch_delay"`
	ReconcileTimeout    time.Duration `yaml:"reconcile_timeout"`
	ReconcileOnStart    bool          `yaml:"reconcile_on_start"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:               "/data",
		BindAddress:           "0.0.0.0",
		Port:                  8080,
		LogLevel:              "info",
		LogFormat:             "auto",
		WebhookTolerance:      stripe.DefaultTolerance,
		PostmarkMessageStream: "outbound",
		EmailFrom:             "membership@example.org",
		SiteName:              "Membership",
		ReconcileInterval:     reconcile.DefaultInterval,
		ReconcileBatchSize:    reconcile.DefaultBatchSize,
		ReconcileBatchDelay:   reconcile.DefaultBatchDelay,
		ReconcileTimeout:      reconcile.DefaultRunTimeout,
	}
}

// ReconcilerConfig returns the reconciler settings.
func (c *Config) ReconcilerConfig() reconcile.Config {
	return reconcile.Config{
		BatchSize:  c.ReconcileBatchSize,
		BatchDelay: c.ReconcileBatchDelay,
		RunTimeout: c.ReconcileTimeout,
	}
}

// LoadConfig loads the configuration needed to serve webhooks and admin
// requests. A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(true); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadReconcileConfig loads the configuration for a one-shot reconciliation,
// which needs neither the admin key nor the webhook secret.
func LoadReconcileConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(false); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("MEMBERD_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DataDir, "MEMBERD_DATA_DIR")
	setString(&c.BindAddress, "MEMBERD_BIND_ADDRESS")
	setString(&c.AdminKey, "MEMBERD_ADMIN_KEY")
	setString(&c.LogLevel, "MEMBERD_LOG_LEVEL")
	setString(&c.LogFormat, "MEMBERD_LOG_FORMAT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.StripeAPIKey, "STRIPE_API_KEY")
	setString(&c.PostmarkServerToken, "POSTMARK_SERVER_TOKEN")
	setString(&c.PostmarkMessageStream, "POSTMARK_MESSAGE_STREAM")
	setString(&c.EmailFrom, "MEMBERD_EMAIL_FROM")
	setString(&c.SiteName, "MEMBERD_SITE_NAME")
	setString(&c.PortalURL, "MEMBERD_PORTAL_URL")

	if v := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")); v != "" {
		c.StripeWebhookSecrets = splitList(v)
	}

	var err error
	if c.Port, err = envOrDefaultInt("MEMBERD_PORT", c.Port); err != nil {
		return err
	}
	if c.ReconcileBatchSize, err = envOrDefaultInt("RECONCILE_BATCH_SIZE", c.ReconcileBatchSize); err != nil {
		return err
	}
	if c.PublicStatus, err = envOrDefaultBool("MEMBERD_PUBLIC_STATUS", c.PublicStatus); err != nil {
		return err
	}
	if c.PublicMetrics, err = envOrDefaultBool("MEMBERD_PUBLIC_METRICS", c.PublicMetrics); err != nil {
		return err
	}
	if c.ReconcileOnStart, err = envOrDefaultBool("RECONCILE_ON_START", c.ReconcileOnStart); err != nil {
		return err
	}
	if c.WebhookTolerance, err = envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", c.WebhookTolerance); err != nil {
		return err
	}
	if c.ReconcileInterval, err = envOrDefaultDuration("RECONCILE_INTERVAL", c.ReconcileInterval); err != nil {
		return err
	}
	if c.ReconcileBatchDelay, err = envOrDefaultDuration("RECONCILE_BATCH_DELAY", c.ReconcileBatchDelay); err != nil {
		return err
	}
	if c.ReconcileTimeout, err = envOrDefaultDuration("RECONCILE_TIMEOUT", c.ReconcileTimeout); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate(serve bool) error {
	var missing []string
	if serve && c.AdminKey == "" {
		missing = append(missing, "MEMBERD_ADMIN_KEY")
	}
	if serve && len(c.StripeWebhookSecrets) == 0 {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MEMBERD_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_TOLERANCE must be greater than 0, got %s", c.WebhookTolerance)
	}
	if c.ReconcileBatchSize < 1 || c.ReconcileBatchSize > 1000 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be between 1 and 1000, got %d", c.ReconcileBatchSize)
	}
	if c.ReconcileBatchDelay < 0 {
		return fmt.Errorf("RECONCILE_BATCH_DELAY must not be negative, got %s", c.ReconcileBatchDelay)
	}
	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1m, got %s", c.ReconcileInterval)
	}
	if c.ReconcileTimeout <= 0 {
		return fmt.Errorf("RECONCILE_TIMEOUT must be greater than 0, got %s", c.ReconcileTimeout)
	}
	if c.DatabaseURL == "" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("MEMBERD_DATA_DIR is required when DATABASE_URL is not set")
	}

	if c.PortalURL != "" {
		parsed, err := url.Parse(c.PortalURL)
		if err != nil {
			return fmt.Errorf("MEMBERD_PORTAL_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("MEMBERD_PORTAL_URL must use http or https scheme")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s", "6h") or bare seconds.
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
