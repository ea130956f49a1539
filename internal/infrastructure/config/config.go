package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
	Payment   PaymentConfig
	Stripe    StripeConfig
	Alipay    AlipayConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string

	RateLimitEnabled  bool
	RateLimitRequests int           // requests allowed per window per client
	RateLimitWindow   time.Duration // sliding window size
}

// BillingConfig holds billing cycle orchestration settings
type BillingConfig struct {
	MaxConcurrentTenants int           // parallel tenant workers per pass
	DueBatchSize         int           // subscriptions fetched per pass
	InvoiceDueDays       int           // days from issue to due date
	WebhookDedupTTL      time.Duration // idempotency record lifetime
}

// SchedulerConfig holds the billing scheduler settings
type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration // time between billing passes
	PassTimeout time.Duration // deadline for a single pass
}

// PaymentConfig holds provider routing and fraud screening settings
type PaymentConfig struct {
	// ActiveProviders lists enabled providers in priority order,
	// e.g. ["stripe", "alipay"]. The first is tried first; the rest
	// serve as fallbacks on provider unavailability.
	ActiveProviders []string
	// FraudMediumThreshold is the risk score at or above which a charge
	// is flagged for review
	FraudMediumThreshold int
	// FraudHighThreshold is the risk score at or above which a charge
	// is declined
	FraudHighThreshold int
	// FraudAmountCeiling declines any single charge at or above this
	// amount regardless of score
	FraudAmountCeiling float64
	// ChargeTimeout bounds how long a single provider charge call may
	// block before counting as a provider failure
	ChargeTimeout time.Duration
}

// StripeConfig holds Stripe provider credentials
type StripeConfig struct {
	SecretKey           string
	WebhookSecret       string
	IsTestMode          bool
	StatementDescriptor string
}

// AlipayConfig holds Alipay provider credentials. Keys are PEM-encoded.
type AlipayConfig struct {
	AppID           string
	PrivateKey      string
	AlipayPublicKey string
	NotifyURL       string
	IsSandbox       bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // 0.0-1.0, 1.0 = 100%
	ServiceName       string
	Insecure          bool // non-TLS connection, development only
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SAASBILL_ prefix (e.g., SAASBILL_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SAASBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),

			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
		},
		Billing: BillingConfig{
			MaxConcurrentTenants: v.GetInt("billing.max_concurrent_tenants"),
			DueBatchSize:         v.GetInt("billing.due_batch_size"),
			InvoiceDueDays:       v.GetInt("billing.invoice_due_days"),
			WebhookDedupTTL:      v.GetDuration("billing.webhook_dedup_ttl"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     v.GetBool("scheduler.enabled"),
			Interval:    v.GetDuration("scheduler.interval"),
			PassTimeout: v.GetDuration("scheduler.pass_timeout"),
		},
		Payment: PaymentConfig{
			ActiveProviders:      v.GetStringSlice("payment.active_providers"),
			FraudMediumThreshold: v.GetInt("payment.fraud_medium_threshold"),
			FraudHighThreshold:   v.GetInt("payment.fraud_high_threshold"),
			FraudAmountCeiling:   v.GetFloat64("payment.fraud_amount_ceiling"),
			ChargeTimeout:        v.GetDuration("payment.charge_timeout"),
		},
		Stripe: StripeConfig{
			SecretKey:           v.GetString("stripe.secret_key"),
			WebhookSecret:       v.GetString("stripe.webhook_secret"),
			IsTestMode:          v.GetBool("stripe.is_test_mode"),
			StatementDescriptor: v.GetString("stripe.statement_descriptor"),
		},
		Alipay: AlipayConfig{
			AppID:           v.GetString("alipay.app_id"),
			PrivateKey:      v.GetString("alipay.private_key"),
			AlipayPublicKey: v.GetString("alipay.public_key"),
			NotifyURL:       v.GetString("alipay.notify_url"),
			IsSandbox:       v.GetBool("alipay.is_sandbox"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "saasbill-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "saasbill"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	// NOTE: CORS origins are intentionally not given a default fallback to "*".
	// An empty list means no cross-origin requests are allowed until explicitly
	// configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID"}
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if cfg.Billing.MaxConcurrentTenants == 0 {
		cfg.Billing.MaxConcurrentTenants = 8
	}
	if cfg.Billing.DueBatchSize == 0 {
		cfg.Billing.DueBatchSize = 500
	}
	if cfg.Billing.InvoiceDueDays == 0 {
		cfg.Billing.InvoiceDueDays = 7
	}
	if cfg.Billing.WebhookDedupTTL == 0 {
		cfg.Billing.WebhookDedupTTL = 48 * time.Hour
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Hour
	}
	if cfg.Scheduler.PassTimeout == 0 {
		cfg.Scheduler.PassTimeout = 30 * time.Minute
	}
	if len(cfg.Payment.ActiveProviders) == 0 {
		cfg.Payment.ActiveProviders = []string{"stripe"}
	}
	if cfg.Payment.FraudMediumThreshold == 0 {
		cfg.Payment.FraudMediumThreshold = 50
	}
	if cfg.Payment.FraudHighThreshold == 0 {
		cfg.Payment.FraudHighThreshold = 80
	}
	if cfg.Payment.FraudAmountCeiling == 0 {
		cfg.Payment.FraudAmountCeiling = 10000
	}
	if cfg.Payment.ChargeTimeout <= 0 {
		cfg.Payment.ChargeTimeout = 30 * time.Second
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "saasbill-backend"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Payment.FraudHighThreshold <= c.Payment.FraudMediumThreshold {
		return fmt.Errorf("payment.fraud_high_threshold (%d) must exceed payment.fraud_medium_threshold (%d)",
			c.Payment.FraudHighThreshold, c.Payment.FraudMediumThreshold)
	}
	for _, p := range c.Payment.ActiveProviders {
		switch p {
		case "stripe", "alipay":
		default:
			return fmt.Errorf("payment.active_providers contains unknown provider %q", p)
		}
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		for _, p := range c.Payment.ActiveProviders {
			if p == "stripe" {
				if c.Stripe.SecretKey == "" {
					return fmt.Errorf("stripe.secret_key is required when stripe is active in production")
				}
				if c.Stripe.WebhookSecret == "" {
					return fmt.Errorf("stripe.webhook_secret is required when stripe is active in production")
				}
				if c.Stripe.IsTestMode {
					return fmt.Errorf("stripe.is_test_mode must be false in production")
				}
			}
			if p == "alipay" && c.Alipay.AppID == "" {
				return fmt.Errorf("alipay.app_id is required when alipay is active in production")
			}
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
