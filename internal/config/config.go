package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	DatabaseDriver       string
	DatabaseURL          string
	DatabaseMaxOpenConns int

	SessionTTL           time.Duration
	SessionCookieName    string
	SessionCookieSecure  bool
	SessionTokenPepper   string
	SessionSweepInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LoginRateLimitRPM int
	APIRateLimitRPM   int
	RateLimitFailOpen bool
	CORSOrigins       []string
	TrustProxyHeaders bool

	LookupMissCacheTTL time.Duration

	RabbitMQURL string
	EventsQueue string

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	PrometheusEnabled         bool

	ShutdownTimeout time.Duration

	BootstrapAdminUsername string
	BootstrapAdminPassword string
	BootstrapAdminName     string
	BootstrapAdminTagID    string
}

func (c *Config) IsProd() bool { return normalizeConfigProfile(c.Env) == "prod" }

// LoadEnvFile loads KEY=VALUE pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("open env file: %s is a directory", path)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

func Load() (*Config, error) {
	cfg, err := load()
	profile := "unknown"
	if cfg != nil {
		profile = cfg.Env
	}
	if err != nil {
		recordLoadEvent(context.Background(), profile, "error", describeLoadError(err))
		return nil, err
	}
	recordLoadEvent(context.Background(), profile, "success", describeLoadError(nil))
	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	p := parser{v: v}
	cfg := &Config{
		Env:                       strings.TrimSpace(v.GetString("app_env")),
		HTTPAddr:                  v.GetString("http_addr"),
		LogLevel:                  strings.ToLower(v.GetString("log_level")),
		DatabaseDriver:            strings.ToLower(strings.TrimSpace(v.GetString("database_driver"))),
		DatabaseURL:               v.GetString("database_url"),
		DatabaseMaxOpenConns:      p.int("database_max_open_conns"),
		SessionCookieName:         v.GetString("session_cookie_name"),
		SessionCookieSecure:       p.bool("session_cookie_secure"),
		SessionTokenPepper:        v.GetString("session_token_pepper"),
		SessionSweepInterval:      p.duration("session_sweep_interval"),
		RedisAddr:                 v.GetString("redis_addr"),
		RedisPassword:             v.GetString("redis_password"),
		RedisDB:                   p.int("redis_db"),
		LoginRateLimitRPM:         p.int("login_rate_limit_rpm"),
		APIRateLimitRPM:           p.int("api_rate_limit_rpm"),
		RateLimitFailOpen:         p.bool("rate_limit_fail_open"),
		LookupMissCacheTTL:        p.duration("lookup_miss_cache_ttl"),
		CORSOrigins:               splitList(v.GetString("cors_origins")),
		TrustProxyHeaders:         p.bool("trust_proxy_headers"),
		RabbitMQURL:               v.GetString("rabbitmq_url"),
		EventsQueue:               v.GetString("events_queue"),
		OTELServiceName:           v.GetString("otel_service_name"),
		OTELEnvironment:           v.GetString("otel_environment"),
		OTELExporterOTLPEndpoint:  v.GetString("otel_exporter_otlp_endpoint"),
		OTELExporterOTLPInsecure:  p.bool("otel_exporter_otlp_insecure"),
		OTELMetricsEnabled:        p.bool("otel_metrics_enabled"),
		OTELTracingEnabled:        p.bool("otel_tracing_enabled"),
		OTELLogsEnabled:           p.bool("otel_logs_enabled"),
		OTELMetricsExportInterval: p.duration("otel_metrics_export_interval"),
		PrometheusEnabled:         p.bool("metrics_prometheus_enabled"),
		ShutdownTimeout:           p.duration("shutdown_timeout"),
		BootstrapAdminUsername:    v.GetString("bootstrap_admin_username"),
		BootstrapAdminPassword:    v.GetString("bootstrap_admin_password"),
		BootstrapAdminName:        v.GetString("bootstrap_admin_name"),
		BootstrapAdminTagID:       v.GetString("bootstrap_admin_tag_id"),
	}
	cfg.SessionTTL = p.sessionTTL()
	if p.err != nil {
		return cfg, p.err
	}
	if err := validate(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "dev")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_driver", DriverPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("database_max_open_conns", "20")
	v.SetDefault("session_ttl", "")
	v.SetDefault("session_max_age_days", "")
	v.SetDefault("session_cookie_name", "utstyr_session")
	v.SetDefault("session_cookie_secure", "false")
	v.SetDefault("session_token_pepper", "")
	v.SetDefault("session_sweep_interval", "15m")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", "0")
	v.SetDefault("login_rate_limit_rpm", "20")
	v.SetDefault("api_rate_limit_rpm", "600")
	v.SetDefault("rate_limit_fail_open", "false")
	v.SetDefault("lookup_miss_cache_ttl", "30s")
	v.SetDefault("cors_origins", "")
	v.SetDefault("trust_proxy_headers", "false")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("events_queue", "custody.events")
	v.SetDefault("otel_service_name", "custody-service")
	v.SetDefault("otel_environment", "dev")
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4317")
	v.SetDefault("otel_exporter_otlp_insecure", "true")
	v.SetDefault("otel_metrics_enabled", "false")
	v.SetDefault("otel_tracing_enabled", "false")
	v.SetDefault("otel_logs_enabled", "false")
	v.SetDefault("otel_metrics_export_interval", "15s")
	v.SetDefault("metrics_prometheus_enabled", "true")
	v.SetDefault("shutdown_timeout", "20s")
	v.SetDefault("bootstrap_admin_username", "")
	v.SetDefault("bootstrap_admin_password", "")
	v.SetDefault("bootstrap_admin_name", "Administrator")
	v.SetDefault("bootstrap_admin_tag_id", "ADMIN001")
}

// parser keeps the first conversion failure so Load reports a single
// "parse KEY: ..." error.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", strings.ToUpper(key), err)
	}
}

func (p *parser) raw(key string) string { return strings.TrimSpace(p.v.GetString(key)) }

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(p.raw(key))
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) bool(key string) bool {
	b, err := strconv.ParseBool(p.raw(key))
	if err != nil {
		p.fail(key, err)
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.raw(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

// sessionTTL prefers SESSION_TTL and falls back to SESSION_MAX_AGE_DAYS
// (floored at one day), then to seven days.
func (p *parser) sessionTTL() time.Duration {
	if p.raw("session_ttl") != "" {
		return p.duration("session_ttl")
	}
	if raw := p.raw("session_max_age_days"); raw != "" {
		days, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			p.fail("session_max_age_days", err)
			return 0
		}
		if days < 1 {
			days = 1
		}
		return time.Duration(days * float64(24*time.Hour))
	}
	return 7 * 24 * time.Hour
}

func validate(c *Config) error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverMySQL:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			c.DatabaseURL = "file:custody.db?_busy_timeout=5000&_foreign_keys=on"
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver)
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return errors.New("SESSION_COOKIE_NAME must not be empty")
	}
	if c.SessionSweepInterval < 0 {
		return errors.New("SESSION_SWEEP_INTERVAL must not be negative")
	}
	if c.LoginRateLimitRPM <= 0 || c.APIRateLimitRPM <= 0 {
		return errors.New("rate limits must be positive")
	}
	if c.LookupMissCacheTTL < 0 {
		return errors.New("LOOKUP_MISS_CACHE_TTL must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.IsProd() {
		if !c.SessionCookieSecure {
			return errors.New("SESSION_COOKIE_SECURE must be true in prod")
		}
		if len(c.SessionTokenPepper) < 16 {
			return errors.New("SESSION_TOKEN_PEPPER must be at least 16 characters in prod")
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
