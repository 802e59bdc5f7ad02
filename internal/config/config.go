package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Ledger drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Redis   RedisConfig
	NATS    NATSConfig
	JWT     JWTConfig
	Log     LogConfig
	CORS    CORSConfig
	Admin   AdminConfig
	Ledger  LedgerConfig
	Credits CreditsConfig
}

type ServerConfig struct {
	Host string
	Port int
	// RequestsPerMinute is the per-IP limit on the public API; 0 disables it.
	RequestsPerMinute int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL string
}

// JWTConfig holds the secret shared with the platform's auth service.
type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// AdminConfig protects grant endpoints. An empty key leaves them unmounted.
type AdminConfig struct {
	APIKey string
}

type LedgerConfig struct {
	Driver         string
	SQLitePath     string
	MigrationsPath string
}

type CreditsConfig struct {
	CatalogPath       string
	CatalogWatch      bool
	SignupGrant       int64
	DefaultDailyCap   int64
	CommitRetries     int
	ConsumesPerMinute int
	QuoteSecret       string
	QuoteTTL          time.Duration
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:              k.String("server.host"),
			Port:              k.Int("server.port"),
			RequestsPerMinute: k.Int("server.requests.per.minute"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		Admin: AdminConfig{
			APIKey: k.String("admin.api.key"),
		},
		Ledger: LedgerConfig{
			Driver:         k.String("ledger.driver"),
			SQLitePath:     k.String("ledger.sqlite.path"),
			MigrationsPath: k.String("ledger.migrations.path"),
		},
		Credits: CreditsConfig{
			CatalogPath:       k.String("credits.catalog.path"),
			CatalogWatch:      k.Bool("credits.catalog.watch"),
			SignupGrant:       k.Int64("credits.signup.grant"),
			DefaultDailyCap:   k.Int64("credits.default.daily.cap"),
			CommitRetries:     k.Int("credits.commit.retries"),
			ConsumesPerMinute: k.Int("credits.consumes.per.minute"),
			QuoteSecret:       k.String("credits.quote.secret"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if !k.Exists("server.requests.per.minute") {
		cfg.Server.RequestsPerMinute = 300
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "credits"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "credits"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
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
		cfg.Log.Format = "text"
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = DriverPostgres
	}
	if cfg.Ledger.SQLitePath == "" {
		cfg.Ledger.SQLitePath = "credits.db"
	}
	if cfg.Ledger.MigrationsPath == "" {
		cfg.Ledger.MigrationsPath = "migrations"
	}
	if !k.Exists("credits.signup.grant") {
		cfg.Credits.SignupGrant = 50
	}
	if !k.Exists("credits.default.daily.cap") {
		cfg.Credits.DefaultDailyCap = 50
	}
	if cfg.Credits.CommitRetries == 0 {
		cfg.Credits.CommitRetries = 5
	}
	if !k.Exists("credits.consumes.per.minute") {
		cfg.Credits.ConsumesPerMinute = 60
	}

	// Parse durations
	cfg.JWT.AccessExpiry, err = parseDuration(k, "jwt.access.expiry", "15m")
	if err != nil {
		return nil, err
	}
	cfg.Credits.QuoteTTL, err = parseDuration(k, "credits.quote.ttl", "15m")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDuration(k *koanf.Koanf, key, fallback string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
