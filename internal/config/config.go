package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Store       string `yaml:"store"` // postgres, sqlite or memory
	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int    `yaml:"db_max_conns"`
	SQLitePath  string `yaml:"sqlite_path"`
	Seed        bool   `yaml:"seed"`

	APIAddr      string   `yaml:"api_addr"`
	GRPCAddr     string   `yaml:"grpc_addr"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	IPAllowlist  []string `yaml:"ip_allowlist"`
	TLSCert      string   `yaml:"tls_cert"`
	TLSKey       string   `yaml:"tls_key"`
	TLSClientCA  string   `yaml:"tls_client_ca"`

	RedisAddr           string  `yaml:"redis_addr"`
	RateLimitCapacity   int     `yaml:"rate_limit_capacity"`
	RateLimitRefillRate float64 `yaml:"rate_limit_refill_per_sec"`

	ApplyMaxAttempts  int           `yaml:"apply_max_attempts"`
	ApplyRetryBackoff time.Duration `yaml:"apply_retry_backoff"`

	Events       string   `yaml:"events"` // none, kafka or redis
	EventsTopic  string   `yaml:"events_topic"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Environment:       "development",
		LogLevel:          "info",
		Store:             "postgres",
		DBMaxConns:        10,
		SQLitePath:        "ledger.db",
		APIAddr:           ":8000",
		GRPCAddr:          ":50051",
		MaxBodyBytes:      1 << 20,
		ApplyMaxAttempts:  3,
		ApplyRetryBackoff: 10 * time.Millisecond,
		Events:            "none",
		EventsTopic:       "ledger.applied",
	}
}

// Load builds the configuration from, in increasing precedence: defaults, the
// YAML file named by LEDGER_CONFIG_FILE, a .env file in the working directory
// and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := Defaults()
	if path := os.Getenv("LEDGER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var bad []string

	setString(&c.Environment, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Store, "LEDGER_STORE")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.APIAddr, "API_ADDR")
	setString(&c.GRPCAddr, "GRPC_ADDR")
	setString(&c.TLSCert, "API_TLS_CERT")
	setString(&c.TLSKey, "API_TLS_KEY")
	setString(&c.TLSClientCA, "API_TLS_CLIENT_CA")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.Events, "LEDGER_EVENTS")
	setString(&c.EventsTopic, "LEDGER_EVENTS_TOPIC")
	setList(&c.IPAllowlist, "API_IP_ALLOWLIST")
	setList(&c.KafkaBrokers, "KAFKA_BROKERS")

	if err := setInt(&c.DBMaxConns, "DB_MAX_CONNS"); err != nil {
		bad = append(bad, "DB_MAX_CONNS")
	}
	if err := setInt(&c.RateLimitCapacity, "API_RATE_LIMIT_CAPACITY"); err != nil {
		bad = append(bad, "API_RATE_LIMIT_CAPACITY")
	}
	if err := setInt(&c.ApplyMaxAttempts, "LEDGER_APPLY_MAX_ATTEMPTS"); err != nil {
		bad = append(bad, "LEDGER_APPLY_MAX_ATTEMPTS")
	}
	if v := os.Getenv("API_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			bad = append(bad, "API_MAX_BODY_BYTES")
		} else {
			c.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("API_RATE_LIMIT_REFILL_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad = append(bad, "API_RATE_LIMIT_REFILL_PER_SEC")
		} else {
			c.RateLimitRefillRate = f
		}
	}
	if v := os.Getenv("LEDGER_APPLY_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			bad = append(bad, "LEDGER_APPLY_RETRY_BACKOFF")
		} else {
			c.ApplyRetryBackoff = d
		}
	}
	if v := os.Getenv("LEDGER_SEED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			bad = append(bad, "LEDGER_SEED")
		} else {
			c.Seed = b
		}
	}

	if len(bad) > 0 {
		return errors.New("invalid environment variables: " + strings.Join(bad, ", "))
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres store")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for the sqlite store")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("LEDGER_STORE must be postgres, sqlite or memory, got %q", c.Store))
	}

	if c.Environment == "production" && c.Store != "postgres" {
		problems = append(problems, "production requires LEDGER_STORE=postgres")
	}

	switch c.Events {
	case "", "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required when LEDGER_EVENTS=kafka")
		}
	case "redis":
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required when LEDGER_EVENTS=redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("LEDGER_EVENTS must be none, kafka or redis, got %q", c.Events))
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, "API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.TLSClientCA != "" && c.TLSCert == "" {
		problems = append(problems, "API_TLS_CLIENT_CA requires API_TLS_CERT and API_TLS_KEY")
	}
	if c.ApplyMaxAttempts < 1 {
		problems = append(problems, "LEDGER_APPLY_MAX_ATTEMPTS must be at least 1")
	}
	if c.DBMaxConns < 0 || c.DBMaxConns > math.MaxInt32 {
		problems = append(problems, fmt.Sprintf("DB_MAX_CONNS must be between 0 and %d", math.MaxInt32))
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "API_MAX_BODY_BYTES must be positive")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel maps LogLevel onto slog levels, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}
