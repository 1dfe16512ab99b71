package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the process configuration, loaded from defaults, an optional
// YAML file and TRUST_-prefixed environment variables, in that order.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Redis    RedisConfig    `koanf:"redis"`
	Audit    AuditConfig    `koanf:"audit"`
	Security SecurityConfig `koanf:"security"`
	Monitor  MonitorConfig  `koanf:"monitor"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RedisConfig configures the shared client. An empty URL disables Redis and
// the rate limiter runs on its in-memory fallback.
type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type AuditConfig struct {
	Dir           string `koanf:"dir"`
	Secret        string `koanf:"secret"`
	RetentionDays int    `koanf:"retention_days"`
}

type SecurityConfig struct {
	JWTSecret   string        `koanf:"jwt_secret"`
	JWTIssuer   string        `koanf:"jwt_issuer"`
	JWTAudience string        `koanf:"jwt_audience"`
	TokenExpiry time.Duration `koanf:"token_expiry"`

	CSRFSecret string        `koanf:"csrf_secret"`
	CSRFExpiry time.Duration `koanf:"csrf_expiry"`

	MasterKey string `koanf:"master_key"`
}

type MonitorConfig struct {
	MetricsInterval time.Duration `koanf:"metrics_interval"`
	ThreatInterval  time.Duration `koanf:"threat_interval"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	AuditorDirs     []string      `koanf:"auditor_dirs"`
}

// devFallbacks fill secrets left unset outside production. Every applied
// fallback is reported so operators cannot miss one in a deployed system.
var devFallbacks = map[string]string{
	"security.jwt_secret":  "dev-jwt-secret-not-for-production",
	"security.csrf_secret": "dev-csrf-secret-not-for-production",
	"security.master_key":  "dev-master-key-32-bytes-padding!",
	"audit.secret":         "dev-audit-secret-not-for-production",
}

// Load builds the configuration. In production every secret must be set
// explicitly; in development missing secrets fall back and are returned as
// warnings for the caller to log.
func Load() (*Config, []string, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Audit: AuditConfig{
			Dir:           "logs/audit",
			RetentionDays: 365,
		},
		Security: SecurityConfig{
			JWTIssuer:   "tutorgate",
			JWTAudience: "tutorgate-portal",
			TokenExpiry: 24 * time.Hour,
			CSRFExpiry:  30 * time.Minute,
		},
		Monitor: MonitorConfig{
			MetricsInterval: 30 * time.Second,
			ThreatInterval:  time.Minute,
			CleanupInterval: time.Hour,
			AuditorDirs:     []string{"internal/api/rest"},
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())

	if err := k.Load(env.Provider("TRUST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TRUST_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var warnings []string
	for key, fallback := range devFallbacks {
		if k.String(key) != "" {
			continue
		}
		if k.String("environment") == "production" {
			return nil, nil, fmt.Errorf("missing required secret %q in production", key)
		}
		if err := k.Set(key, fallback); err != nil {
			return nil, nil, fmt.Errorf("applying fallback for %s: %w", key, err)
		}
		warnings = append(warnings, fmt.Sprintf("using development fallback for %s; never deploy this to production", key))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, warnings, nil
}

// IsDevelopment reports whether the process runs with relaxed guarantees.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
