package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Storage    StorageConfig     `koanf:"storage"`
	Redis      RedisConfig       `koanf:"redis"`
	Auth       AuthConfig        `koanf:"auth"`
	RateLimits RateLimitConfig   `koanf:"rate_limits"`
	Versions   VersionsConfig    `koanf:"versions"`
	Routes     []RouteConfig     `koanf:"routes"`
	Transforms []TransformConfig `koanf:"transforms"`
	Usage      UsageConfig       `koanf:"usage"`
	CORS       CORSConfig        `koanf:"cors"`
	Telemetry  TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	Production     bool          `koanf:"production"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	DenyPrivate    bool          `koanf:"deny_private"` // refuse upstreams on loopback/private ranges
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type AuthConfig struct {
	JWTSecret     string        `koanf:"jwt_secret"`
	JWTIssuer     string        `koanf:"jwt_issuer"`
	JWTAudience   string        `koanf:"jwt_audience"`
	APIKeyPrefix  string        `koanf:"api_key_prefix"`
	ValidationURL string        `koanf:"validation_url"` // remote key validation; empty uses the local key store
	Timeout       time.Duration `koanf:"timeout"`
}

type RateLimitConfig struct {
	Store    string            `koanf:"store"` // redis, sql, memory
	Timeout  time.Duration     `koanf:"timeout"`
	Hourly   int64             `koanf:"hourly"`
	Daily    int64             `koanf:"daily"`
	Monthly  int64             `koanf:"monthly"`
	Policies []RateLimitPolicy `koanf:"policies"`
}

// RateLimitPolicy is an extra bucket applied to matching endpoints.
type RateLimitPolicy struct {
	Name       string        `koanf:"name"`
	PathPrefix string        `koanf:"path_prefix"`
	Method     string        `koanf:"method"`
	Limit      int64         `koanf:"limit"`
	Window     time.Duration `koanf:"window"`
}

type VersionsConfig struct {
	Default string          `koanf:"default"`
	List    []VersionConfig `koanf:"list"`
}

type VersionConfig struct {
	Version        string `koanf:"version"`
	Handler        string `koanf:"handler"`
	Deprecated     bool   `koanf:"deprecated"`
	SunsetDate     string `koanf:"sunset_date"` // YYYY-MM-DD or RFC 3339
	MigrationGuide string `koanf:"migration_guide"`
}

type RouteConfig struct {
	Name     string        `koanf:"name"`
	Prefix   string        `koanf:"prefix"`
	Upstream string        `koanf:"upstream"`
	Group    string        `koanf:"group"`
	Scopes   []string      `koanf:"scopes"`
	Timeout  time.Duration `koanf:"timeout"`
}

type TransformConfig struct {
	Path     string           `koanf:"path"`
	Method   string           `koanf:"method"`
	Request  *TransformAction `koanf:"request"`
	Response *TransformAction `koanf:"response"`
}

// TransformAction describes header and top-level JSON field edits.
type TransformAction struct {
	SetHeaders    map[string]string `koanf:"set_headers"`
	RemoveHeaders []string          `koanf:"remove_headers"`
	SetFields     map[string]any    `koanf:"set_fields"`
	RemoveFields  []string          `koanf:"remove_fields"`
	RenameFields  map[string]string `koanf:"rename_fields"`
}

type UsageConfig struct {
	Sinks      []string   `koanf:"sinks"` // sql, amqp
	BufferSize int        `koanf:"buffer_size"`
	AMQP       AMQPConfig `koanf:"amqp"`
}

type AMQPConfig struct {
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
}

type CORSConfig struct {
	AllowOrigin  string   `koanf:"allow_origin"`
	AllowHeaders []string `koanf:"allow_headers"`
	AllowMethods []string `koanf:"allow_methods"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (missing file is OK) and GATEWAY_ environment overrides,
// e.g. GATEWAY_SERVER__PORT=9000.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)
	cfg.Usage.AMQP.URL = substituteEnvVars(cfg.Usage.AMQP.URL)
	for i := range cfg.Routes {
		cfg.Routes[i].Upstream = substituteEnvVars(cfg.Routes[i].Upstream)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration holding only the defaults.
func Default() *Config {
	k := koanf.New(".")
	applyDefaults(k)
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "30s",
		"server.max_body_bytes":  1 << 20,
		"storage.driver":         "sqlite",
		"storage.dsn":            "./data/gateway.db",
		"redis.key_prefix":       "ratelimit:",
		"auth.api_key_prefix":    "iotk_",
		"auth.timeout":           "5s",
		"rate_limits.store":      "sql",
		"rate_limits.timeout":    "2s",
		"rate_limits.hourly":     1000,
		"rate_limits.daily":      10000,
		"rate_limits.monthly":    100000,
		"versions.default":       "v1",
		"usage.buffer_size":      1024,
		"usage.amqp.exchange":    "gateway.usage",
		"cors.allow_origin":      "*",
		"cors.allow_headers":     []string{"authorization", "x-client-info", "apikey", "content-type"},
		"cors.allow_methods":     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		"telemetry.service_name": "iotedge-gateway",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Versions.Default == "" {
		return fmt.Errorf("versions.default is required")
	}
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Upstream == "" {
			return fmt.Errorf("routes[%d]: prefix and upstream are required", i)
		}
	}
	for i, t := range c.Transforms {
		if t.Path == "" {
			return fmt.Errorf("transforms[%d]: path is required", i)
		}
	}
	switch c.RateLimits.Store {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("rate_limits.store=redis requires redis.addr")
		}
	case "sql", "memory":
	default:
		return fmt.Errorf("unknown rate_limits.store %q", c.RateLimits.Store)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
