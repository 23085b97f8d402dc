// Package config loads process configuration: defaults, then an optional
// YAML file, then WEBPROOF_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Notary    NotaryConfig    `yaml:"notary"`
	Prover    ProverConfig    `yaml:"prover"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Attempt   AttemptConfig   `yaml:"attempt"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	S3        S3Config        `yaml:"s3"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

type NotaryConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxSentData int    `yaml:"max_sent_data"`
	MaxRecvData int    `yaml:"max_recv_data"`
}

// ProverConfig selects the proving engine.
type ProverConfig struct {
	Engine      string        `yaml:"engine"` // "http" | "wasm"
	Endpoint    string        `yaml:"endpoint"`
	WASMModule  string        `yaml:"wasm_module"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	TokenSecret string        `yaml:"token_secret"`
	TokenIssuer string        `yaml:"token_issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type SandboxConfig struct {
	TimeLimit        time.Duration `yaml:"time_limit"`
	MemoryLimitBytes int64         `yaml:"memory_limit_bytes"`
	MaxMessageBytes  int           `yaml:"max_message_bytes"`
}

// AttemptConfig bounds one preparation attempt. MaxRounds zero is unbounded.
type AttemptConfig struct {
	MaxRounds    int           `yaml:"max_rounds"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres" | "" (disabled)
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type S3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// PolicyConfig lists CEL rules checked before proving.
type PolicyConfig struct {
	Rules []string `yaml:"rules"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "INFO", Format: "text"},
		Notary: NotaryConfig{
			Host:        "32703e3.notary.pluto.dev",
			Port:        443,
			MaxSentData: 10000,
			MaxRecvData: 10000,
		},
		Prover: ProverConfig{
			TokenIssuer: "webproof",
			TokenTTL:    time.Minute,
		},
		Sandbox: SandboxConfig{
			TimeLimit:        5 * time.Second,
			MemoryLimitBytes: 64 << 20,
			MaxMessageBytes:  1 << 20,
		},
		Attempt: AttemptConfig{
			MaxRounds:    0,
			ReadyTimeout: 10 * time.Minute,
		},
		Cache: CacheConfig{TTL: 15 * time.Minute},
		S3:    S3Config{Region: "us-east-1"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			ServiceName: "webproof",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("WEBPROOF_LOG_LEVEL", &c.Log.Level)
	str("WEBPROOF_LOG_FORMAT", &c.Log.Format)
	str("WEBPROOF_NOTARY_HOST", &c.Notary.Host)
	num("WEBPROOF_NOTARY_PORT", &c.Notary.Port)
	str("WEBPROOF_PROVER_ENGINE", &c.Prover.Engine)
	str("WEBPROOF_PROVER_ENDPOINT", &c.Prover.Endpoint)
	str("WEBPROOF_PROVER_WASM", &c.Prover.WASMModule)
	str("WEBPROOF_PROVER_TOKEN_SECRET", &c.Prover.TokenSecret)
	dur("WEBPROOF_SANDBOX_TIME_LIMIT", &c.Sandbox.TimeLimit)
	num("WEBPROOF_MAX_ROUNDS", &c.Attempt.MaxRounds)
	dur("WEBPROOF_READY_TIMEOUT", &c.Attempt.ReadyTimeout)
	str("WEBPROOF_STORE_DRIVER", &c.Store.Driver)
	str("WEBPROOF_STORE_DSN", &c.Store.DSN)
	if c.Store.DSN == "" && c.Store.Driver == "postgres" {
		str("DATABASE_URL", &c.Store.DSN)
	}
	str("WEBPROOF_REDIS_ADDR", &c.Cache.RedisAddr)
	str("WEBPROOF_REDIS_PASSWORD", &c.Cache.RedisPassword)
	dur("WEBPROOF_CACHE_TTL", &c.Cache.TTL)
	str("AWS_REGION", &c.S3.Region)
	str("WEBPROOF_S3_REGION", &c.S3.Region)
	str("WEBPROOF_S3_ENDPOINT", &c.S3.Endpoint)
	if v := os.Getenv("WEBPROOF_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("WEBPROOF_OTLP_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true"
	}
	return errors.Join(errs...)
}

// Validate checks enumerations and required pairings.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Prover.Engine {
	case "":
	case "http":
		if c.Prover.Endpoint == "" {
			errs = append(errs, errors.New("prover.endpoint is required for the http engine"))
		}
	case "wasm":
		if c.Prover.WASMModule == "" {
			errs = append(errs, errors.New("prover.wasm_module is required for the wasm engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("prover.engine must be http or wasm, got %q", c.Prover.Engine))
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.Driver != "" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is set"))
	}
	if c.Attempt.MaxRounds < 0 {
		errs = append(errs, errors.New("attempt.max_rounds must not be negative"))
	}
	return errors.Join(errs...)
}
