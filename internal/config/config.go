package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration, loaded once at startup from a
// YAML file and overlaid with environment variables. Secrets never live in
// the YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Energy    EnergyConfig    `yaml:"energy"`
	Billing   BillingConfig   `yaml:"billing"`
	Narrative NarrativeConfig `yaml:"narrative"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Env             string        `yaml:"env"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL          string        `yaml:"-"` // DATABASE_URL only
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"` // REDIS_PASSWORD only
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"-"` // LUNA_JWT_SECRET only
	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	BcryptCost        int           `yaml:"bcrypt_cost"`
	CookieSecure      bool          `yaml:"cookie_secure"`
	CookieName        string        `yaml:"cookie_name"`
	AccessTokenIssuer string        `yaml:"access_token_issuer"`
}

type EnergyConfig struct {
	StartingBalance float64       `yaml:"starting_balance"`
	DefaultMax      float64       `yaml:"default_max"`
	BalanceCacheTTL time.Duration `yaml:"balance_cache_ttl"`
	RefundWindow    time.Duration `yaml:"refund_window"`
}

type BillingConfig struct {
	ProviderKey string        `yaml:"-"` // STRIPE_SECRET_KEY only
	ProviderURL string        `yaml:"provider_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

type NarrativeConfig struct {
	ShortWindowDays int           `yaml:"short_window_days"`
	MidWindowDays   int           `yaml:"mid_window_days"`
	LongWindowDays  int           `yaml:"long_window_days"`
	PacketCacheTTL  time.Duration `yaml:"packet_cache_ttl"`
	LLMGatewayKey   string        `yaml:"-"` // LLM_GATEWAY_KEY only
}

type SecurityConfig struct {
	StrictMode     bool  `yaml:"strict_mode"`
	MaxEventBytes  int   `yaml:"max_event_bytes"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	TrustProxyFor  bool  `yaml:"trust_proxy_forwarded_for"`
	RateLimitAudit bool  `yaml:"rate_limit_audit"`
}

// Load reads the YAML file (if present), loads .env via godotenv, and
// overlays environment variables. Missing YAML is not fatal — defaults plus
// env are enough to boot a dev instance.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			QueryTimeout: 8 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Auth: AuthConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   30 * 24 * time.Hour,
			SessionTTL:        30 * 24 * time.Hour,
			BcryptCost:        12,
			CookieName:        "phoenix_session",
			AccessTokenIssuer: "luna-hub",
		},
		Energy: EnergyConfig{
			StartingBalance: 100,
			DefaultMax:      100,
			BalanceCacheTTL: 5 * time.Minute,
			RefundWindow:    7 * 24 * time.Hour,
		},
		Billing: BillingConfig{
			ProviderURL: "https://api.stripe.com",
			Timeout:     8 * time.Second,
			MaxInFlight: 16,
		},
		Narrative: NarrativeConfig{
			ShortWindowDays: 7,
			MidWindowDays:   14,
			LongWindowDays:  90,
			PacketCacheTTL:  5 * time.Minute,
		},
		Security: SecurityConfig{
			MaxEventBytes: 5 * 1024,
			MaxBodyBytes:  1 << 20,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LUNA_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("LUNA_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.Billing.ProviderKey = v
	}
	if v := os.Getenv("LLM_GATEWAY_KEY"); v != "" {
		c.Narrative.LLMGatewayKey = v
	}
	if v := os.Getenv("LUNA_STRICT_SECURITY"); v != "" {
		c.Security.StrictMode = boolEnv(v)
	}
	if v := os.Getenv("LUNA_COOKIE_SECURE"); v != "" {
		c.Auth.CookieSecure = boolEnv(v)
	}
}

func boolEnv(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		if c.Server.Env == "production" {
			return fmt.Errorf("LUNA_JWT_SECRET must be set in production")
		}
		// Dev fallback so a bare checkout boots
		c.Auth.JWTSecret = "luna-dev-jwt-secret-change-in-production"
	}
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 16 {
		return fmt.Errorf("bcrypt_cost %d out of range [10,16]", c.Auth.BcryptCost)
	}
	return nil
}

// IsProduction reports whether the server runs with production hardening.
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }
