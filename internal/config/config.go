package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string  `mapstructure:"PORT"`
	Env                     string  `mapstructure:"ENV"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32   `mapstructure:"DB_MIN_CONNS"`
	StoreBaseURL            string  `mapstructure:"STORE_BASE_URL"`
	StoreToken              string  `mapstructure:"STORE_TOKEN"`
	StoreTimeoutSeconds     int     `mapstructure:"STORE_TIMEOUT_SECONDS"`
	StorePageCount          int     `mapstructure:"STORE_PAGE_COUNT"`
	AuthSecret              string  `mapstructure:"AUTH_SECRET"`
	MatchThresholdDedup     float64 `mapstructure:"MATCH_THRESHOLD_DEDUP"`
	MatchThresholdReconcile float64 `mapstructure:"MATCH_THRESHOLD_RECONCILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_TIMEOUT_SECONDS", 30)
	v.SetDefault("STORE_PAGE_COUNT", 50)
	v.SetDefault("MATCH_THRESHOLD_DEDUP", 70)
	v.SetDefault("MATCH_THRESHOLD_RECONCILE", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("STORE_BASE_URL")
	v.BindEnv("STORE_TOKEN")
	v.BindEnv("STORE_TIMEOUT_SECONDS")
	v.BindEnv("STORE_PAGE_COUNT")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("MATCH_THRESHOLD_DEDUP")
	v.BindEnv("MATCH_THRESHOLD_RECONCILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StoreBaseURL == "" {
		return nil, fmt.Errorf("STORE_BASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The store URL must
// parse, thresholds must be sane, and in non-development modes AUTH_SECRET
// must be set so that real bearer authentication is enforced.
func (c *Config) Validate() error {
	u, err := url.Parse(c.StoreBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("STORE_BASE_URL must be an absolute URL, got %q", c.StoreBaseURL)
	}

	if c.MatchThresholdDedup <= 0 || c.MatchThresholdDedup > 100 {
		return fmt.Errorf("MATCH_THRESHOLD_DEDUP must be in (0,100], got %v", c.MatchThresholdDedup)
	}
	if c.MatchThresholdReconcile <= 0 || c.MatchThresholdReconcile > 100 {
		return fmt.Errorf("MATCH_THRESHOLD_RECONCILE must be in (0,100], got %v", c.MatchThresholdReconcile)
	}

	if c.StorePageCount < 1 {
		return fmt.Errorf("STORE_PAGE_COUNT must be at least 1, got %d", c.StorePageCount)
	}

	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV is not development")
	}

	return nil
}
