// Package config loads ipw settings from a YAML file, the environment and
// built-in defaults, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmerrifield20/ipwbridge/pkg/client"
)

// Config is the complete runtime configuration.
type Config struct {
	IPW    IPW    `mapstructure:"ipw"`
	Bridge Bridge `mapstructure:"bridge"`
	Log    Log    `mapstructure:"log"`
}

// IPW holds the upstream API account and client tuning.
type IPW struct {
	URL             string  `mapstructure:"url"`
	User            string  `mapstructure:"user"`
	Password        string  `mapstructure:"password"`
	ChecksumSecret  string  `mapstructure:"checksum_secret"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	TokenTTLMinutes int     `mapstructure:"token_ttl_minutes"`
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// Bridge configures the HTTP facade started by "ipw serve".
type Bridge struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
}

// Log selects the logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// New returns a viper instance with every key defaulted and bound to its
// environment variable (ipw.checksum_secret -> IPW_CHECKSUM_SECRET).
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ipw.url", "")
	v.SetDefault("ipw.user", "")
	v.SetDefault("ipw.password", "")
	v.SetDefault("ipw.checksum_secret", "")
	v.SetDefault("ipw.timeout_seconds", int(client.DefaultTimeout/time.Second))
	v.SetDefault("ipw.token_ttl_minutes", int(client.DefaultTokenTTL/time.Minute))
	v.SetDefault("ipw.rate_limit_rps", 0)
	v.SetDefault("ipw.rate_limit_burst", 1)
	v.SetDefault("bridge.port", 8080)
	v.SetDefault("bridge.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("bridge.rate_limit_rps", 0)
	v.SetDefault("bridge.jwt_secret", "")
	v.SetDefault("log.level", "info")
	return v
}

// Load reads path (or ipw.yaml from . and ~/.ipw when path is empty) into v
// and decodes the result. A missing default config file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ipw")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ipw"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"ipw.url":             c.IPW.URL,
		"ipw.user":            c.IPW.User,
		"ipw.password":        c.IPW.Password,
		"ipw.checksum_secret": c.IPW.ChecksumSecret,
	}
	for _, key := range []string{"ipw.url", "ipw.user", "ipw.password", "ipw.checksum_secret"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.IPW.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("ipw.timeout_seconds must be positive"))
	}
	if c.IPW.TokenTTLMinutes <= 0 {
		errs = append(errs, errors.New("ipw.token_ttl_minutes must be positive"))
	}
	if c.IPW.RateLimitRPS < 0 {
		errs = append(errs, errors.New("ipw.rate_limit_rps must not be negative"))
	}
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		errs = append(errs, fmt.Errorf("bridge.port %d out of range", c.Bridge.Port))
	}
	return errors.Join(errs...)
}

// Credential returns the upstream account as a client credential.
func (c IPW) Credential() client.Credential {
	return client.Credential{
		Username: c.User,
		Password: c.Password,
		Secret:   c.ChecksumSecret,
		BaseURL:  c.URL,
	}
}

// ClientOptions translates the tuning settings into client options.
func (c IPW) ClientOptions() []client.Option {
	return []client.Option{
		client.WithTimeout(time.Duration(c.TimeoutSeconds) * time.Second),
		client.WithTokenTTL(time.Duration(c.TokenTTLMinutes) * time.Minute),
		client.WithRateLimit(c.RateLimitRPS, c.RateLimitBurst),
	}
}
