package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CONDUCTEUR"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "conducteur.db"
	defaultLogLevel      = "info"
	defaultSaveDebounce  = time.Second
	defaultTokenTTLHours = 12
)

// AppConfig captures runtime configuration for the API server and the
// persistence mirror.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	RedisURL        string
	SigningSecret   string
	ProvisioningKey string
	SaveDebounce    time.Duration
	TokenTTL        time.Duration
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("save.debounce_ms", int(defaultSaveDebounce/time.Millisecond))
	configViper.SetDefault("token.ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		RedisURL:        configViper.GetString("redis.url"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		ProvisioningKey: configViper.GetString("auth.provisioning_key"),
		SaveDebounce:    time.Duration(configViper.GetInt("save.debounce_ms")) * time.Millisecond,
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_hours")) * time.Hour,
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.ProvisioningKey) == "" {
		return fmt.Errorf("auth.provisioning_key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("save.debounce_ms must be positive")
	}
	return nil
}
