package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LECTERN"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "lectern.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "lectern-auth"
	defaultAuthCookieName    = "lectern_session"
	defaultIdleGrace         = 30 * time.Second
	defaultMetaDebounce      = 2 * time.Second
	defaultMetaMaxStaleness  = 10 * time.Second
	defaultAppendRetryDelay  = time.Second
	defaultCORSAllowedOrigin = "*"
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	CORSAllowedOrigins []string
	IdleGrace          time.Duration
	MetaDebounce       time.Duration
	MetaMaxStaleness   time.Duration
	AppendRetryBackoff time.Duration
}

// AnonymousOnly reports whether the service runs without a signing secret, in
// which case only anonymous sessions are admitted.
func (c AppConfig) AnonymousOnly() bool {
	return strings.TrimSpace(c.AuthSigningSecret) == ""
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSAllowedOrigin})
	configViper.SetDefault("sync.idle_grace", defaultIdleGrace)
	configViper.SetDefault("sync.meta_debounce", defaultMetaDebounce)
	configViper.SetDefault("sync.meta_max_staleness", defaultMetaMaxStaleness)
	configViper.SetDefault("sync.append_retry_backoff", defaultAppendRetryDelay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		CORSAllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
		IdleGrace:          configViper.GetDuration("sync.idle_grace"),
		MetaDebounce:       configViper.GetDuration("sync.meta_debounce"),
		MetaMaxStaleness:   configViper.GetDuration("sync.meta_max_staleness"),
		AppendRetryBackoff: configViper.GetDuration("sync.append_retry_backoff"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.AnonymousOnly() && strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
	}
	if c.IdleGrace <= 0 {
		return fmt.Errorf("sync.idle_grace must be positive")
	}
	if c.MetaDebounce <= 0 || c.MetaMaxStaleness < c.MetaDebounce {
		return fmt.Errorf("sync.meta_max_staleness must be at least sync.meta_debounce")
	}
	return nil
}
