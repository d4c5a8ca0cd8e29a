package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "QUILLVAULT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "quillvault.db"
	defaultLogLevel     = "info"
	defaultLogEncoding  = "json"
	defaultFetchLimit   = 100
	maxFetchLimit       = 500
	defaultMaxBatch     = 1000
	defaultWorkerSlots  = 4
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	SigningSecret     string
	DatabasePath      string
	LogLevel          string
	LogEncoding       string
	BackupFetchLimit  int
	AggregateMaxBatch int
	AggregateWorkers  int
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
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("sync.fetch_limit", defaultFetchLimit)
	configViper.SetDefault("aggregate.max_batch", defaultMaxBatch)
	configViper.SetDefault("aggregate.workers", defaultWorkerSlots)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		BackupFetchLimit:  configViper.GetInt("sync.fetch_limit"),
		AggregateMaxBatch: configViper.GetInt("aggregate.max_batch"),
		AggregateWorkers:  configViper.GetInt("aggregate.workers"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BackupFetchLimit <= 0 || c.BackupFetchLimit > maxFetchLimit {
		return fmt.Errorf("sync.fetch_limit must be in 1..%d", maxFetchLimit)
	}
	if c.AggregateMaxBatch <= 0 {
		return fmt.Errorf("aggregate.max_batch must be positive")
	}
	if c.AggregateWorkers <= 0 {
		return fmt.Errorf("aggregate.workers must be positive")
	}
	return nil
}
