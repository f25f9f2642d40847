// Package config loads client configuration from flags, environment
// variables and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config collects every tunable of the client.
type Config struct {
	API     APIConfig
	Storage StorageConfig
	Sync    SyncConfig
	App     AppConfig
}

// APIConfig tunes the remote service connection.
type APIConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// StorageConfig selects the local store backend.
type StorageConfig struct {
	Path     string // SQLite database path
	InMemory bool   // ephemeral store, for tests and dry runs
}

// SyncConfig tunes the case synchronization engine.
type SyncConfig struct {
	OfflineMode  bool
	MaxRetries   int
	PageSize     int
	SeedDemoData bool
}

// AppConfig identifies this installation.
type AppConfig struct {
	Name        string
	Version     string
	Environment string
	Debug       bool
}

// SetDefaults registers the stock defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retries", 3)
	v.SetDefault("api.retry_delay", time.Second)
	v.SetDefault("storage.path", "caseflow.db")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("sync.offline_mode", false)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.page_size", 20)
	v.SetDefault("sync.seed_demo_data", false)
	v.SetDefault("app.name", "caseflow")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// Load validates and materializes the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		API: APIConfig{
			BaseURL:    v.GetString("api.base_url"),
			Timeout:    v.GetDuration("api.timeout"),
			Retries:    v.GetInt("api.retries"),
			RetryDelay: v.GetDuration("api.retry_delay"),
		},
		Storage: StorageConfig{
			Path:     v.GetString("storage.path"),
			InMemory: v.GetBool("storage.in_memory"),
		},
		Sync: SyncConfig{
			OfflineMode:  v.GetBool("sync.offline_mode"),
			MaxRetries:   v.GetInt("sync.max_retries"),
			PageSize:     v.GetInt("sync.page_size"),
			SeedDemoData: v.GetBool("sync.seed_demo_data"),
		},
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Version:     v.GetString("app.version"),
			Environment: v.GetString("app.environment"),
			Debug:       v.GetBool("app.debug"),
		},
	}

	if cfg.API.BaseURL == "" {
		return Config{}, fmt.Errorf("config: api.base_url must be provided")
	}
	if cfg.API.Timeout <= 0 {
		return Config{}, fmt.Errorf("config: api.timeout must be greater than zero")
	}
	if cfg.API.Retries < 0 {
		return Config{}, fmt.Errorf("config: api.retries must not be negative")
	}
	if !cfg.Storage.InMemory && cfg.Storage.Path == "" {
		return Config{}, fmt.Errorf("config: storage.path must be provided")
	}
	return cfg, nil
}
