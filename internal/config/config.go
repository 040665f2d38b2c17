package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Retrieval   RetrievalConfig           `json:"retrieval"`
	Admin       AdminConfig               `json:"admin"`
}

type BasicConfig struct {
	ServerAddress         string `json:"server_address"`
	Driver                string `json:"driver"`
	TokenTTLHours         int    `json:"token_ttl_hours"`
	DefaultChatLimit      int    `json:"default_chat_limit"`
	BackendTimeoutSecs    int    `json:"backend_timeout_seconds"`
	IndexBuildTimeoutSecs int    `json:"index_build_timeout_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type RetrievalConfig struct {
	EmbedBaseURL string  `json:"embed_base_url"`
	EmbedModel   string  `json:"embed_model"`
	EmbedAPIKey  string  `json:"embed_api_key"`
	ChunkSize    int     `json:"chunk_size"`
	ChunkOverlap int     `json:"chunk_overlap"`
	TopK         int     `json:"top_k"`
	MinScore     float64 `json:"min_score"`
	EmbedWorkers int     `json:"embed_workers"`
}

// AdminConfig seeds the initial admin account when it does not exist yet.
type AdminConfig struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.BasicConfig.Driver == "" {
		cfg.BasicConfig.Driver = "sqlite3"
	}
	if _, ok := cfg.Databases[cfg.BasicConfig.Driver]; !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Driver)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8080"
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 48
	}
	if c.BasicConfig.DefaultChatLimit <= 0 {
		c.BasicConfig.DefaultChatLimit = 200
	}
	if c.BasicConfig.BackendTimeoutSecs <= 0 {
		c.BasicConfig.BackendTimeoutSecs = 60
	}
	if c.BasicConfig.IndexBuildTimeoutSecs <= 0 {
		c.BasicConfig.IndexBuildTimeoutSecs = 120
	}
	if c.Retrieval.ChunkSize <= 0 {
		c.Retrieval.ChunkSize = 1000
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		c.Retrieval.ChunkOverlap = 200
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.EmbedWorkers <= 0 {
		c.Retrieval.EmbedWorkers = 4
	}
}

// TokenTTL returns the configured session token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTLHours) * time.Hour
}

// BackendTimeout bounds hosted completion calls.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BasicConfig.BackendTimeoutSecs) * time.Second
}

// IndexBuildTimeout bounds synchronous index construction during model upload.
func (c *Config) IndexBuildTimeout() time.Duration {
	return time.Duration(c.BasicConfig.IndexBuildTimeoutSecs) * time.Second
}
