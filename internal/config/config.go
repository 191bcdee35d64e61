// Package config loads the service configuration from a JSON file with
// environment variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Auth      AuthConfig       `json:"auth"`
	Providers []ProviderConfig `json:"providers"`
	Workflow  WorkflowConfig   `json:"workflow"`
	Search    SearchConfig     `json:"search"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Database  DatabaseConfig   `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type AuthConfig struct {
	// Static stream/chat token for development wiring. Production
	// deployments replace the verifier at startup.
	Token string `json:"token"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // openai, anthropic
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

// WorkflowConfig carries the pipeline and progress bus knobs.
type WorkflowConfig struct {
	TopURLsToScrape         int `json:"top_urls_to_scrape"`        // default 5
	ScrapeConcurrency       int `json:"scrape_concurrency"`        // default 3
	RetrievalTimeoutSeconds int `json:"retrieval_timeout_seconds"` // default 45
	IdleTimeoutSeconds      int `json:"idle_timeout_seconds"`      // default 30
	KeepaliveSeconds        int `json:"keepalive_seconds"`         // default 30
	GraceDelaySeconds       int `json:"grace_delay_seconds"`       // default 2
	HistoryTurns            int `json:"history_turns"`             // default 10
}

type SearchConfig struct {
	TavilyAPIKey string `json:"tavily_api_key"`
	JinaAPIKey   string `json:"jina_api_key"`
}

type EmbeddingConfig struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
	Dimension  uint64 `json:"dimension"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
