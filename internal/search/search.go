// Package search provides web search (Tavily with a Jina fallback) and
// page scraping through the Jina reader.
package search

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the web search settings. Endpoints are overridable for
// tests; empty values use the public APIs.
type Config struct {
	TavilyAPIKey string        `json:"tavily_api_key"`
	JinaAPIKey   string        `json:"jina_api_key"`
	TavilyURL    string        `json:"tavily_url,omitempty"`
	JinaSearch   string        `json:"jina_search_url,omitempty"`
	JinaReader   string        `json:"jina_reader_url,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	// MaxContentBytes caps one scraped page before it reaches prompts.
	MaxContentBytes int `json:"max_content_bytes,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.TavilyURL == "" {
		c.TavilyURL = "https://api.tavily.com/search"
	}
	if c.JinaSearch == "" {
		c.JinaSearch = "https://s.jina.ai"
	}
	if c.JinaReader == "" {
		c.JinaReader = "https://r.jina.ai"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 20000
	}
	return c
}

// Client implements web search and scraping over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a search client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Enabled reports whether at least one search backend is configured.
func (c *Client) Enabled() bool {
	return c.cfg.TavilyAPIKey != "" || c.cfg.JinaAPIKey != ""
}
