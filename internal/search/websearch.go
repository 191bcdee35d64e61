package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/nidhogg/cascade/internal/pipeline"
	"go.uber.org/zap"
)

// SearchWeb queries Tavily first and falls back to the Jina search API
// when Tavily is unconfigured, fails, or returns nothing.
func (c *Client) SearchWeb(ctx context.Context, query string, limit int) ([]pipeline.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}

	if c.cfg.TavilyAPIKey != "" {
		hits, err := c.searchTavily(ctx, query, limit)
		if err == nil && len(hits) > 0 {
			return hits, nil
		}
		if err != nil {
			c.logger.Warn("tavily search failed, trying jina",
				zap.String("query", query), zap.Error(err))
		}
	}

	if c.cfg.JinaAPIKey != "" {
		return c.searchJina(ctx, query, limit)
	}
	if c.cfg.TavilyAPIKey == "" {
		return nil, fmt.Errorf("no search backend configured")
	}
	return nil, nil
}

func (c *Client) searchTavily(ctx context.Context, query string, limit int) ([]pipeline.SearchHit, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":      c.cfg.TavilyAPIKey,
		"query":        query,
		"search_depth": "advanced",
		"max_results":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TavilyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tavily error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	hits := make([]pipeline.SearchHit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, pipeline.SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: clipText(r.Content, 500),
			Score:   r.Score,
		})
	}
	c.logger.Debug("tavily search", zap.String("query", query), zap.Int("hits", len(hits)))
	return hits, nil
}

func (c *Client) searchJina(ctx context.Context, query string, limit int) ([]pipeline.SearchHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.JinaSearch+"/?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.JinaAPIKey)
	req.Header.Set("X-Respond-With", "search-results")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jina search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("jina search error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode jina response: %w", err)
	}

	if len(parsed.Data) > limit {
		parsed.Data = parsed.Data[:limit]
	}
	hits := make([]pipeline.SearchHit, 0, len(parsed.Data))
	for _, r := range parsed.Data {
		hits = append(hits, pipeline.SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: clipText(r.Description, 500),
		})
	}
	c.logger.Debug("jina search", zap.String("query", query), zap.Int("hits", len(hits)))
	return hits, nil
}

// clipText cuts s to at most n bytes, backing up to a rune boundary so
// a multi-byte character is never split.
func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
