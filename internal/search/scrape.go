package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Scrape fetches one page as markdown through the Jina reader. Content
// larger than the configured cap is cut at a word boundary.
func (c *Client) Scrape(ctx context.Context, pageURL string) (string, error) {
	if c.cfg.JinaAPIKey == "" {
		return "", fmt.Errorf("jina api key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.JinaReader+"/"+pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.JinaAPIKey)
	req.Header.Set("X-Retain-Images", "none")
	req.Header.Set("X-Remove-Selector", "header, footer, nav")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scrape %s: status %d", pageURL, resp.StatusCode)
	}

	// Read at most one byte past the cap so truncation is detectable.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.cfg.MaxContentBytes)+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", pageURL, err)
	}

	content := strings.TrimSpace(string(body))
	if content == "" {
		return "", fmt.Errorf("scrape %s: empty content", pageURL)
	}
	if len(content) > c.cfg.MaxContentBytes {
		cut := c.cfg.MaxContentBytes
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
		if i := strings.LastIndexByte(content, ' '); i > 0 {
			content = content[:i]
		}
		c.logger.Debug("truncated scraped content",
			zap.String("url", pageURL), zap.Int("bytes", len(content)))
	}
	return content, nil
}
