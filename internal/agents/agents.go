// Package agents implements the workflow stages that are backed by an
// LLM: intent extraction, question enhancement, decomposition,
// retrieval plan re-evaluation and response generation.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/cascade/internal/provider"
	"go.uber.org/zap"
)

// ChatClient is the slice of the provider layer the agents need.
type ChatClient interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Agents holds the shared LLM client behind every stage implementation.
type Agents struct {
	client ChatClient
	model  string
	logger *zap.Logger
}

// New creates the agent bundle. model may be empty to use the
// provider's configured default.
func New(client ChatClient, model string, logger *zap.Logger) *Agents {
	return &Agents{
		client: client,
		model:  model,
		logger: logger,
	}
}

// chat sends a single-prompt request and returns the raw completion text.
func (a *Agents) chat(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	msgs := make([]provider.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: prompt})

	resp, err := a.client.Chat(ctx, &provider.ChatRequest{
		Model:     a.model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return resp.Content, nil
}

// extractJSON strips markdown code fences and surrounding prose so the
// completion can be unmarshalled. Models frequently wrap JSON in
// ```json blocks even when told not to.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)
	// Trim leading prose before the first brace.
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}
