// Package translate converts Sinhala user turns to English before the
// workflow runs, so the downstream stages work in one language.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/cascade/internal/pipeline"
	"github.com/nidhogg/cascade/internal/provider"
	"go.uber.org/zap"
)

// ChatClient is the slice of the provider layer the translator needs.
type ChatClient interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Translator rewrites Sinhala messages into English through the LLM.
type Translator struct {
	client ChatClient
	model  string
	logger *zap.Logger
}

// New creates a translator. model may be empty for the provider default.
func New(client ChatClient, model string, logger *zap.Logger) *Translator {
	return &Translator{client: client, model: model, logger: logger}
}

const translateSystem = `You translate Sinhala text about cloud computing
to English. Keep technical terms, service names and numbers unchanged.
Reply with the translation only, no commentary.`

// ToEnglish translates one message. The original text is returned on
// failure so the workflow can continue untranslated.
func (t *Translator) ToEnglish(ctx context.Context, message string) (string, error) {
	resp, err := t.client.Chat(ctx, &provider.ChatRequest{
		Model: t.model,
		Messages: []provider.Message{
			{Role: "system", Content: translateSystem},
			{Role: "user", Content: message},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return message, fmt.Errorf("translate message: %w", err)
	}
	translated := cleanTranslation(resp.Content)
	if translated == "" {
		return message, fmt.Errorf("translate message: empty completion")
	}
	return translated, nil
}

// HistoryToEnglish translates the user turns of a history window.
// Assistant turns pass through; a failed turn keeps its original text.
func (t *Translator) HistoryToEnglish(ctx context.Context, history []pipeline.Turn) []pipeline.Turn {
	out := make([]pipeline.Turn, len(history))
	for i, turn := range history {
		out[i] = turn
		if turn.Role != "user" {
			continue
		}
		translated, err := t.ToEnglish(ctx, turn.Content)
		if err != nil {
			t.logger.Warn("history turn translation failed", zap.Error(err))
			continue
		}
		out[i].Content = translated
	}
	return out
}

// cleanTranslation strips the explanation prefixes and wrapping quotes
// models like to add despite instructions.
func cleanTranslation(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{
		"Here is the translation:",
		"English translation:",
		"Translated text:",
		"The translation is:",
		"Translation:",
	} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
