package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/cascade/internal/pipeline"
)

const enhanceSystem = `You rewrite user questions about AWS services so a
retrieval system finds better matches. Expand abbreviations, resolve
pronouns and add the service names the question implies. Keep the
meaning unchanged. Reply with the rewritten question only.`

// EnhanceQuestion rewrites the question for retrieval. The caller
// degrades to the original question on error.
func (a *Agents) EnhanceQuestion(ctx context.Context, question string, intent *pipeline.Intent) (string, error) {
	prompt := fmt.Sprintf("Detected intent: %s\n\nQuestion: %s", intent.Intent, question)

	content, err := a.chat(ctx, enhanceSystem, prompt, 512)
	if err != nil {
		return "", fmt.Errorf("enhance question: %w", err)
	}
	enhanced := strings.TrimSpace(strings.Trim(strings.TrimSpace(content), `"`))
	if enhanced == "" {
		return "", fmt.Errorf("enhance question: empty rewrite")
	}
	return enhanced, nil
}
