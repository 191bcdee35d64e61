package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/cascade/internal/pipeline"
	"go.uber.org/zap"
)

const intentSystem = `You classify questions for an AWS cloud-services assistant.
Decide what the user wants, whether the question is about AWS or cloud
computing ("domain") or something else ("general"), and whether it is
too vague to act on.`

// ExtractIntent classifies the question. This stage has no degraded
// mode; a provider failure fails the call.
func (a *Agents) ExtractIntent(ctx context.Context, question string, history []pipeline.Turn) (*pipeline.Intent, error) {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `Question: %s

Reply with JSON only:
{"intent":"...","domain_relevance":"domain|general","confidence":0.0,"needs_clarification":false,"clarification":""}`, question)

	content, err := a.chat(ctx, intentSystem, b.String(), 512)
	if err != nil {
		return nil, fmt.Errorf("extract intent: %w", err)
	}

	var intent pipeline.Intent
	if err := json.Unmarshal([]byte(extractJSON(content)), &intent); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	if intent.DomainRelevance == "" {
		intent.DomainRelevance = "general"
	}
	a.logger.Debug("extracted intent",
		zap.String("intent", intent.Intent),
		zap.String("domain_relevance", intent.DomainRelevance),
		zap.Float64("confidence", intent.Confidence))
	return &intent, nil
}
