package agents

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/cascade/internal/pipeline"
)

const generateSystem = `You are an assistant for AWS cloud services.
Answer from the provided evidence when there is any, citing the source
URL inline where it matters. If the evidence does not cover the
question, say so instead of guessing. For questions outside AWS, answer
briefly from general knowledge.`

// GenerateResponse produces the final answer. The evidence block is
// capped so a large scrape cannot blow the context window.
func (a *Agents) GenerateResponse(ctx context.Context, req *pipeline.GenerationRequest) (string, error) {
	var b strings.Builder

	if req.Intent != nil && req.Intent.NeedsClarification {
		fmt.Fprintf(&b, `The question was too vague to answer directly.
Question: %s
Ask the user for the missing detail: %s`, req.Question, req.Intent.Clarification)
	} else {
		question := req.EnhancedQuestion
		if question == "" {
			question = req.Question
		}
		fmt.Fprintf(&b, "Question: %s\n", question)
		if len(req.SubQuestions) > 0 {
			fmt.Fprintf(&b, "Aspects to cover: %s\n", strings.Join(req.SubQuestions, "; "))
		}
		if len(req.Evidence) > 0 {
			b.WriteString("\nEvidence:\n")
			for i, ev := range req.Evidence {
				fmt.Fprintf(&b, "[%d] (%s, %s) %s\n", i+1, ev.Kind, ev.Source, clip(ev.Content, 2000))
			}
		}
	}

	if req.Language == pipeline.LangSinhala {
		b.WriteString("\nAnswer in Sinhala.")
	}

	content, err := a.chat(ctx, generateSystem, b.String(), 4096)
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	answer := strings.TrimSpace(content)
	if answer == "" {
		return "", fmt.Errorf("generate response: empty completion")
	}
	return answer, nil
}

// clip cuts s to at most n bytes without splitting a multi-byte rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
