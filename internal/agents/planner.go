package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/cascade/internal/pipeline"
	"go.uber.org/zap"
)

const decomposeSystem = `You break a question about AWS services into
focused sub-questions for parallel retrieval, and write short web
search queries for the parts that need current information. Return at
most 4 sub-questions.`

// DecomposeQuestion splits the question into a retrieval plan. A
// malformed completion degrades to a single-sub-question plan; only a
// provider failure is returned as an error.
func (a *Agents) DecomposeQuestion(ctx context.Context, question string) (*pipeline.Plan, error) {
	prompt := fmt.Sprintf(`Question: %s

Reply with JSON only:
{"sub_questions":["..."],"web_queries":["..."]}`, question)

	content, err := a.chat(ctx, decomposeSystem, prompt, 1024)
	if err != nil {
		return nil, fmt.Errorf("decompose question: %w", err)
	}

	var plan pipeline.Plan
	if err := json.Unmarshal([]byte(extractJSON(content)), &plan); err != nil {
		a.logger.Warn("unparseable decomposition, using question as-is", zap.Error(err))
		return &pipeline.Plan{
			SubQuestions: []string{question},
			WebQueries:   []string{question},
		}, nil
	}
	if len(plan.SubQuestions) == 0 {
		plan.SubQuestions = []string{question}
	}
	if len(plan.WebQueries) == 0 {
		plan.WebQueries = []string{question}
	}
	return &plan, nil
}

const evaluateSystem = `You review a retrieval plan for a question about
AWS services. Remove redundant sub-questions, tighten the web queries,
and decide whether web search is worth running at all for this
question. Documentation questions about stable AWS behavior usually do
not need it.`

// ReviseRetrievalPlan lets the model trim or reorder the plan. The
// caller keeps the original plan on error, so a malformed completion
// is reported as one.
func (a *Agents) ReviseRetrievalPlan(ctx context.Context, question string, plan *pipeline.Plan) (*pipeline.Plan, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	prompt := fmt.Sprintf(`Question: %s
Current plan: %s

Reply with the revised plan as JSON only:
{"sub_questions":["..."],"web_queries":["..."],"use_web_search":true}`, question, planJSON)

	content, err := a.chat(ctx, evaluateSystem, prompt, 1024)
	if err != nil {
		return nil, fmt.Errorf("revise plan: %w", err)
	}

	var revised pipeline.Plan
	if err := json.Unmarshal([]byte(extractJSON(content)), &revised); err != nil {
		return nil, fmt.Errorf("parse revised plan: %w", err)
	}
	if len(revised.SubQuestions) == 0 {
		revised.SubQuestions = plan.SubQuestions
	}
	return &revised, nil
}
