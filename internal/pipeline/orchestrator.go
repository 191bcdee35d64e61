package pipeline

import (
	"context"
	"time"

	"github.com/nidhogg/cascade/internal/progress"
	"go.uber.org/zap"
)

const (
	defaultTopURLs          = 5
	defaultRetrievalTimeout = 45 * time.Second
	defaultScrapePool       = 3
)

// Config holds deployment-level pipeline settings.
type Config struct {
	TopURLs          int           // URLs to scrape per web search
	RetrievalTimeout time.Duration // overall fan-out/join deadline
	ScrapePool       int           // concurrent scrape slots
}

func (c Config) withDefaults() Config {
	if c.TopURLs <= 0 {
		c.TopURLs = defaultTopURLs
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = defaultRetrievalTimeout
	}
	if c.ScrapePool <= 0 {
		c.ScrapePool = defaultScrapePool
	}
	return c
}

// Options configures one chat turn.
type Options struct {
	Language     string // ENG or SIN
	UseWebSearch bool
	TopURLs      int    // overrides Config.TopURLs when > 0
	History      []Turn // prior conversation turns for context
}

// Response types returned to the chat layer.
const (
	ResponseDomain        = "domain_response"
	ResponseClarification = "clarification"
	ResponseGeneral       = "general"
	ResponseError         = "error"
)

// Result is the outcome of one pipeline run. The chat turn always gets an
// answer; Failed marks fallback answers produced after a run failure.
type Result struct {
	Answer           string     `json:"answer"`
	ResponseType     string     `json:"response_type"`
	Intent           *Intent    `json:"intent,omitempty"`
	EnhancedQuestion string     `json:"enhanced_question,omitempty"`
	SubQuestions     []string   `json:"sub_questions,omitempty"`
	Evidence         []Evidence `json:"-"`
	SourcesUsed      []string   `json:"sources_used,omitempty"`
	Failed           bool       `json:"-"`
	Duration         time.Duration `json:"-"`
}

// Orchestrator runs the fixed stage sequence for one user turn and owns
// its failure handling. It publishes progress through the injected bus
// and guarantees a terminal event on every path.
type Orchestrator struct {
	caps   Capabilities
	bus    *progress.Bus
	cfg    Config
	logger *zap.Logger
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(caps Capabilities, bus *progress.Bus, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		caps:   caps,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run executes the pipeline for one user turn. It never returns an
// error: total failure yields a localized fallback answer and a single
// sanitized error event. The run always ends with EndRun so subscribers
// never see a stuck workflow.
func (o *Orchestrator) Run(ctx context.Context, conversationID, question string, opts Options) *Result {
	start := time.Now()
	lang := opts.Language
	if lang == "" {
		lang = LangEnglish
	}

	o.bus.StartRun(conversationID)
	o.logger.Info("pipeline run started",
		zap.String("conversation", conversationID),
		zap.String("language", lang),
		zap.Bool("web_search", opts.UseWebSearch))

	res := o.execute(ctx, conversationID, question, lang, opts)
	res.Duration = time.Since(start)

	if res.Failed {
		o.bus.EndRun(conversationID, progress.NewEvent(progress.StageError,
			"An error occurred while processing your request"))
	} else {
		o.bus.EndRun(conversationID, progress.NewEvent(progress.StageCompleted,
			"Processing complete").WithProgress(100))
	}

	o.logger.Info("pipeline run finished",
		zap.String("conversation", conversationID),
		zap.String("response_type", res.ResponseType),
		zap.Duration("duration", res.Duration))
	return res
}

// execute walks the stage sequence: intention extraction → question
// enhancement → decomposition → re-evaluation → parallel retrieval →
// response generation. Stages with a degraded path recover locally;
// the rest fail the run.
func (o *Orchestrator) execute(ctx context.Context, conversationID, question, lang string, opts Options) *Result {
	res := &Result{ResponseType: ResponseDomain}

	fail := func(stage string, err error) *Result {
		o.logger.Error("pipeline stage failed",
			zap.String("conversation", conversationID),
			zap.String("stage", stage),
			zap.Error(err))
		res.Answer = FallbackAnswer(lang)
		res.ResponseType = ResponseError
		res.Failed = true
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail("start", err)
	}

	// Stage 1: intention extraction.
	o.publish(conversationID, progress.NewEvent(progress.StageIntentionExtraction,
		"Extracting user intention"))
	intent, err := o.caps.Intent.ExtractIntent(ctx, question, opts.History)
	if err != nil {
		return fail("intention_extraction", err)
	}
	res.Intent = intent
	o.publish(conversationID, progress.NewEvent(progress.StageIntentionExtraction,
		"Intention extracted").WithDetails(progress.IntentDetails{
		ExtractedIntent: intent.Intent,
		DomainRelevance: intent.DomainRelevance,
		Confidence:      intent.ConfidenceLabel(),
	}))

	// Clarification requests and out-of-domain questions skip retrieval
	// and go straight to generation.
	if intent.NeedsClarification || intent.DomainRelevance == "general" {
		if intent.NeedsClarification {
			res.ResponseType = ResponseClarification
		} else {
			res.ResponseType = ResponseGeneral
		}
		return o.generate(ctx, conversationID, question, question, lang, nil, res, fail)
	}

	if err := ctx.Err(); err != nil {
		return fail("question_enhancement", err)
	}

	// Stage 2: question enhancement. Failure degrades to the original question.
	o.publish(conversationID, progress.NewEvent(progress.StageQuestionEnhancement,
		"Enhancing user question"))
	enhanced, err := o.caps.Enhancer.EnhanceQuestion(ctx, question, intent)
	if err != nil || enhanced == "" {
		o.logger.Warn("question enhancement failed, using original question",
			zap.String("conversation", conversationID), zap.Error(err))
		enhanced = question
	} else {
		o.publish(conversationID, progress.NewEvent(progress.StageQuestionEnhancement,
			"Question enhanced").WithDetails(progress.EnhancementDetails{
			EnhancedQuestion: enhanced,
		}))
	}
	res.EnhancedQuestion = enhanced

	// Stage 3: decomposition. No degraded path at this level; the
	// capability itself falls back to a single sub-question on parse
	// trouble, so an error here fails the run.
	o.publish(conversationID, progress.NewEvent(progress.StageDecomposition,
		"Deriving sub-questions"))
	plan, err := o.caps.Decomposer.DecomposeQuestion(ctx, enhanced)
	if err != nil {
		return fail("decomposition", err)
	}
	if len(plan.SubQuestions) == 0 {
		plan.SubQuestions = []string{enhanced}
	}
	plan.UseWebSearch = opts.UseWebSearch
	res.SubQuestions = plan.SubQuestions
	o.publish(conversationID, progress.NewEvent(progress.StageDecomposition,
		"Sub-questions ready").WithDetails(progress.DecompositionDetails{
		SubQuestions:     plan.SubQuestions,
		WebQueries:       plan.WebQueries,
		SubQuestionCount: len(plan.SubQuestions),
		WebQueryCount:    len(plan.WebQueries),
	}))

	if err := ctx.Err(); err != nil {
		return fail("re_evaluation", err)
	}

	// Stage 4: re-evaluation. Failure keeps the original plan.
	o.publish(conversationID, progress.NewEvent(progress.StageReEvaluation,
		"Re-evaluating retrieval strategy"))
	revised, err := o.caps.Evaluator.ReviseRetrievalPlan(ctx, enhanced, plan)
	if err != nil || revised == nil {
		o.logger.Warn("re-evaluation failed, keeping original plan",
			zap.String("conversation", conversationID), zap.Error(err))
	} else {
		if opts.UseWebSearch && !revised.UseWebSearch {
			o.logger.Info("re-evaluation disabled web search",
				zap.String("conversation", conversationID))
		}
		plan = revised
		res.SubQuestions = plan.SubQuestions
	}

	if err := ctx.Err(); err != nil {
		return fail("parallel_retrieval", err)
	}

	// Stage 5: parallel retrieval. Partial failure is not an error.
	evidence := o.retrieve(ctx, conversationID, enhanced, plan, opts)
	res.Evidence = evidence
	for _, ev := range evidence {
		res.SourcesUsed = append(res.SourcesUsed, ev.Source)
	}

	return o.generate(ctx, conversationID, question, enhanced, lang, evidence, res, fail)
}

func (o *Orchestrator) generate(ctx context.Context, conversationID, question, enhanced, lang string,
	evidence []Evidence, res *Result, fail func(string, error) *Result) *Result {

	if err := ctx.Err(); err != nil {
		return fail("response_generation", err)
	}

	o.publish(conversationID, progress.NewEvent(progress.StageResponseGeneration,
		"Generating the response"))
	answer, err := o.caps.Generator.GenerateResponse(ctx, &GenerationRequest{
		Question:         question,
		EnhancedQuestion: enhanced,
		Intent:           res.Intent,
		SubQuestions:     res.SubQuestions,
		Evidence:         evidence,
		Language:         lang,
	})
	if err != nil || answer == "" {
		return fail("response_generation", err)
	}
	res.Answer = answer
	return res
}

// publish is the fire-and-forget emission point for all stages.
func (o *Orchestrator) publish(conversationID string, ev progress.Event) {
	o.bus.Publish(conversationID, ev)
}
