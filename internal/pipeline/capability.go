package pipeline

import "context"

// Supported answer languages.
const (
	LangEnglish = "ENG"
	LangSinhala = "SIN"
)

// Turn is one prior exchange of a conversation, used as stage context.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Intent is the classified intention behind a user question.
type Intent struct {
	Intent             string  `json:"intent"`
	DomainRelevance    string  `json:"domain_relevance"` // "domain", "general", "unknown"
	Confidence         float64 `json:"confidence"`
	NeedsClarification bool    `json:"needs_clarification"`
	Clarification      string  `json:"clarification,omitempty"`
}

// ConfidenceLabel buckets the numeric confidence for progress display.
func (i *Intent) ConfidenceLabel() string {
	switch {
	case i.Confidence > 0.8:
		return "high"
	case i.Confidence > 0.5:
		return "medium"
	default:
		return "low"
	}
}

// Plan is the retrieval strategy derived from decomposition and optionally
// revised by re-evaluation.
type Plan struct {
	SubQuestions []string `json:"sub_questions"`
	WebQueries   []string `json:"web_queries"`
	UseWebSearch bool     `json:"use_web_search"`
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Evidence source kinds.
const (
	EvidenceKnowledgeBase = "knowledge_base"
	EvidenceWebSearch     = "web_search"
	EvidenceScraped       = "scraped_content"
)

// Evidence is one retrieved fragment feeding response generation.
type Evidence struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Source  string `json:"source"` // URL or knowledge-base identifier
}

// GenerationRequest carries everything the response generator needs.
type GenerationRequest struct {
	Question         string
	EnhancedQuestion string
	Intent           *Intent
	SubQuestions     []string
	Evidence         []Evidence
	Language         string
}

// The pipeline consumes its AI services through these capability
// interfaces; concrete implementations live in internal/agents,
// internal/knowledge and internal/search.

type IntentExtractor interface {
	ExtractIntent(ctx context.Context, question string, history []Turn) (*Intent, error)
}

type QuestionEnhancer interface {
	EnhanceQuestion(ctx context.Context, question string, intent *Intent) (string, error)
}

type QuestionDecomposer interface {
	DecomposeQuestion(ctx context.Context, question string) (*Plan, error)
}

type ReEvaluator interface {
	ReviseRetrievalPlan(ctx context.Context, question string, plan *Plan) (*Plan, error)
}

type KnowledgeSearcher interface {
	SearchKnowledgeBase(ctx context.Context, questions []string) ([]Evidence, error)
}

type WebSearcher interface {
	SearchWeb(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

type Scraper interface {
	Scrape(ctx context.Context, url string) (string, error)
}

type ResponseGenerator interface {
	GenerateResponse(ctx context.Context, req *GenerationRequest) (string, error)
}

// Capabilities bundles the stage implementations injected into the
// Orchestrator. Knowledge, WebSearch and Scraper may be nil; the
// retrieval stage skips what is absent.
type Capabilities struct {
	Intent     IntentExtractor
	Enhancer   QuestionEnhancer
	Decomposer QuestionDecomposer
	Evaluator  ReEvaluator
	Knowledge  KnowledgeSearcher
	WebSearch  WebSearcher
	Scraper    Scraper
	Generator  ResponseGenerator
}
