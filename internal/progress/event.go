package progress

import "time"

// Stage identifies one step of the chat pipeline for progress display.
type Stage string

const (
	StageTranslation         Stage = "translation_processing"
	StageIntentionExtraction Stage = "intention_extraction"
	StageQuestionEnhancement Stage = "question_enhancement"
	StageDecomposition       Stage = "decomposition"
	StageReEvaluation        Stage = "re_evaluation"
	StageParallelRetrieval   Stage = "parallel_retrieval"
	StageKnowledgeBaseSearch Stage = "knowledge_base_search"
	StageWebSearch           Stage = "web_search"
	StageURLScraping         Stage = "url_scraping"
	StageResponseGeneration  Stage = "response_generation"
	StageCompleted           Stage = "completed"
	StageError               Stage = "error"
	StageCleanup             Stage = "cleanup"
)

// Terminal reports whether the stage ends a run. No event follows a
// terminal event within the same run.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError || s == StageCleanup
}

// Event is one immutable unit of pipeline-progress information.
type Event struct {
	Stage     Stage   `json:"stage"`
	Message   string  `json:"message"`
	Progress  *int    `json:"progress"` // 0–100, nil when the stage has no measurable sub-progress
	Details   Details `json:"details"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
}

// NewEvent builds an event stamped with the current wall clock.
func NewEvent(stage Stage, message string) Event {
	return Event{
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithProgress returns a copy of the event carrying a 0–100 percentage.
func (e Event) WithProgress(pct int) Event {
	e.Progress = &pct
	return e
}

// WithDetails returns a copy of the event carrying stage-specific details.
func (e Event) WithDetails(d Details) Event {
	e.Details = d
	return e
}

// Details is the stage-specific structured payload of an event. Each stage
// that publishes structured fields has its own concrete type; all of them
// serialize to a flat JSON object on the wire.
type Details interface {
	isDetails()
}

// IntentDetails accompanies intention_extraction once an intent is known.
type IntentDetails struct {
	ExtractedIntent string `json:"extracted_intent"`
	DomainRelevance string `json:"domain_relevance,omitempty"`
	Confidence      string `json:"confidence,omitempty"`
}

// EnhancementDetails accompanies question_enhancement with the rewritten question.
type EnhancementDetails struct {
	EnhancedQuestion string `json:"enhanced_question"`
}

// DecompositionDetails accompanies decomposition with the derived questions.
type DecompositionDetails struct {
	SubQuestions     []string `json:"sub_questions"`
	WebQueries       []string `json:"web_queries,omitempty"`
	SubQuestionCount int      `json:"sub_questions_count"`
	WebQueryCount    int      `json:"web_queries_count"`
}

// ScrapeDetails accompanies url_scraping with fan-out counters.
type ScrapeDetails struct {
	ScrapedCount int `json:"scraped_count"`
	TotalCount   int `json:"total_count"`
}

func (IntentDetails) isDetails()        {}
func (EnhancementDetails) isDetails()   {}
func (DecompositionDetails) isDetails() {}
func (ScrapeDetails) isDetails()        {}
