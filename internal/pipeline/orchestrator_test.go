package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nidhogg/cascade/internal/progress"
	"go.uber.org/zap"
)

// --- capability fakes ---

type intentFunc func(context.Context, string, []Turn) (*Intent, error)

func (f intentFunc) ExtractIntent(ctx context.Context, q string, h []Turn) (*Intent, error) {
	return f(ctx, q, h)
}

type enhanceFunc func(context.Context, string, *Intent) (string, error)

func (f enhanceFunc) EnhanceQuestion(ctx context.Context, q string, i *Intent) (string, error) {
	return f(ctx, q, i)
}

type decomposeFunc func(context.Context, string) (*Plan, error)

func (f decomposeFunc) DecomposeQuestion(ctx context.Context, q string) (*Plan, error) {
	return f(ctx, q)
}

type evaluateFunc func(context.Context, string, *Plan) (*Plan, error)

func (f evaluateFunc) ReviseRetrievalPlan(ctx context.Context, q string, p *Plan) (*Plan, error) {
	return f(ctx, q, p)
}

type knowledgeFunc func(context.Context, []string) ([]Evidence, error)

func (f knowledgeFunc) SearchKnowledgeBase(ctx context.Context, qs []string) ([]Evidence, error) {
	return f(ctx, qs)
}

type webSearchFunc func(context.Context, string, int) ([]SearchHit, error)

func (f webSearchFunc) SearchWeb(ctx context.Context, q string, n int) ([]SearchHit, error) {
	return f(ctx, q, n)
}

type scrapeFunc func(context.Context, string) (string, error)

func (f scrapeFunc) Scrape(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

type generateFunc func(context.Context, *GenerationRequest) (string, error)

func (f generateFunc) GenerateResponse(ctx context.Context, req *GenerationRequest) (string, error) {
	return f(ctx, req)
}

// happyCaps returns capabilities that succeed with canned outputs.
func happyCaps() Capabilities {
	return Capabilities{
		Intent: intentFunc(func(_ context.Context, q string, _ []Turn) (*Intent, error) {
			return &Intent{Intent: "explain " + q, DomainRelevance: "domain", Confidence: 0.9}, nil
		}),
		Enhancer: enhanceFunc(func(_ context.Context, q string, _ *Intent) (string, error) {
			return q + " (enhanced)", nil
		}),
		Decomposer: decomposeFunc(func(_ context.Context, q string) (*Plan, error) {
			return &Plan{
				SubQuestions: []string{"sub 1: " + q, "sub 2: " + q},
				WebQueries:   []string{q},
			}, nil
		}),
		Evaluator: evaluateFunc(func(_ context.Context, _ string, p *Plan) (*Plan, error) {
			return p, nil
		}),
		Knowledge: knowledgeFunc(func(_ context.Context, qs []string) ([]Evidence, error) {
			evs := make([]Evidence, len(qs))
			for i, q := range qs {
				evs[i] = Evidence{Kind: EvidenceKnowledgeBase, Content: "kb: " + q, Source: "kb"}
			}
			return evs, nil
		}),
		WebSearch: webSearchFunc(func(_ context.Context, _ string, n int) ([]SearchHit, error) {
			hits := make([]SearchHit, n)
			for i := range hits {
				hits[i] = SearchHit{
					Title:   fmt.Sprintf("hit %d", i),
					URL:     fmt.Sprintf("https://example.com/%d", i),
					Snippet: fmt.Sprintf("snippet %d", i),
					Score:   0.5,
				}
			}
			return hits, nil
		}),
		Scraper: scrapeFunc(func(_ context.Context, url string) (string, error) {
			return "scraped " + url, nil
		}),
		Generator: generateFunc(func(_ context.Context, req *GenerationRequest) (string, error) {
			return "answer to " + req.Question, nil
		}),
	}
}

func newTestOrchestrator(t *testing.T, caps Capabilities, cfg Config) (*Orchestrator, *progress.Bus) {
	t.Helper()
	bus := progress.NewBus(progress.Options{GraceDelay: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(bus.Close)
	return NewOrchestrator(caps, bus, cfg, zap.NewNop()), bus
}

// collect drains all events the subscriber received until its queue closes.
func collect(t *testing.T, sub *progress.Subscriber) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscriber queue never closed")
		}
	}
}

// stageWalk returns the distinct stages in first-occurrence order.
func stageWalk(events []progress.Event) []progress.Stage {
	var walk []progress.Stage
	for _, ev := range events {
		if len(walk) == 0 || walk[len(walk)-1] != ev.Stage {
			walk = append(walk, ev.Stage)
		}
	}
	return walk
}

func hasStage(events []progress.Event, s progress.Stage) bool {
	for _, ev := range events {
		if ev.Stage == s {
			return true
		}
	}
	return false
}

// --- tests ---

func TestRunWithoutWebSearch(t *testing.T) {
	o, bus := newTestOrchestrator(t, happyCaps(), Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "What is EC2?", Options{UseWebSearch: false})

	if res.Failed {
		t.Fatal("run should succeed")
	}
	if res.Answer != "answer to What is EC2?" {
		t.Errorf("unexpected answer: %q", res.Answer)
	}

	events := collect(t, sub)
	want := []progress.Stage{
		progress.StageIntentionExtraction,
		progress.StageQuestionEnhancement,
		progress.StageDecomposition,
		progress.StageReEvaluation,
		progress.StageParallelRetrieval,
		progress.StageKnowledgeBaseSearch,
		progress.StageResponseGeneration,
		progress.StageCompleted,
	}
	walk := stageWalk(events)
	if len(walk) != len(want) {
		t.Fatalf("expected walk %v, got %v", want, walk)
	}
	for i := range want {
		if walk[i] != want[i] {
			t.Fatalf("expected walk %v, got %v", want, walk)
		}
	}
	if hasStage(events, progress.StageURLScraping) {
		t.Error("url_scraping must not be emitted with web search disabled")
	}
	if hasStage(events, progress.StageWebSearch) {
		t.Error("web_search must not be emitted with web search disabled")
	}
}

func TestRunWithWebSearchScrapeProgress(t *testing.T) {
	o, bus := newTestOrchestrator(t, happyCaps(), Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "What is EC2?",
		Options{UseWebSearch: true, TopURLs: 3})
	if res.Failed {
		t.Fatal("run should succeed")
	}

	events := collect(t, sub)
	if !hasStage(events, progress.StageWebSearch) {
		t.Error("expected a web_search event")
	}

	var counts []int
	sawGeneration := false
	for _, ev := range events {
		if ev.Stage == progress.StageResponseGeneration {
			sawGeneration = true
		}
		if ev.Stage == progress.StageURLScraping {
			if sawGeneration {
				t.Error("url_scraping emitted after response_generation")
			}
			d, ok := ev.Details.(progress.ScrapeDetails)
			if !ok {
				t.Fatalf("url_scraping event without scrape details: %+v", ev)
			}
			if d.TotalCount != 3 {
				t.Errorf("expected total_count 3, got %d", d.TotalCount)
			}
			counts = append(counts, d.ScrapedCount)
		}
	}
	if len(counts) != 4 { // initial 0 plus one per URL
		t.Fatalf("expected 4 url_scraping events, got %d (%v)", len(counts), counts)
	}
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("scraped_count not monotonic: %v", counts)
		}
	}
	if counts[len(counts)-1] != 3 {
		t.Errorf("scraped_count should reach 3, got %v", counts)
	}
}

func TestDecompositionFailureFailsRun(t *testing.T) {
	caps := happyCaps()
	caps.Decomposer = decomposeFunc(func(context.Context, string) (*Plan, error) {
		return nil, errors.New("llm exploded: secret internals")
	})
	o, bus := newTestOrchestrator(t, caps, Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "What is EC2?", Options{})

	if !res.Failed {
		t.Fatal("run should be marked failed")
	}
	if res.Answer == "" {
		t.Error("caller must still receive a fallback answer")
	}
	if res.Answer != FallbackAnswer(LangEnglish) {
		t.Errorf("expected English fallback, got %q", res.Answer)
	}

	events := collect(t, sub)
	var errCount int
	for _, ev := range events {
		if ev.Stage == progress.StageError {
			errCount++
			if ev.Message == "" || ev.Message != "An error occurred while processing your request" {
				t.Errorf("error message must be sanitized, got %q", ev.Message)
			}
		}
	}
	if errCount != 1 {
		t.Errorf("expected exactly one error event, got %d", errCount)
	}
	if hasStage(events, progress.StageParallelRetrieval) {
		t.Error("pipeline must not proceed to retrieval after decomposition failure")
	}
	last := events[len(events)-1]
	if last.Stage != progress.StageError {
		t.Errorf("terminal event should be error, got %s", last.Stage)
	}
}

func TestEnhancementFailureDegrades(t *testing.T) {
	caps := happyCaps()
	caps.Enhancer = enhanceFunc(func(context.Context, string, *Intent) (string, error) {
		return "", errors.New("timeout")
	})
	o, _ := newTestOrchestrator(t, caps, Config{})

	res := o.Run(context.Background(), "t1", "What is EC2?", Options{})
	if res.Failed {
		t.Fatal("enhancement failure must degrade, not fail the run")
	}
	if res.EnhancedQuestion != "What is EC2?" {
		t.Errorf("expected original question on degraded path, got %q", res.EnhancedQuestion)
	}
}

func TestReEvaluatorCanDisableWebSearch(t *testing.T) {
	caps := happyCaps()
	caps.Evaluator = evaluateFunc(func(_ context.Context, _ string, p *Plan) (*Plan, error) {
		revised := *p
		revised.UseWebSearch = false
		return &revised, nil
	})
	o, bus := newTestOrchestrator(t, caps, Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "What is EC2?", Options{UseWebSearch: true})
	if res.Failed {
		t.Fatal("run should succeed")
	}
	events := collect(t, sub)
	if hasStage(events, progress.StageWebSearch) {
		t.Error("web search should be skipped after re-evaluation disabled it")
	}
}

func TestClarificationSkipsRetrieval(t *testing.T) {
	caps := happyCaps()
	caps.Intent = intentFunc(func(context.Context, string, []Turn) (*Intent, error) {
		return &Intent{
			Intent:             "unclear",
			DomainRelevance:    "domain",
			Confidence:         0.3,
			NeedsClarification: true,
		}, nil
	})
	o, bus := newTestOrchestrator(t, caps, Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "it?", Options{UseWebSearch: true})
	if res.ResponseType != ResponseClarification {
		t.Errorf("expected clarification response type, got %s", res.ResponseType)
	}
	events := collect(t, sub)
	if hasStage(events, progress.StageParallelRetrieval) {
		t.Error("clarification turn must not run retrieval")
	}
	if !hasStage(events, progress.StageResponseGeneration) {
		t.Error("clarification turn must still generate a response")
	}
}

func TestLateSubscriberSeesOnlyCurrentStage(t *testing.T) {
	genEntered := make(chan struct{})
	release := make(chan struct{})
	caps := happyCaps()
	caps.Generator = generateFunc(func(ctx context.Context, req *GenerationRequest) (string, error) {
		close(genEntered)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "late answer", nil
	})
	o, bus := newTestOrchestrator(t, caps, Config{})

	resCh := make(chan *Result, 1)
	go func() {
		resCh <- o.Run(context.Background(), "t1", "What is EC2?", Options{})
	}()

	<-genEntered
	sub := bus.Subscribe("t1")
	close(release)

	res := <-resCh
	if res.Failed {
		t.Fatal("run should succeed")
	}
	events := collect(t, sub)
	if len(events) < 2 {
		t.Fatalf("late subscriber expected replay + terminal, got %v", events)
	}
	if events[0].Stage != progress.StageResponseGeneration {
		t.Errorf("late subscriber must first see the current stage, got %s", events[0].Stage)
	}
	for _, ev := range events {
		switch ev.Stage {
		case progress.StageResponseGeneration, progress.StageCompleted:
		default:
			t.Errorf("late subscriber received pre-join event %s", ev.Stage)
		}
	}
	if events[len(events)-1].Stage != progress.StageCompleted {
		t.Errorf("expected completed last, got %s", events[len(events)-1].Stage)
	}
}

func TestCancelledContextFailsFast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, bus := newTestOrchestrator(t, happyCaps(), Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(ctx, "t1", "What is EC2?", Options{Language: LangSinhala})
	if !res.Failed {
		t.Fatal("cancelled run should fail")
	}
	if res.Answer != FallbackAnswer(LangSinhala) {
		t.Errorf("expected Sinhala fallback, got %q", res.Answer)
	}
	events := collect(t, sub)
	if events[len(events)-1].Stage != progress.StageError {
		t.Error("cancelled run must still terminate with an error event")
	}
}

func TestRunWithZeroSubscribersCompletes(t *testing.T) {
	o, bus := newTestOrchestrator(t, happyCaps(), Config{})

	res := o.Run(context.Background(), "t1", "What is EC2?", Options{UseWebSearch: true})
	if res.Failed || res.Answer == "" {
		t.Fatalf("unobserved run must still complete, got %+v", res)
	}
	// Run state is torn down immediately with no subscribers.
	if _, ok := bus.LastEvent("t1"); ok {
		t.Error("run state should be gone after an unobserved run ends")
	}
}
