package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/cascade/internal/progress"
)

func TestRetrievalPartialScrapeFailure(t *testing.T) {
	caps := happyCaps()
	caps.Scraper = scrapeFunc(func(_ context.Context, url string) (string, error) {
		if strings.HasSuffix(url, "/1") {
			return "", errors.New("403 forbidden")
		}
		return "scraped " + url, nil
	})
	o, bus := newTestOrchestrator(t, caps, Config{})
	sub := bus.Subscribe("t1")

	res := o.Run(context.Background(), "t1", "What is EC2?",
		Options{UseWebSearch: true, TopURLs: 3})
	if res.Failed {
		t.Fatal("partial scrape failure must not fail the run")
	}

	scrapedEvidence := 0
	for _, ev := range res.Evidence {
		if ev.Kind == EvidenceScraped {
			scrapedEvidence++
		}
	}
	if scrapedEvidence != 2 {
		t.Errorf("expected 2 scraped fragments, got %d", scrapedEvidence)
	}

	// The failed URL still counts toward processed.
	events := collect(t, sub)
	final := 0
	for _, ev := range events {
		if d, ok := ev.Details.(progress.ScrapeDetails); ok && d.ScrapedCount > final {
			final = d.ScrapedCount
		}
	}
	if final != 3 {
		t.Errorf("scraped_count should reach 3 despite a failure, got %d", final)
	}
}

func TestRetrievalKnowledgeFailureKeepsWebEvidence(t *testing.T) {
	caps := happyCaps()
	caps.Knowledge = knowledgeFunc(func(context.Context, []string) ([]Evidence, error) {
		return nil, errors.New("qdrant unreachable")
	})
	o, _ := newTestOrchestrator(t, caps, Config{})

	res := o.Run(context.Background(), "t1", "What is EC2?",
		Options{UseWebSearch: true, TopURLs: 2})
	if res.Failed {
		t.Fatal("knowledge failure must not fail the run")
	}
	if len(res.Evidence) == 0 {
		t.Error("web evidence should survive a knowledge base failure")
	}
	for _, ev := range res.Evidence {
		if ev.Kind == EvidenceKnowledgeBase {
			t.Errorf("unexpected knowledge evidence after failure: %+v", ev)
		}
	}
}

func TestRetrievalDeadlineTruncatesSlowScrapes(t *testing.T) {
	caps := happyCaps()
	caps.Scraper = scrapeFunc(func(ctx context.Context, url string) (string, error) {
		if strings.HasSuffix(url, "/0") {
			return "scraped " + url, nil
		}
		<-ctx.Done() // hung scrape, only the deadline frees it
		return "", ctx.Err()
	})
	o, _ := newTestOrchestrator(t, caps, Config{RetrievalTimeout: 100 * time.Millisecond})

	start := time.Now()
	res := o.Run(context.Background(), "t1", "What is EC2?",
		Options{UseWebSearch: true, TopURLs: 3})
	if res.Failed {
		t.Fatal("timeout truncation must not fail the run")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("join blocked far past the deadline: %v", elapsed)
	}

	scraped := 0
	for _, ev := range res.Evidence {
		if ev.Kind == EvidenceScraped {
			scraped++
		}
	}
	if scraped != 1 {
		t.Errorf("expected only the fast scrape's evidence, got %d fragments", scraped)
	}
}

func TestRetrievalScrapeConcurrencyBound(t *testing.T) {
	const pool = 2
	var inFlight, peak int64
	caps := happyCaps()
	caps.WebSearch = webSearchFunc(func(_ context.Context, _ string, n int) ([]SearchHit, error) {
		hits := make([]SearchHit, 8)
		for i := range hits {
			hits[i] = SearchHit{URL: fmt.Sprintf("https://example.com/%d", i)}
		}
		return hits, nil
	})
	caps.Scraper = scrapeFunc(func(_ context.Context, url string) (string, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "ok", nil
	})
	o, _ := newTestOrchestrator(t, caps, Config{ScrapePool: pool, TopURLs: 8})

	res := o.Run(context.Background(), "t1", "What is EC2?",
		Options{UseWebSearch: true, TopURLs: 8})
	if res.Failed {
		t.Fatal("run should succeed")
	}
	if p := atomic.LoadInt64(&peak); p > pool {
		t.Errorf("scrape concurrency exceeded pool: peak %d > %d", p, pool)
	}
}
