package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/cascade/internal/progress"
	"go.uber.org/zap"
)

// retrieve fans out the retrieval work items — one aggregated
// knowledge-base search plus, when enabled, a web search followed by
// per-URL scrapes — and joins their evidence. The whole fan-out runs
// under one deadline; work still outstanding when it expires is treated
// as failed-by-timeout and excluded.
func (o *Orchestrator) retrieve(ctx context.Context, conversationID, question string, plan *Plan, opts Options) []Evidence {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	o.publish(conversationID, progress.NewEvent(progress.StageParallelRetrieval,
		"Gathering relevant data"))

	var (
		mu       sync.Mutex
		evidence []Evidence
	)
	add := func(evs ...Evidence) {
		mu.Lock()
		evidence = append(evidence, evs...)
		mu.Unlock()
	}

	var wg sync.WaitGroup

	if o.caps.Knowledge != nil && len(plan.SubQuestions) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.publish(conversationID, progress.NewEvent(progress.StageKnowledgeBaseSearch,
				"Searching knowledge base"))
			evs, err := o.caps.Knowledge.SearchKnowledgeBase(ctx, plan.SubQuestions)
			if err != nil {
				o.logger.Warn("knowledge base search failed",
					zap.String("conversation", conversationID), zap.Error(err))
				return
			}
			add(evs...)
		}()
	}

	if plan.UseWebSearch && o.caps.WebSearch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.retrieveWeb(ctx, conversationID, question, plan, opts, add)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("retrieval deadline reached, returning partial evidence",
			zap.String("conversation", conversationID))
		// Child calls share ctx and unwind on their own; join on them so
		// the evidence slice is no longer written to.
		<-done
	}

	mu.Lock()
	out := make([]Evidence, len(evidence))
	copy(out, evidence)
	mu.Unlock()

	o.logger.Info("retrieval complete",
		zap.String("conversation", conversationID),
		zap.Int("evidence", len(out)))
	return out
}

// retrieveWeb runs one web search and scrapes the top URLs through a
// bounded worker pool, emitting a url_scraping event after every scrape
// completes, success or not.
func (o *Orchestrator) retrieveWeb(ctx context.Context, conversationID, question string,
	plan *Plan, opts Options, add func(...Evidence)) {

	o.publish(conversationID, progress.NewEvent(progress.StageWebSearch,
		"Searching the web"))

	query := question
	if len(plan.WebQueries) > 0 {
		query = plan.WebQueries[0]
	}
	topN := opts.TopURLs
	if topN <= 0 {
		topN = o.cfg.TopURLs
	}

	hits, err := o.caps.WebSearch.SearchWeb(ctx, query, topN)
	if err != nil {
		o.logger.Warn("web search failed",
			zap.String("conversation", conversationID), zap.Error(err))
		return
	}

	var urls []string
	for _, h := range hits {
		if h.Snippet != "" {
			add(Evidence{Kind: EvidenceWebSearch, Content: h.Snippet, Source: h.URL})
		}
		if h.URL != "" && len(urls) < topN {
			urls = append(urls, h.URL)
		}
	}
	if len(urls) == 0 || o.caps.Scraper == nil {
		return
	}

	total := len(urls)
	o.publish(conversationID, progress.NewEvent(progress.StageURLScraping,
		fmt.Sprintf("Scraping %d URLs", total)).
		WithProgress(0).
		WithDetails(progress.ScrapeDetails{ScrapedCount: 0, TotalCount: total}))

	// Semaphore-bounded fan-out; the counter and its progress event share
	// one mutex so observed scraped_count values never go backwards.
	sem := make(chan struct{}, o.cfg.ScrapePool)
	var (
		progressMu sync.Mutex
		scraped    int
		wg         sync.WaitGroup
	)
	for _, u := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			content, err := o.caps.Scraper.Scrape(ctx, url)
			if err != nil {
				o.logger.Warn("scrape failed",
					zap.String("conversation", conversationID),
					zap.String("url", url), zap.Error(err))
			} else if content != "" {
				add(Evidence{Kind: EvidenceScraped, Content: content, Source: url})
			}

			// Failed scrapes still count as processed.
			progressMu.Lock()
			scraped++
			n := scraped
			o.publish(conversationID, progress.NewEvent(progress.StageURLScraping,
				fmt.Sprintf("Scraped %d/%d URLs", n, total)).
				WithProgress(n*100/total).
				WithDetails(progress.ScrapeDetails{ScrapedCount: n, TotalCount: total}))
			progressMu.Unlock()
		}(u)
	}
	wg.Wait()
}
