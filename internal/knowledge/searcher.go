package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nidhogg/cascade/internal/pipeline"
	"go.uber.org/zap"
)

// Searcher embeds questions and joins their nearest neighbors from the
// knowledge base into evidence for the pipeline.
type Searcher struct {
	embedder   Embedder
	index      VectorIndex
	collection string
	topK       uint64
	minScore   float32
	logger     *zap.Logger
}

// NewSearcher creates a knowledge base searcher.
func NewSearcher(embedder Embedder, index VectorIndex, cfg QdrantConfig, logger *zap.Logger) *Searcher {
	topK := cfg.TopK
	if topK == 0 {
		topK = 3
	}
	return &Searcher{
		embedder:   embedder,
		index:      index,
		collection: cfg.Collection,
		topK:       topK,
		minScore:   0.35,
		logger:     logger,
	}
}

// SearchKnowledgeBase embeds all questions in one batch, searches each
// vector, and returns deduplicated hits as evidence.
func (s *Searcher) SearchKnowledgeBase(ctx context.Context, questions []string) ([]pipeline.Evidence, error) {
	if len(questions) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, questions)
	if err != nil {
		return nil, fmt.Errorf("embed questions: %w", err)
	}
	if len(vectors) != len(questions) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d questions", len(vectors), len(questions))
	}

	seen := make(map[string]bool)
	var evidence []pipeline.Evidence
	for i, vec := range vectors {
		hits, err := s.index.Search(ctx, s.collection, vec, s.topK)
		if err != nil {
			return nil, fmt.Errorf("search for %q: %w", questions[i], err)
		}
		for _, h := range hits {
			if h.Score < s.minScore || seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			source := h.Payload["source"]
			if source == "" {
				source = h.ID
			}
			evidence = append(evidence, pipeline.Evidence{
				Kind:    pipeline.EvidenceKnowledgeBase,
				Content: h.Payload["content"],
				Source:  source,
			})
		}
	}
	s.logger.Debug("knowledge base search",
		zap.Int("questions", len(questions)),
		zap.Int("evidence", len(evidence)))
	return evidence, nil
}

// Ingest embeds one document chunk and upserts it into the collection.
func (s *Searcher) Ingest(ctx context.Context, store *QdrantStore, content, source string) error {
	vectors, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedder returned %d vectors for one document", len(vectors))
	}
	return store.Upsert(ctx, s.collection, uuid.New().String(), vectors[0], map[string]string{
		"content": content,
		"source":  source,
	})
}
