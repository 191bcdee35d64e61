package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/cascade/internal/pipeline"
)

// Thread is one conversation.
type Thread struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureThread creates the thread row if it does not exist yet and
// records the language of the latest turn.
func (s *Store) EnsureThread(ctx context.Context, threadID, language string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO threads (id, language)
		VALUES ($1, $2)
		ON CONFLICT (id)
		DO UPDATE SET language = $2`,
		threadID, language,
	)
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

// AppendMessage stores one message in the thread.
func (s *Store) AppendMessage(ctx context.Context, threadID, role, content string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, thread_id, role, content)
		VALUES (gen_random_uuid(), $1, $2, $3)`,
		threadID, role, content,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetHistory retrieves the last N messages of a thread in
// chronological order, shaped as pipeline turns.
func (s *Store) GetHistory(ctx context.Context, threadID string, limit int) ([]pipeline.Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(ctx, `
		SELECT role, content FROM (
			SELECT role, content, created_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var turns []pipeline.Turn
	for rows.Next() {
		var t pipeline.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
