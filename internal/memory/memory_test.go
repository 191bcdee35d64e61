package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/cascade/internal/pipeline"
	"go.uber.org/zap"
)

// These tests need a live Redis; set REDIS_URL to run them.
func newLiveRecent(t *testing.T) *Recent {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := New(Config{URL: url, MaxTurns: 3, TTL: time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWindowOrderAndTrim(t *testing.T) {
	r := newLiveRecent(t)
	ctx := context.Background()
	threadID := "memtest-" + t.Name()
	t.Cleanup(func() { r.Forget(ctx, threadID) })

	turns := []pipeline.Turn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
		{Role: "assistant", Content: "fourth"},
	}
	for _, turn := range turns {
		if err := r.Remember(ctx, threadID, turn); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}

	window, err := r.Window(ctx, threadID)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	// MaxTurns is 3, so "first" fell off and order is oldest-first.
	if len(window) != 3 {
		t.Fatalf("window size = %d, want 3", len(window))
	}
	if window[0].Content != "second" || window[2].Content != "fourth" {
		t.Errorf("wrong order: %+v", window)
	}
}

func TestForgetClearsWindow(t *testing.T) {
	r := newLiveRecent(t)
	ctx := context.Background()
	threadID := "memtest-" + t.Name()

	if err := r.Remember(ctx, threadID, pipeline.Turn{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := r.Forget(ctx, threadID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	window, err := r.Window(ctx, threadID)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(window) != 0 {
		t.Errorf("window not cleared: %+v", window)
	}
}
