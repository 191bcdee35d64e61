// Package api exposes the chat-turn trigger and the workflow progress
// stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/cascade/internal/memory"
	"github.com/nidhogg/cascade/internal/pipeline"
	"github.com/nidhogg/cascade/internal/progress"
	"github.com/nidhogg/cascade/internal/store"
	"github.com/nidhogg/cascade/internal/stream"
	"github.com/nidhogg/cascade/internal/translate"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers. Store, recent memory
// and translator are optional; the chat turn degrades without them.
type Handler struct {
	orchestrator *pipeline.Orchestrator
	bus          *progress.Bus
	transport    *stream.Transport
	verifier     stream.TokenVerifier
	store        *store.Store
	recent       *memory.Recent
	translator   *translate.Translator
	components   map[string]bool
	logger       *zap.Logger
}

// NewHandler creates the API handler. components is a capability
// snapshot reported by the workflow status endpoint.
func NewHandler(
	orchestrator *pipeline.Orchestrator,
	bus *progress.Bus,
	transport *stream.Transport,
	verifier stream.TokenVerifier,
	st *store.Store,
	recent *memory.Recent,
	translator *translate.Translator,
	components map[string]bool,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		bus:          bus,
		transport:    transport,
		verifier:     verifier,
		store:        st,
		recent:       recent,
		translator:   translator,
		components:   components,
		logger:       logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/chat/{threadID}", h.chatTurn)
		r.Get("/chat/{threadID}/stream", h.streamProgress)
		r.Get("/workflow/status", h.workflowStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cascade"})
}

type chatRequest struct {
	Message      string `json:"message"`
	Language     string `json:"language"`
	UseWebSearch bool   `json:"use_web_search"`
}

type chatResponse struct {
	ThreadID     string   `json:"thread_id"`
	Answer       string   `json:"answer"`
	ResponseType string   `json:"response_type"`
	SourcesUsed  []string `json:"sources_used,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
}

// chatTurn runs one full workflow turn synchronously. Progress is
// observable on the stream endpoint while this request is in flight.
func (h *Handler) chatTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	if err := h.verifier.VerifyToken(bearerToken(r)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.Language == "" {
		req.Language = pipeline.LangEnglish
	}

	ctx := r.Context()
	h.persistUserTurn(ctx, threadID, req.Language, req.Message)
	history := h.loadHistory(ctx, threadID)

	question := req.Message
	if req.Language == pipeline.LangSinhala && h.translator != nil {
		// Translation runs before the pipeline; open the run early so
		// attached subscribers see the stage.
		h.bus.StartRun(threadID)
		h.bus.Publish(threadID, progress.NewEvent(progress.StageTranslation, "Translating your message"))
		translated, err := h.translator.ToEnglish(ctx, question)
		if err != nil {
			h.logger.Warn("translation failed, continuing with original text",
				zap.String("thread_id", threadID), zap.Error(err))
		} else {
			question = translated
		}
		history = h.translator.HistoryToEnglish(ctx, history)
	}

	res := h.orchestrator.Run(ctx, threadID, question, pipeline.Options{
		Language:     req.Language,
		UseWebSearch: req.UseWebSearch,
		History:      history,
	})

	h.persistAssistantTurn(ctx, threadID, req.Message, res.Answer)

	writeJSON(w, http.StatusOK, chatResponse{
		ThreadID:     threadID,
		Answer:       res.Answer,
		ResponseType: res.ResponseType,
		SourcesUsed:  res.SourcesUsed,
		DurationMS:   res.Duration.Milliseconds(),
	})
}

// streamProgress attaches the caller to the thread's SSE stream. The
// token travels as a query parameter because EventSource cannot set
// headers.
func (h *Handler) streamProgress(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	token := r.URL.Query().Get("token")

	if err := h.transport.Attach(w, r, threadID, token); err != nil {
		if errors.Is(err, stream.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		h.logger.Warn("stream ended with error",
			zap.String("thread_id", threadID), zap.Error(err))
	}
}

func (h *Handler) workflowStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.bus.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "operational",
		"components": h.components,
		"workflow": map[string]any{
			"active_runs": stats.ActiveRuns,
			"subscribers": stats.ActiveSubscribers,
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *Handler) persistUserTurn(ctx context.Context, threadID, language, message string) {
	if h.store != nil {
		if err := h.store.EnsureThread(ctx, threadID, language); err != nil {
			h.logger.Warn("ensure thread failed", zap.Error(err))
		} else if err := h.store.AppendMessage(ctx, threadID, "user", message); err != nil {
			h.logger.Warn("persist user message failed", zap.Error(err))
		}
	}
}

func (h *Handler) persistAssistantTurn(ctx context.Context, threadID, userMessage, answer string) {
	if h.store != nil {
		if err := h.store.AppendMessage(ctx, threadID, "assistant", answer); err != nil {
			h.logger.Warn("persist assistant message failed", zap.Error(err))
		}
	}
	if h.recent != nil {
		if err := h.recent.Remember(ctx, threadID, pipeline.Turn{Role: "user", Content: userMessage}); err != nil {
			h.logger.Warn("cache user turn failed", zap.Error(err))
		}
		if err := h.recent.Remember(ctx, threadID, pipeline.Turn{Role: "assistant", Content: answer}); err != nil {
			h.logger.Warn("cache assistant turn failed", zap.Error(err))
		}
	}
}

// loadHistory prefers the Redis window and falls back to the database.
func (h *Handler) loadHistory(ctx context.Context, threadID string) []pipeline.Turn {
	if h.recent != nil {
		turns, err := h.recent.Window(ctx, threadID)
		if err == nil && len(turns) > 0 {
			return turns
		}
		if err != nil {
			h.logger.Warn("recent window read failed", zap.Error(err))
		}
	}
	if h.store != nil {
		turns, err := h.store.GetHistory(ctx, threadID, 10)
		if err != nil {
			h.logger.Warn("history read failed", zap.Error(err))
			return nil
		}
		return turns
	}
	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
