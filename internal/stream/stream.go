// Package stream serves workflow progress to clients over Server-Sent
// Events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nidhogg/cascade/internal/progress"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the caller's token does not verify.
var ErrUnauthorized = errors.New("invalid token")

// TokenVerifier authenticates stream callers. Real token issuance is an
// external concern; the transport only needs a yes/no.
type TokenVerifier interface {
	VerifyToken(token string) error
}

// StaticTokenVerifier accepts exactly one configured token. Used in
// development wiring; production deployments inject their own verifier.
type StaticTokenVerifier struct {
	Token string
}

func (v StaticTokenVerifier) VerifyToken(token string) error {
	if v.Token == "" || token != v.Token {
		return ErrUnauthorized
	}
	return nil
}

// Transport attaches HTTP clients to the progress bus as SSE streams.
type Transport struct {
	bus       *progress.Bus
	verifier  TokenVerifier
	keepalive time.Duration
	logger    *zap.Logger
}

// NewTransport creates the SSE transport. keepalive <= 0 means 30s.
func NewTransport(bus *progress.Bus, verifier TokenVerifier, keepalive time.Duration, logger *zap.Logger) *Transport {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Transport{
		bus:       bus,
		verifier:  verifier,
		keepalive: keepalive,
		logger:    logger,
	}
}

type connectionFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id"`
	Timestamp int64  `json:"timestamp"`
}

type stateFrame struct {
	Type      string            `json:"type"`
	ThreadID  string            `json:"thread_id"`
	Stage     progress.Stage    `json:"stage"`
	Message   string            `json:"message"`
	Progress  *int              `json:"progress"`
	Details   progress.Details  `json:"details"`
	Timestamp int64             `json:"timestamp"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// frameType maps the terminal and teardown stages to their own frame
// types; everything else is a state_update.
func frameType(stage progress.Stage) string {
	switch stage {
	case progress.StageCompleted:
		return "completed"
	case progress.StageCleanup:
		return "cleanup"
	default:
		return "state_update"
	}
}

// Attach authenticates the caller, subscribes it to the conversation
// and streams events until the run ends or the client disconnects.
func (t *Transport) Attach(w http.ResponseWriter, r *http.Request, conversationID, token string) error {
	if err := t.verifier.VerifyToken(token); err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthorized, conversationID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported by response writer")
	}

	sub := t.bus.Subscribe(conversationID)
	defer t.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, flusher, connectionFrame{
		Type:      "connection",
		Message:   "Connected to workflow state stream",
		ThreadID:  conversationID,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	t.logger.Debug("stream attached", zap.String("conversation_id", conversationID))
	keepalive := time.NewTimer(t.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			t.logger.Debug("stream client disconnected",
				zap.String("conversation_id", conversationID))
			return nil

		case ev, open := <-sub.Events():
			if !open {
				return nil
			}
			if err := writeFrame(w, flusher, stateFrame{
				Type:      frameType(ev.Stage),
				ThreadID:  conversationID,
				Stage:     ev.Stage,
				Message:   ev.Message,
				Progress:  ev.Progress,
				Details:   ev.Details,
				Timestamp: ev.Timestamp,
			}); err != nil {
				return err
			}
			if ev.Stage.Terminal() {
				// Announce teardown so clients can close cleanly
				// instead of reconnecting.
				writeFrame(w, flusher, stateFrame{
					Type:      "cleanup",
					ThreadID:  conversationID,
					Stage:     progress.StageCleanup,
					Message:   "Workflow stream closing",
					Timestamp: time.Now().UnixMilli(),
				})
				return nil
			}
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(t.keepalive)

		case <-keepalive.C:
			if err := writeFrame(w, flusher, pingFrame{
				Type:      "ping",
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return err
			}
			keepalive.Reset(t.keepalive)
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}
