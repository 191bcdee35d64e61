package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/cascade/internal/pipeline"
	"github.com/nidhogg/cascade/internal/progress"
	"github.com/nidhogg/cascade/internal/stream"
	"go.uber.org/zap"
)

type intentFunc func(ctx context.Context, question string, history []pipeline.Turn) (*pipeline.Intent, error)

func (f intentFunc) ExtractIntent(ctx context.Context, q string, h []pipeline.Turn) (*pipeline.Intent, error) {
	return f(ctx, q, h)
}

type enhanceFunc func(ctx context.Context, question string, intent *pipeline.Intent) (string, error)

func (f enhanceFunc) EnhanceQuestion(ctx context.Context, q string, i *pipeline.Intent) (string, error) {
	return f(ctx, q, i)
}

type decomposeFunc func(ctx context.Context, question string) (*pipeline.Plan, error)

func (f decomposeFunc) DecomposeQuestion(ctx context.Context, q string) (*pipeline.Plan, error) {
	return f(ctx, q)
}

type evaluateFunc func(ctx context.Context, question string, plan *pipeline.Plan) (*pipeline.Plan, error)

func (f evaluateFunc) ReviseRetrievalPlan(ctx context.Context, q string, p *pipeline.Plan) (*pipeline.Plan, error) {
	return f(ctx, q, p)
}

type generateFunc func(ctx context.Context, req *pipeline.GenerationRequest) (string, error)

func (f generateFunc) GenerateResponse(ctx context.Context, r *pipeline.GenerationRequest) (string, error) {
	return f(ctx, r)
}

func testCapabilities(answer string) pipeline.Capabilities {
	return pipeline.Capabilities{
		Intent: intentFunc(func(context.Context, string, []pipeline.Turn) (*pipeline.Intent, error) {
			return &pipeline.Intent{Intent: "question", DomainRelevance: "domain", Confidence: 0.9}, nil
		}),
		Enhancer: enhanceFunc(func(_ context.Context, q string, _ *pipeline.Intent) (string, error) {
			return q, nil
		}),
		Decomposer: decomposeFunc(func(_ context.Context, q string) (*pipeline.Plan, error) {
			return &pipeline.Plan{SubQuestions: []string{q}}, nil
		}),
		Evaluator: evaluateFunc(func(_ context.Context, _ string, p *pipeline.Plan) (*pipeline.Plan, error) {
			return p, nil
		}),
		Generator: generateFunc(func(context.Context, *pipeline.GenerationRequest) (string, error) {
			return answer, nil
		}),
	}
}

func newTestHandler(t *testing.T) (*Handler, *progress.Bus) {
	t.Helper()
	logger := zap.NewNop()
	bus := progress.NewBus(progress.Options{GraceDelay: 10 * time.Millisecond}, logger)
	t.Cleanup(bus.Close)

	orch := pipeline.NewOrchestrator(testCapabilities("EC2 is a compute service."), bus, pipeline.Config{}, logger)
	verifier := stream.StaticTokenVerifier{Token: "secret"}
	transport := stream.NewTransport(bus, verifier, time.Minute, logger)
	h := NewHandler(orch, bus, transport, verifier, nil, nil, nil,
		map[string]bool{"web_search": false, "knowledge_base": false}, logger)
	return h, bus
}

func postChat(t *testing.T, srv *httptest.Server, threadID, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/"+threadID, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST chat: %v", err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestChatTurnReturnsAnswer(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp := postChat(t, srv, "t1", "secret", `{"message":"What is EC2?","language":"ENG"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Answer != "EC2 is a compute service." {
		t.Errorf("answer = %q", body.Answer)
	}
	if body.ThreadID != "t1" || body.ResponseType != pipeline.ResponseDomain {
		t.Errorf("unexpected response: %+v", body)
	}
}

func TestChatTurnRequiresToken(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp := postChat(t, srv, "t1", "wrong", `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatTurnRejectsEmptyMessage(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp := postChat(t, srv, "t1", "secret", `{"message":"  "}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamEndpointRejectsBadToken(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/chat/t1/stream?token=wrong")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// One chat turn observed end to end through the SSE endpoint.
func TestChatTurnStreamsProgress(t *testing.T) {
	h, bus := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	streamResp, err := http.Get(srv.URL + "/api/chat/t1/stream?token=secret")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer streamResp.Body.Close()
	reader := bufio.NewReader(streamResp.Body)

	// First frame is the connection handshake.
	if frame := readFrame(t, reader); frame["type"] != "connection" {
		t.Fatalf("first frame: %+v", frame)
	}
	waitForSubscriber(t, bus, "t1")

	done := make(chan *http.Response, 1)
	go func() {
		done <- postChat(t, srv, "t1", "secret", `{"message":"What is EC2?"}`)
	}()

	var stages []string
	for {
		frame := readFrame(t, reader)
		if frame["type"] == "cleanup" {
			break
		}
		if s, ok := frame["stage"].(string); ok {
			stages = append(stages, s)
		}
	}
	resp := <-done
	resp.Body.Close()

	if stages[0] != "intention_extraction" {
		t.Errorf("first stage = %q", stages[0])
	}
	if stages[len(stages)-1] != "completed" {
		t.Errorf("last stage = %q", stages[len(stages)-1])
	}
}

func TestWorkflowStatus(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/workflow/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "operational" {
		t.Errorf("status field = %v", body["status"])
	}
	if _, ok := body["components"].(map[string]any); !ok {
		t.Errorf("components missing: %+v", body)
	}
}

func readFrame(t *testing.T, reader *bufio.Reader) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		return frame
	}
	t.Fatal("no frame before deadline")
	return nil
}

func waitForSubscriber(t *testing.T, bus *progress.Bus, conversationID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount(conversationID) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}
