package router_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/appkitstudio/llamactl/internal/config"
	"github.com/appkitstudio/llamactl/internal/router"
	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/pkg/models"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	root := t.TempDir()
	st, err := state.New(config.Paths{Root: root, AgentsDir: root + "/agents"})
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return st
}

func newTestRouter(t *testing.T, st *state.Store) *router.Server {
	t.Helper()
	cfg, err := st.Router()
	if err != nil {
		t.Fatalf("Router(): %v", err)
	}
	return router.New(st, cfg)
}

// addBackend persists a backend pointed at baseURL (an httptest server)
// with the given status.
func addBackend(t *testing.T, st *state.Store, modelName, baseURL string, status models.BackendStatus, embeddings bool) *models.BackendConfig {
	t.Helper()
	host, port := splitAddr(t, baseURL)
	b := &models.BackendConfig{
		ID:         models.SanitizeID(modelName),
		ModelName:  modelName,
		ModelPath:  "/models/" + modelName,
		Host:       host,
		Port:       port,
		Threads:    4,
		CtxSize:    4096,
		Embeddings: embeddings,
		Status:     status,
		Label:      models.LabelPrefix + models.SanitizeID(modelName),
	}
	if err := st.CreateBackend(b); err != nil {
		t.Fatalf("CreateBackend(%s): %v", modelName, err)
	}
	return b
}

func splitAddr(t *testing.T, baseURL string) (string, int) {
	t.Helper()
	if baseURL == "" {
		return "127.0.0.1", 1 // reserved port, nothing listens
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parsing %q: %v", baseURL, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting %q: %v", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── Service endpoints ────────────────────────────────────────

func TestHealth(t *testing.T) {
	st := newTestStore(t)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "router" {
		t.Errorf("body = %v, want status ok service router", body)
	}
	if body["uptime"] == nil || body["timestamp"] == nil {
		t.Errorf("missing uptime/timestamp in %v", body)
	}
}

// ── Model listing ────────────────────────────────────────────

func TestListModelsOnlyRunning(t *testing.T) {
	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", "http://127.0.0.1:9101", models.StatusRunning, false)
	addBackend(t, st, "qwen2.5-7b.gguf", "http://127.0.0.1:9102", models.StatusStopped, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q, want list", list.Object)
	}
	if len(list.Data) != 1 {
		t.Fatalf("got %d models, want 1 (stopped backends are hidden)", len(list.Data))
	}
	if list.Data[0].ID != "llama-3.2-1b.gguf" || list.Data[0].OwnedBy != "local" {
		t.Errorf("descriptor = %+v", list.Data[0])
	}
}

func TestGetModelInventsDescriptorForUnknown(t *testing.T) {
	st := newTestStore(t)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/models/gpt-4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for probed cloud names", rec.Code)
	}
	var desc struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc.ID != "gpt-4" || desc.Object != "model" {
		t.Errorf("descriptor = %+v, want id gpt-4", desc)
	}
}

// ── OpenAI proxying ──────────────────────────────────────────

func TestChatCompletionsProxiesVerbatim(t *testing.T) {
	reqBody := `{"model":"llama-3.2-1b.gguf","messages":[{"role":"user","content":"Hello"}],"temperature":0.7}`
	respBody := `{"id":"chatcmpl-1","object":"chat.completion","model":"llama-3.2-1b.gguf",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"Hi!"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

	var seen []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		seen, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respBody)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", reqBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if string(seen) != reqBody {
		t.Errorf("backend saw %q, want the request body verbatim", seen)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != respBody {
		t.Errorf("response = %q, want upstream body verbatim", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestChatCompletionsModelMatching(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "Qwen2.5-Coder-7B_Q4.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	hits := []string{
		"Qwen2.5-Coder-7B_Q4.gguf", // exact
		"qwen2.5-coder-7b_q4.GGUF", // case-insensitive
		"Qwen2.5-Coder-7B_Q4",      // extension appended
		"QWEN2.5-CODER-7B-Q4",      // normalized: case, extension, _ vs -
	}
	for _, model := range hits {
		body := fmt.Sprintf(`{"model":%q,"messages":[]}`, model)
		rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
		if rec.Code != http.StatusOK {
			t.Errorf("model %q: status = %d, want 200: %s", model, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", `{"model":"mistral-7b","messages":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown model: status = %d, want 404", rec.Code)
	}
	var errResp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errResp.Code != "MODEL_NOT_FOUND" {
		t.Errorf("code = %q, want MODEL_NOT_FOUND", errResp.Code)
	}
}

func TestChatCompletionsIgnoresStoppedBackends(t *testing.T) {
	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", "http://127.0.0.1:9101", models.StatusStopped, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3.2-1b.gguf","messages":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when the only backend is stopped", rec.Code)
	}
}

func TestChatCompletionsRejectsBadBody(t *testing.T) {
	st := newTestStore(t)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing model: status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsUpstreamDown(t *testing.T) {
	st := newTestStore(t)
	// Port 1 is never listening.
	addBackend(t, st, "llama-3.2-1b.gguf", "", models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3.2-1b.gguf","messages":[]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var errResp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errResp.Code != "UPSTREAM_FAILURE" {
		t.Errorf("code = %q, want UPSTREAM_FAILURE", errResp.Code)
	}
}

func TestChatCompletionsStreamingPassThrough(t *testing.T) {
	frames := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: [DONE]\n\n"
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3.2-1b.gguf","messages":[],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != frames {
		t.Errorf("stream = %q, want upstream frames verbatim", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

// ── Embeddings ───────────────────────────────────────────────

func TestEmbeddingsRequiresFlag(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[]}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "nomic-embed.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings",
		`{"model":"nomic-embed.gguf","input":"hello"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when embeddings are disabled", rec.Code)
	}
	var errResp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errResp.Code != "EMBEDDINGS_DISABLED" {
		t.Errorf("code = %q, want EMBEDDINGS_DISABLED", errResp.Code)
	}
}

func TestEmbeddingsProxiesWhenEnabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"embedding":[0.1,0.2]}]}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "nomic-embed.gguf", backend.URL, models.StatusRunning, true)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings",
		`{"model":"nomic-embed.gguf","input":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

// ── Anthropic Messages ───────────────────────────────────────

func TestMessagesNonStreaming(t *testing.T) {
	var upstream []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"llama-3.2-1b.gguf",`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"llama-3.2-1b.gguf","max_tokens":100,"system":"Be brief.",`+
			`"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// The upstream call is OpenAI-shaped with the system prompt folded in.
	var chatReq struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(upstream, &chatReq); err != nil {
		t.Fatalf("unmarshal upstream: %v", err)
	}
	if len(chatReq.Messages) != 2 || chatReq.Messages[0].Role != "system" || chatReq.Messages[1].Content != "Hello" {
		t.Errorf("upstream messages = %+v", chatReq.Messages)
	}

	var msg struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Role       string `json:"role"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Errorf("id = %q, want msg_ prefix", msg.ID)
	}
	if msg.Type != "message" || msg.Role != "assistant" {
		t.Errorf("type/role = %q/%q", msg.Type, msg.Role)
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != "text" || msg.Content[0].Text != "Hi there" {
		t.Errorf("content = %+v", msg.Content)
	}
	if msg.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", msg.StopReason)
	}
	if msg.Usage.InputTokens != 12 || msg.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v, want 12/3", msg.Usage)
	}
}

type sseEvent struct {
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.event == "" {
			t.Fatalf("frame without event type: %q", frame)
		}
		out = append(out, ev)
	}
	return out
}

func TestMessagesStreaming(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hi"}}]}`,
			`{"choices":[{"delta":{"content":" there"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"llama-3.2-1b.gguf","max_tokens":100,"stream":true,`+
			`"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, rec.Body.String())
	wantSeq := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(events) != len(wantSeq) {
		t.Fatalf("got %d events %v, want %d", len(events), eventTypes(events), len(wantSeq))
	}
	for i, want := range wantSeq {
		if events[i].event != want {
			t.Errorf("event[%d] = %q, want %q", i, events[i].event, want)
		}
	}

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(events[5].data), &delta); err != nil {
		t.Fatalf("unmarshal message_delta: %v", err)
	}
	if delta.Delta.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", delta.Delta.StopReason)
	}
	if delta.Usage.OutputTokens != 2 {
		t.Errorf("output_tokens = %d, want the backend-reported 2", delta.Usage.OutputTokens)
	}

	var blockDelta struct {
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(events[2].data), &blockDelta); err != nil {
		t.Fatalf("unmarshal content_block_delta: %v", err)
	}
	if blockDelta.Delta.Type != "text_delta" || blockDelta.Delta.Text != "Hi" {
		t.Errorf("first delta = %+v", blockDelta.Delta)
	}
}

func TestMessagesStreamingUpstreamTruncated(t *testing.T) {
	// Upstream dies after one content chunk: no finish_reason, no [DONE].
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"llama-3.2-1b.gguf","max_tokens":100,"stream":true,`+
			`"messages":[{"role":"user","content":"Hello"}]}`)

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.event != "message_stop" {
		t.Errorf("last event = %q, want message_stop even on a truncated upstream", last.event)
	}
}

func TestMessagesErrorShape(t *testing.T) {
	st := newTestStore(t)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages", `{"max_tokens":10,"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing model: status = %d, want 400", rec.Code)
	}
	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "error" || env.Error.Type != "invalid_request_error" {
		t.Errorf("envelope = %+v, want invalid_request_error", env)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"nope","max_tokens":10,"messages":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown model: status = %d, want 404", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != "not_found_error" {
		t.Errorf("error type = %q, want not_found_error", env.Error.Type)
	}
}

func TestCountTokens(t *testing.T) {
	st := newTestStore(t)
	h := newTestRouter(t, st).Handler()

	// 4 chars system + 5 chars message = 9 chars → ceil(9/4) = 3.
	rec := doJSON(t, h, http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"anything","system":"Be 1","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.InputTokens != 3 {
		t.Errorf("input_tokens = %d, want 3", resp.InputTokens)
	}
}

// ── Request log ──────────────────────────────────────────────

func TestVerboseRequestLog(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	cfg, err := st.Router()
	if err != nil {
		t.Fatalf("Router(): %v", err)
	}
	cfg.Verbose = true
	if err := st.SaveRouter(cfg); err != nil {
		t.Fatalf("SaveRouter: %v", err)
	}
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := router.New(st, cfg).Handler()

	prompt := "first line\nsecond line that runs well past the fifty character preview limit"
	body := fmt.Sprintf(`{"model":"llama-3.2-1b.gguf","messages":[{"role":"user","content":%q}]}`, prompt)
	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	data, err := os.ReadFile(st.Paths().RouterLog())
	if err != nil {
		t.Fatalf("reading request log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	var entry struct {
		Model      string `json:"model"`
		Endpoint   string `json:"endpoint"`
		Status     string `json:"status"`
		StatusCode int    `json:"statusCode"`
		DurationMs *int64 `json:"durationMs"`
		Backend    string `json:"backend"`
		Prompt     string `json:"prompt"`
		Timestamp  string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry.Model != "llama-3.2-1b.gguf" || entry.Endpoint != "/v1/chat/completions" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Status != "success" || entry.StatusCode != 200 {
		t.Errorf("status = %q/%d, want success/200", entry.Status, entry.StatusCode)
	}
	if entry.DurationMs == nil {
		t.Error("missing durationMs")
	}
	if len(entry.Prompt) != 50 || strings.Contains(entry.Prompt, "\n") {
		t.Errorf("prompt = %q (len %d), want 50 chars with newlines flattened", entry.Prompt, len(entry.Prompt))
	}
	if _, err := time.Parse(time.RFC3339, entry.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", entry.Timestamp, err)
	}
}

func TestRequestLogDisabledByDefault(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer backend.Close()

	st := newTestStore(t)
	addBackend(t, st, "llama-3.2-1b.gguf", backend.URL, models.StatusRunning, false)
	h := newTestRouter(t, st).Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3.2-1b.gguf","messages":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := os.Stat(st.Paths().RouterLog()); !os.IsNotExist(err) {
		t.Errorf("request log exists without verbose, stat err = %v", err)
	}
}

func eventTypes(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.event
	}
	return out
}
