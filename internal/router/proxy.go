package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/appkitstudio/llamactl/internal/protocol"
	"github.com/appkitstudio/llamactl/pkg/models"
)

var tracer = otel.Tracer("llamactl/router")

// chatProbe reads just enough of an OpenAI-shaped body to route it.
// The body itself is forwarded untouched.
type chatProbe struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyOpenAI(w, r, "/v1/chat/completions")
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.proxyOpenAI(w, r, "/v1/embeddings")
}

// proxyOpenAI forwards an OpenAI-protocol request byte for byte to the
// backend serving the requested model and relays the response, streaming
// or not, without reshaping it.
func (s *Server) proxyOpenAI(w http.ResponseWriter, r *http.Request, path string) {
	start := time.Now()
	s.metrics.ActiveRequests.Inc()
	defer s.metrics.ActiveRequests.Dec()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body", err.Error(), "BAD_REQUEST")
		return
	}

	var probe chatProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err.Error(), "BAD_REQUEST")
		return
	}
	if probe.Model == "" {
		respondError(w, http.StatusBadRequest, "missing required field: model", "", "BAD_REQUEST")
		return
	}

	backend := s.matchBackend(probe.Model)
	if backend == nil {
		s.logRequest(requestLogEntry{
			Model: probe.Model, Endpoint: path, Method: r.Method,
			Status: "error", StatusCode: http.StatusNotFound,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      "no running backend",
		})
		respondError(w, http.StatusNotFound,
			fmt.Sprintf("no running backend serves model %q", probe.Model),
			"start a server for this model or check its name with GET /v1/models",
			"MODEL_NOT_FOUND")
		return
	}

	if path == "/v1/embeddings" && !backend.Embeddings {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("server %s does not expose embeddings", backend.ID),
			"recreate or update the server with embeddings enabled",
			"EMBEDDINGS_DISABLED")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout())
	defer cancel()

	ctx, span := tracer.Start(ctx, "router.proxy", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llamactl.backend", backend.ID),
			attribute.String("llamactl.model", probe.Model),
			attribute.String("llamactl.endpoint", path),
		))
	defer span.End()

	resp, err := s.forward(ctx, backend, path, body, r.Header.Get("Content-Type"))
	if err != nil {
		status, code, msg := classifyUpstreamError(err, backend)
		s.metrics.RecordRequest(probe.Model, path, status, time.Since(start))
		s.logRequest(requestLogEntry{
			Model: probe.Model, Endpoint: path, Method: r.Method,
			Status: "error", StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
			Backend:    backendAddr(backend),
			Prompt:     promptPreview(body),
			Error:      err.Error(),
		})
		respondError(w, status, msg, err.Error(), code)
		return
	}
	defer resp.Body.Close()

	if probe.Stream {
		s.relayStream(w, resp, probe.Model, path, start, backend, body)
		return
	}

	upstream, err := io.ReadAll(resp.Body)
	if err != nil {
		respondError(w, http.StatusBadGateway,
			fmt.Sprintf("reading response from backend %s failed", backend.ID),
			err.Error(), "UPSTREAM_FAILURE")
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(upstream); err != nil {
		log.Error().Err(err).Msg("Writing proxied response failed")
	}

	s.metrics.RecordRequest(probe.Model, path, resp.StatusCode, time.Since(start))
	if resp.StatusCode == http.StatusOK && path == "/v1/chat/completions" {
		var chat protocol.ChatResponse
		if err := json.Unmarshal(upstream, &chat); err == nil {
			s.metrics.RecordTokens(probe.Model, chat.Usage.PromptTokens, chat.Usage.CompletionTokens)
		}
	}

	statusWord := "success"
	if resp.StatusCode >= 400 {
		statusWord = "error"
	}
	s.logRequest(requestLogEntry{
		Model: probe.Model, Endpoint: path, Method: r.Method,
		Status: statusWord, StatusCode: resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
		Backend:    backendAddr(backend),
		Prompt:     promptPreview(body),
	})
}

// relayStream copies an SSE body through verbatim, flushing after every
// read so tokens reach the client as the backend emits them.
func (s *Server) relayStream(w http.ResponseWriter, resp *http.Response, model, path string, start time.Time, backend *models.BackendConfig, body []byte) {
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug().Err(werr).Msg("Client closed stream")
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("backend", backend.ID).Msg("Upstream stream ended with error")
			}
			break
		}
	}

	statusWord := "success"
	if resp.StatusCode >= 400 {
		statusWord = "error"
	}
	s.metrics.RecordRequest(model, path, resp.StatusCode, time.Since(start))
	s.logRequest(requestLogEntry{
		Model: model, Endpoint: path, Method: http.MethodPost,
		Status: statusWord, StatusCode: resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
		Backend:    backendAddr(backend),
		Prompt:     promptPreview(body),
	})
}

// forward issues the upstream POST with the raw body.
func (s *Server) forward(ctx context.Context, backend *models.BackendConfig, path string, body []byte, contentType string) (*http.Response, error) {
	url := backend.BaseURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	return s.client.Do(req)
}

// classifyUpstreamError maps transport failures onto gateway statuses:
// a deadline is 504, everything else that kept us from the backend is 502.
func classifyUpstreamError(err error, backend *models.BackendConfig) (status int, code, msg string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT",
			fmt.Sprintf("backend %s did not answer in time", backend.ID)
	}
	return http.StatusBadGateway, "UPSTREAM_FAILURE",
		fmt.Sprintf("request to backend %s failed", backend.ID)
}

func backendAddr(b *models.BackendConfig) string {
	return fmt.Sprintf("%s:%d", b.DialHost(), b.Port)
}
