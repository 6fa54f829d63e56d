package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/appkitstudio/llamactl/internal/protocol"
)

// handleMessages serves the Anthropic Messages protocol on top of an
// OpenAI-only backend: translate the request, dispatch, translate the
// response. Streaming responses are converted chunk by chunk.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.ActiveRequests.Inc()
	defer s.metrics.ActiveRequests.Dec()

	var req protocol.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error",
			"invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error",
			"missing required field: model")
		return
	}

	backend := s.matchBackend(req.Model)
	if backend == nil {
		s.logRequest(requestLogEntry{
			Model: req.Model, Endpoint: "/v1/messages", Method: r.Method,
			Status: "error", StatusCode: http.StatusNotFound,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      "no running backend",
		})
		respondAnthropicError(w, http.StatusNotFound, "not_found_error",
			fmt.Sprintf("no running backend serves model %q", req.Model))
		return
	}

	chatReq := protocol.ToChatRequest(&req)
	body, err := json.Marshal(chatReq)
	if err != nil {
		respondAnthropicError(w, http.StatusInternalServerError, "api_error",
			"encoding upstream request failed: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout())
	defer cancel()

	ctx, span := tracer.Start(ctx, "router.messages", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llamactl.backend", backend.ID),
			attribute.String("llamactl.model", req.Model),
			attribute.Bool("llamactl.stream", req.Stream),
		))
	defer span.End()

	resp, err := s.forward(ctx, backend, "/v1/chat/completions", body, "application/json")
	if err != nil {
		status, errType := classifyAnthropicError(err)
		s.metrics.RecordRequest(req.Model, "/v1/messages", status, time.Since(start))
		s.logRequest(requestLogEntry{
			Model: req.Model, Endpoint: "/v1/messages", Method: r.Method,
			Status: "error", StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
			Backend:    backendAddr(backend),
			Prompt:     messagesPreview(&req),
			Error:      err.Error(),
		})
		respondAnthropicError(w, status, errType,
			fmt.Sprintf("request to backend %s failed: %v", backend.ID, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		upstream, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.metrics.RecordRequest(req.Model, "/v1/messages", resp.StatusCode, time.Since(start))
		respondAnthropicError(w, resp.StatusCode, "api_error",
			fmt.Sprintf("backend %s returned %d: %s", backend.ID, resp.StatusCode, strings.TrimSpace(string(upstream))))
		return
	}

	if req.Stream {
		s.streamMessages(w, resp.Body, &req, backend.ID)
		s.metrics.RecordRequest(req.Model, "/v1/messages", http.StatusOK, time.Since(start))
		s.logRequest(requestLogEntry{
			Model: req.Model, Endpoint: "/v1/messages", Method: r.Method,
			Status: "success", StatusCode: http.StatusOK,
			DurationMs: time.Since(start).Milliseconds(),
			Backend:    backendAddr(backend),
			Prompt:     messagesPreview(&req),
		})
		return
	}

	var chat protocol.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		respondAnthropicError(w, http.StatusBadGateway, "api_error",
			fmt.Sprintf("backend %s returned an unreadable completion: %v", backend.ID, err))
		return
	}

	msg, err := protocol.ToMessagesResponse(&chat)
	if err != nil {
		respondAnthropicError(w, http.StatusBadGateway, "api_error",
			fmt.Sprintf("translating completion from backend %s failed: %v", backend.ID, err))
		return
	}

	respondJSON(w, http.StatusOK, msg)
	s.metrics.RecordRequest(req.Model, "/v1/messages", http.StatusOK, time.Since(start))
	s.metrics.RecordTokens(req.Model, chat.Usage.PromptTokens, chat.Usage.CompletionTokens)
	s.logRequest(requestLogEntry{
		Model: req.Model, Endpoint: "/v1/messages", Method: r.Method,
		Status: "success", StatusCode: http.StatusOK,
		DurationMs: time.Since(start).Milliseconds(),
		Backend:    backendAddr(backend),
		Prompt:     messagesPreview(&req),
	})
}

// streamMessages reads OpenAI SSE chunks off the upstream body and writes
// the converted Anthropic event sequence. The translator guarantees the
// closing events even when the upstream drops mid-stream.
func (s *Server) streamMessages(w http.ResponseWriter, upstream io.Reader, req *protocol.MessagesRequest, backendID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	st := protocol.NewStreamTranslator(req.Model, protocol.CountInputTokens(req))

	writeEvents := func(events []protocol.Event) bool {
		for _, ev := range events {
			if _, err := w.Write(ev.Encode()); err != nil {
				log.Debug().Err(err).Msg("Client closed message stream")
				return false
			}
		}
		if flusher != nil && len(events) > 0 {
			flusher.Flush()
		}
		return true
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	clientGone := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if string(payload) == protocol.DoneSentinel {
			break
		}

		var chunk protocol.ChatChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			log.Warn().Err(err).Str("backend", backendID).Msg("Skipping unparseable stream chunk")
			continue
		}
		if !writeEvents(st.Process(&chunk)) {
			clientGone = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("backend", backendID).Msg("Upstream stream ended with error")
	}

	// Finish is a no-op when the upstream closed cleanly; otherwise it
	// emits the closing events so the client always sees message_stop.
	if !clientGone {
		writeEvents(st.Finish())
	}
}

// handleCountTokens estimates prompt size without contacting any backend.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req protocol.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error",
			"invalid JSON body: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, protocol.CountTokensResponse{
		InputTokens: protocol.CountInputTokens(&req),
	})
}

func classifyAnthropicError(err error) (status int, errType string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout_error"
	}
	return http.StatusBadGateway, "api_error"
}

func respondAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	respondJSON(w, status, protocol.NewError(errType, message))
}
