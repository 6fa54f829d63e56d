package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/logtail"
	"github.com/appkitstudio/llamactl/internal/protocol"
)

// rotateAt caps the on-disk request log at 100 MB.
const rotateAt = 100 << 20

// promptLimit bounds how much of the prompt the request log keeps.
const promptLimit = 50

// requestLogEntry is one proxied request, as persisted to logs/router.log.
type requestLogEntry struct {
	Timestamp  string `json:"timestamp"`
	Model      string `json:"model"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	DurationMs int64  `json:"durationMs"`
	Backend    string `json:"backend,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// logRequest emits the human log line and, when the router runs verbose,
// appends the JSON entry to the request log file.
func (s *Server) logRequest(e requestLogEntry) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	ev := log.Info()
	if e.Status == "error" {
		ev = log.Warn()
	}
	ev.Str("model", e.Model).
		Str("endpoint", e.Endpoint).
		Int("status", e.StatusCode).
		Int64("durationMs", e.DurationMs).
		Str("backend", e.Backend)
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("Request proxied")

	if !s.cfg.Verbose {
		return
	}
	if err := s.appendLogLine(e); err != nil {
		log.Warn().Err(err).Str("path", s.logPath).Msg("Writing request log failed")
	}
}

func (s *Server) appendLogLine(e requestLogEntry) error {
	if _, err := logtail.RotateIfLarge(s.logPath, rotateAt); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// promptPreview extracts the last user message from an OpenAI chat body.
func promptPreview(body []byte) string {
	var probe struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	for i := len(probe.Messages) - 1; i >= 0; i-- {
		if probe.Messages[i].Role != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(probe.Messages[i].Content, &text); err != nil {
			return ""
		}
		return truncatePrompt(text)
	}
	return ""
}

// messagesPreview extracts the last user message from an Anthropic request.
func messagesPreview(req *protocol.MessagesRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		if msg.Content.Blocks == nil {
			return truncatePrompt(msg.Content.Text)
		}
		for _, blk := range msg.Content.Blocks {
			if blk.Type == "text" {
				return truncatePrompt(blk.Text)
			}
		}
		return ""
	}
	return ""
}

func truncatePrompt(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > promptLimit {
		return text[:promptLimit]
	}
	return text
}
