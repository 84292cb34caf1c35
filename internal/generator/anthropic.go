package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/session-broker/internal/errs"
)

// Anthropic Messages API defaults.
const (
	DefaultAnthropicBaseURL   = "https://api.anthropic.com"
	DefaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	DefaultAnthropicMaxTokens = 1024
	anthropicVersion          = "2023-06-01"
	computerUseBeta           = "computer-use-2024-10-22"
)

// AnthropicConfig configures the Messages API backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	System    string
	// HTTPClient must not set a whole-request timeout; streams are long lived.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Anthropic streams responses from the Anthropic Messages API.
type Anthropic struct {
	cfg    AnthropicConfig
	client *http.Client
	logger *slog.Logger
}

// NewAnthropic returns a Messages API generator with defaults applied.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultAnthropicMaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{cfg: cfg, client: client, logger: logger}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	Stream    bool      `json:"stream"`
}

// Open posts the request and returns a stream over the SSE response.
func (a *Anthropic) Open(ctx context.Context, req Request) (Stream, error) {
	msgs := normalizeMessages(req.Messages)
	if len(msgs) == 0 {
		return nil, errs.New(errs.GeneratorError, "no user message to respond to")
	}

	body, err := json.Marshal(messagesRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    a.cfg.System,
		Messages:  msgs,
		Tools:     req.Tools,
		Stream:    true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.GeneratorError, err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.GeneratorError, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	for _, t := range req.Tools {
		if t.Type == ComputerTool().Type {
			httpReq.Header.Set("anthropic-beta", computerUseBeta)
			break
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.GeneratorError, err, "send request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errs.New(errs.GeneratorError, "messages API returned %d: %s", resp.StatusCode, apiErrorMessage(resp.Body))
	}

	a.logger.Debug("Anthropic stream opened", "sessionID", req.SessionID, "model", a.cfg.Model, "messages", len(msgs))
	return newSSEStream(resp.Body), nil
}

// normalizeMessages shapes context for the Messages API: empty turns are
// dropped, leading assistant turns are dropped, and consecutive turns with
// the same role are merged.
func normalizeMessages(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if len(out) == 0 && m.Role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func apiErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Message != "" {
		return e.Error.Type + ": " + e.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// sseStream decodes a Messages API event stream into text fragments.
type sseStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	stopped bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReaderSize(body, 64<<10)}
}

// nextData returns the data payload of the next event.
func (s *sseStream) nextData() (string, error) {
	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && err == nil && data.Len() > 0:
			return data.String(), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && data.Len() > 0 {
				return data.String(), nil
			}
			return "", err
		}
	}
}

func (s *sseStream) Recv() (string, error) {
	if s.stopped {
		return "", io.EOF
	}
	for {
		data, err := s.nextData()
		if errors.Is(err, io.EOF) {
			return "", errs.New(errs.GeneratorError, "stream ended before message_stop")
		}
		if err != nil {
			return "", errs.Wrap(errs.GeneratorError, err, "read stream")
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return "", errs.Wrap(errs.GeneratorError, err, "decode event")
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return ev.Delta.Text, nil
			}
		case "message_stop":
			s.stopped = true
			return "", io.EOF
		case "error":
			return "", errs.New(errs.GeneratorError, "%s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// String renders the backend for logs.
func (a *Anthropic) String() string {
	return fmt.Sprintf("anthropic(%s)", a.cfg.Model)
}
