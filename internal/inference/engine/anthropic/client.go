package anthropic

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

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/engine"
)

// Engine calls the Anthropic Messages API directly.
type Engine struct {
	baseURL    string
	apiKey     string
	apiVersion string
	maxTokens  int
	timeout    time.Duration

	httpClient *http.Client
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("anthropic: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

func New(cfg config.ProviderConfig) (*Engine, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Engine{
		baseURL:    baseURL,
		apiKey:     cfg.ResolvedAPIKey(),
		apiVersion: version,
		maxTokens:  maxTokens,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

func NewWithHTTPClient(cfg config.ProviderConfig, httpClient *http.Client) (*Engine, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		e.httpClient = httpClient
	}
	return e, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *Engine) GenerateText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (string, error) {
	req, err := e.buildRequest(model, messages, opts, false)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	if out.Error != nil {
		return "", &HTTPError{StatusCode: http.StatusBadGateway, Body: out.Error.Message}
	}
	var b strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &HTTPError{StatusCode: http.StatusBadGateway, Body: "empty completion"}
	}
	return text, nil
}

func (e *Engine) StreamText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions, onDelta func(delta string)) (string, error) {
	req, err := e.buildRequest(model, messages, opts, true)
	if err != nil {
		return "", err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			full.WriteString(ev.Delta.Text)
			if onDelta != nil {
				onDelta(ev.Delta.Text)
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return "", &HTTPError{StatusCode: http.StatusBadGateway, Body: msg}
		case "message_stop":
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return full.String(), nil
}

// buildRequest lifts system messages into the top-level system field.
func (e *Engine) buildRequest(model string, messages []engine.Message, opts engine.GenerateOptions, stream bool) (request, error) {
	req := request{
		Model:       model,
		MaxTokens:   e.maxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      stream,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	var system []string
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if strings.EqualFold(m.Role, "system") {
			system = append(system, content)
			continue
		}
		req.Messages = append(req.Messages, message{Role: strings.ToLower(m.Role), Content: content})
	}
	if len(req.Messages) == 0 {
		return request{}, errors.New("no messages")
	}
	req.System = strings.Join(system, "\n\n")
	return req, nil
}

func (e *Engine) do(ctx context.Context, body request) (*http.Response, error) {
	if e.apiKey == "" {
		return nil, errors.New("anthropic: api key not configured")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", e.apiVersion)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}
