package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "ezcal/internal/log"
	"ezcal/internal/model"
	"ezcal/internal/upstream"
)

const (
	DefaultEndpoint  = "https://api.mistral.ai/v1/chat/completions"
	DefaultModel     = "mistral-small-2503"
	DefaultTimeout   = 35 * time.Second
	DefaultMaxTokens = 1000

	serviceName = "model"
)

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// ChatMessage is one message of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the subset of a chat completion response that is read.
type ChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Config controls the model service client.
type Config struct {
	Endpoint  string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client talks to the model-extraction service.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a client; zero fields in cfg take the defaults above.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{config: cfg, http: &http.Client{}}
}

// ExtractMarkdown asks the model for events found in markdown or plain text.
func (c *Client) ExtractMarkdown(ctx context.Context, apiKey, content, sourceURL string) ([]model.Event, error) {
	return c.extract(ctx, apiKey, content, sourceURL, markdownSystemPrompt)
}

// ExtractHTML asks the model for events found in raw HTML.
func (c *Client) ExtractHTML(ctx context.Context, apiKey, content, sourceURL string) ([]model.Event, error) {
	return c.extract(ctx, apiKey, content, sourceURL, htmlSystemPrompt)
}

func (c *Client) extract(ctx context.Context, apiKey, content, sourceURL, systemPrompt string) ([]model.Event, error) {
	req := ChatRequest{
		Model: c.config.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("%s\n\n# SOURCE URL\n%s\n\n# CONTENT\n%s", taskPrompt, sourceURL, content)},
		},
		Temperature: 0,
		MaxTokens:   c.config.MaxTokens,
	}

	body, err := c.send(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}

	text, err := MessageContent(body)
	if err != nil {
		return nil, &upstream.Error{Service: serviceName, Kind: upstream.KindDecode, Err: err}
	}

	events := ParseEvents(text, sourceURL)
	appLog.Debug("model extraction parsed", "url", appLog.RedactURL(sourceURL), "events", len(events))
	return events, nil
}

func (c *Client) send(ctx context.Context, apiKey string, req ChatRequest) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("extract: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("extract: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, upstream.Classify(serviceName, callCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upstream.Classify(serviceName, callCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstream.HTTPStatus(serviceName, resp.StatusCode, string(body))
	}
	return body, nil
}
