package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is a single completion request to a provider.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the normalized completion result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
	Latency      time.Duration
}

// Client is the interface every provider backend implements. Concrete
// SDKs plug in behind this; the built-in backend speaks an OpenAI-style
// chat-completions wire format over plain HTTP.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Validate(ctx context.Context) error
}

// ClientConfig holds connection settings for the HTTP backend.
type ClientConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPClient implements Client against an OpenAI-compatible endpoint.
type HTTPClient struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPClient creates a client for one provider endpoint.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// chatRequest is the wire request structure.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// chatMessage is one message in the conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the wire response structure.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends one completion request. Retries are the router's job;
// this performs exactly one attempt.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, NewError(KindConfig, "API key not configured for provider %q", c.name)
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, WrapError(KindValidation, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, WrapError(KindValidation, err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapError(KindStageTimeout, err, "request to %s aborted", c.name)
		}
		return nil, WrapError(KindProviderTransient, err, "request to %s failed", c.name)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(KindProviderTransient, err, "failed to read response from %s", c.name)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, Normalize(c.name, req.Model, resp.StatusCode, string(respBody), resp.Header)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, WrapError(KindProviderTransient, err, "failed to parse response from %s", c.name)
	}
	if cr.Error != nil {
		return nil, NewError(KindProviderValidation, "%s API error: %s", c.name, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, NewError(KindProviderTransient, "%s returned no choices", c.name)
	}

	return &Response{
		Text:         cr.Choices[0].Message.Content,
		Model:        cr.Model,
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
		StopReason:   cr.Choices[0].FinishReason,
		Latency:      time.Since(start),
	}, nil
}

// Validate performs a credential round-trip against the models endpoint.
func (c *HTTPClient) Validate(ctx context.Context) error {
	if c.apiKey == "" {
		return NewError(KindProviderAuth, "no API key configured for provider %q", c.name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create validation request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return WrapError(KindProviderTransient, err, "validation request to %s failed", c.name)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewError(KindProviderAuth, "provider %q rejected credentials (HTTP %d)", c.name, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return NewError(KindProviderTransient, "provider %q unavailable (HTTP %d)", c.name, resp.StatusCode)
	}
	return nil
}
