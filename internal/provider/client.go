package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Message is a single chat message in the upstream wire format.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Result is one successful generation from an upstream provider.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is the raw HTTP client for one provider's chat-completion
// endpoint. Resilience (retries, circuit breaking) lives in the adapter
// layer; the client only performs a single call and classifies failures.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for a single provider endpoint. The timeout is
// the provider-tuned per-call ceiling; per-attempt deadlines derived from
// stage budgets are layered on via the request context.
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name this client talks to.
func (c *Client) Name() string {
	return c.name
}

// ChatCompletion performs one chat-completion call and returns the
// assistant text. Errors are classified into the taxonomy in errors.go.
func (c *Client) ChatCompletion(ctx context.Context, model, prompt string) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, NewProviderError(c.name, "encode request", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(c.name, "build request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, NewTimeoutError(c.name, err)
		}
		return nil, NewProviderError(c.name, "connection failed", 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, NewProviderError(c.name, "read response", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewProviderError(c.name, "decode response", resp.StatusCode, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewProviderError(c.name, "empty completion", resp.StatusCode, nil)
	}

	log.WithFields(log.Fields{
		"provider":   c.name,
		"model":      model,
		"tokens_in":  parsed.Usage.PromptTokens,
		"tokens_out": parsed.Usage.CompletionTokens,
		"event":      "provider_call_ok",
	}).Debug("Provider call succeeded")

	return &Result{
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}

func (c *Client) classifyStatus(status int, raw []byte) error {
	msg := upstreamMessage(raw)

	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(c.name, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthError(c.name, msg, status)
	case status >= 400 && status < 500:
		// Remaining 4xx are request-shaped problems; retrying cannot help.
		return &Error{Type: ErrorTypeAuth, Provider: c.name, Message: msg, StatusCode: status}
	default:
		return NewProviderError(c.name, msg, status, nil)
	}
}

func upstreamMessage(raw []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(raw) > 0 {
		return fmt.Sprintf("upstream error: %.200s", string(raw))
	}
	return "upstream error"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
