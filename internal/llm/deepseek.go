package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultDeepseekBase = "https://api.deepseek.com/v1"

// Deepseek talks to the DeepSeek chat-completions REST API with a
// static Bearer key.
type Deepseek struct {
	base   string
	apiKey string
	client *http.Client
}

// NewDeepseek creates a DeepSeek provider.
func NewDeepseek(cfg DeepseekConfig, timeout time.Duration) *Deepseek {
	base := cfg.APIBase
	if base == "" {
		base = defaultDeepseekBase
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Deepseek{
		base:   base,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *Deepseek) Name() string { return "deepseek" }

// Authenticate probes the models endpoint with the configured key.
func (d *Deepseek) Authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return &TransientError{Provider: d.Name(), Err: err}
	}
	defer resp.Body.Close()
	return d.classifyStatus(resp)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Completion sends a non-streaming chat request.
func (d *Deepseek) Completion(ctx context.Context, r *Request) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if r.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: r.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: r.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       r.Model,
		Messages:    messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &TransientError{Provider: d.Name(), Err: err}
	}
	defer resp.Body.Close()

	if err := d.classifyStatus(resp); err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransientError{Provider: d.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &TransientError{Provider: d.Name(), Err: fmt.Errorf("empty choices")}
	}
	return out.Choices[0].Message.Content, nil
}

func (d *Deepseek) classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{Provider: d.Name(), Status: resp.StatusCode, Detail: string(detail)}
	case resp.StatusCode == http.StatusTooManyRequests:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &QuotaError{Provider: d.Name(), Detail: string(detail)}
	case resp.StatusCode >= 500:
		return &TransientError{Provider: d.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deepseek status %d: %s", resp.StatusCode, string(detail))
	}
}
