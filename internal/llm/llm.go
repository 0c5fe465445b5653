package llm

import (
	"context"
	"time"
)

// Purpose identifies what a completion is for. Each purpose carries its
// own system prompt and sampling overrides.
type Purpose string

const (
	PurposeReflect    Purpose = "reflect"
	PurposePlan       Purpose = "plan"
	PurposeAct        Purpose = "act"
	PurposeChat       Purpose = "chat"
	PurposeSummarize  Purpose = "summarize"
	PurposeImportance Purpose = "estimate_importance"
)

// Request is a single completion request against a provider.
type Request struct {
	Purpose     Purpose
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Provider is the capability a backing LLM service must offer.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context) error
	Completion(ctx context.Context, req *Request) (string, error)
}

// DeepseekConfig configures the DeepSeek REST provider.
type DeepseekConfig struct {
	APIBase string `json:"api_base"`
	APIKey  string `json:"api_key"`
}

// GigachatConfig configures the GigaChat provider. Either AccessToken is
// pre-issued, or AuthKey drives the OAuth client-credentials flow.
type GigachatConfig struct {
	APIBase     string `json:"api_base"`
	AuthURL     string `json:"auth_url"`
	AuthKey     string `json:"auth_key"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	VerifySSL   bool   `json:"verify_ssl"`
}

// Config is the gateway configuration. It is held only in memory; raw
// credentials are never written to the store.
type Config struct {
	Provider      string         `json:"provider"` // none | deepseek | gigachat
	Model         string         `json:"model"`
	FallbackModel string         `json:"fallback_model"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens"`
	Timeout       time.Duration  `json:"-"`
	RatePerSecond float64        `json:"rate_per_second"`
	Deepseek      DeepseekConfig `json:"deepseek"`
	Gigachat      GigachatConfig `json:"gigachat"`
}
