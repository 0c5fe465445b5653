package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	LLM        LLMConfig        `json:"llm"`
	Simulation SimulationConfig `json:"simulation"`
	Realtime   RealtimeConfig   `json:"realtime"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	CacheSize int64  `json:"cache_size"` // max cached vectors, 0 disables the cache
}

// LLMConfig holds the initial gateway configuration. It can be replaced at
// runtime through the /api/llm/config endpoint.
type LLMConfig struct {
	Provider       string  `json:"provider"` // none | deepseek | gigachat
	Model          string  `json:"model"`
	FallbackModel  string  `json:"fallback_model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	RatePerSecond  float64 `json:"rate_per_second"` // outbound call budget across all agents

	Deepseek DeepseekConfig `json:"deepseek"`
	Gigachat GigachatConfig `json:"gigachat"`
}

type DeepseekConfig struct {
	APIBase string `json:"api_base"`
	APIKey  string `json:"api_key"`
}

type GigachatConfig struct {
	APIBase     string `json:"api_base"`
	AuthURL     string `json:"auth_url"`
	AuthKey     string `json:"auth_key"`     // Basic credentials for the OAuth exchange
	AccessToken string `json:"access_token"` // pre-issued token, skips the exchange
	Scope       string `json:"scope"`
	VerifySSL   bool   `json:"verify_ssl"`
}

type SimulationConfig struct {
	TickSeconds       float64 `json:"tick_seconds"`
	Speed             float64 `json:"speed"`
	MaxSpeed          float64 `json:"max_speed"`
	MaxConcurrent     int     `json:"max_concurrent"` // cycle slots across all agents
	StopGraceSeconds  float64 `json:"stop_grace_seconds"`
	MemoryBudget      int     `json:"memory_budget"`
	SummaryBatchSize  int     `json:"summary_batch_size"`
	RelationMaxDelta  float64 `json:"relation_max_delta"`
	MoodDecayPerTick  float64 `json:"mood_decay_per_tick"`
	AgentCooldownSecs float64 `json:"agent_cooldown_seconds"`
	EventFocusSeconds float64 `json:"event_focus_seconds"`
}

type RealtimeConfig struct {
	RedisURL string `json:"redis_url"` // optional cross-instance event bridge
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration that works with no external services:
// hash embeddings, embedded vector index, the "none" LLM provider.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 128
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 512
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 45
	}
	if c.LLM.RatePerSecond == 0 {
		c.LLM.RatePerSecond = 4
	}
	if c.LLM.Deepseek.APIBase == "" {
		c.LLM.Deepseek.APIBase = "https://api.deepseek.com"
	}
	if c.LLM.Gigachat.APIBase == "" {
		c.LLM.Gigachat.APIBase = "https://gigachat.devices.sberbank.ru/api/v1"
	}
	if c.LLM.Gigachat.AuthURL == "" {
		c.LLM.Gigachat.AuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	}
	if c.LLM.Gigachat.Scope == "" {
		c.LLM.Gigachat.Scope = "GIGACHAT_API_PERS"
	}
	if c.Simulation.TickSeconds == 0 {
		c.Simulation.TickSeconds = 6
	}
	if c.Simulation.Speed == 0 {
		c.Simulation.Speed = 1.0
	}
	if c.Simulation.MaxSpeed == 0 {
		c.Simulation.MaxSpeed = 2.0
	}
	if c.Simulation.MaxConcurrent == 0 {
		c.Simulation.MaxConcurrent = 8
	}
	if c.Simulation.StopGraceSeconds == 0 {
		c.Simulation.StopGraceSeconds = 10
	}
	if c.Simulation.MemoryBudget == 0 {
		c.Simulation.MemoryBudget = 20
	}
	if c.Simulation.SummaryBatchSize == 0 {
		c.Simulation.SummaryBatchSize = 5
	}
	if c.Simulation.RelationMaxDelta == 0 {
		c.Simulation.RelationMaxDelta = 0.2
	}
	if c.Simulation.MoodDecayPerTick == 0 {
		c.Simulation.MoodDecayPerTick = 0.02
	}
	if c.Simulation.AgentCooldownSecs == 0 {
		c.Simulation.AgentCooldownSecs = 8
	}
	if c.Simulation.EventFocusSeconds == 0 {
		c.Simulation.EventFocusSeconds = 180
	}
}
