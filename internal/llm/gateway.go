package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxAttempts = 3
	backoffBase = 250 * time.Millisecond
)

// snapshot is one immutable view of the gateway configuration. Calls
// capture a snapshot at start, so a concurrent UpdateConfig never changes
// the provider out from under an in-flight request.
type snapshot struct {
	cfg      Config
	provider Provider
	fallback *None
}

// Status describes the gateway for the status endpoint.
type Status struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
}

// TestResult is the outcome of a connectivity probe.
type TestResult struct {
	OK        bool   `json:"ok"`
	Provider  string `json:"provider"`
	LatencyMS int64  `json:"latency_ms"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Gateway routes completions to the configured provider with retry,
// rate limiting and degradation to the deterministic fallback. Config
// swaps are atomic; credentials live only in the in-memory snapshot.
type Gateway struct {
	mu      sync.RWMutex
	snap    *snapshot
	healthy bool
	lastErr string

	limiter *rate.Limiter
	logger  *zap.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewGateway builds a gateway from the initial config.
func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		logger: logger,
		sleep:  time.Sleep,
	}
	g.apply(cfg)
	return g
}

// buildProvider constructs the provider named by cfg. Unknown names fall
// back to the deterministic provider rather than failing startup.
func buildProvider(cfg Config, logger *zap.Logger) Provider {
	switch cfg.Provider {
	case "deepseek":
		return NewDeepseek(cfg.Deepseek, cfg.Timeout)
	case "gigachat":
		return NewGigachat(cfg.Gigachat, cfg.Timeout)
	case "none", "":
		return NewNone()
	default:
		logger.Warn("unknown llm provider, using none", zap.String("provider", cfg.Provider))
		return NewNone()
	}
}

func (g *Gateway) apply(cfg Config) {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	g.mu.Lock()
	g.snap = &snapshot{
		cfg:      cfg,
		provider: buildProvider(cfg, g.logger),
		fallback: NewNone(),
	}
	g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	g.healthy = true
	g.lastErr = ""
	g.mu.Unlock()
}

// UpdateConfig hot-swaps the gateway configuration. Health is reset: a
// new key deserves a fresh start.
func (g *Gateway) UpdateConfig(cfg Config) {
	g.apply(cfg)
	g.logger.Info("llm config updated",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
}

// ResetHealth clears an unhealthy mark without changing the config.
func (g *Gateway) ResetHealth() {
	g.mu.Lock()
	g.healthy = true
	g.lastErr = ""
	g.mu.Unlock()
}

func (g *Gateway) current() (*snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap, g.healthy
}

func (g *Gateway) markUnhealthy(err error) {
	g.mu.Lock()
	g.healthy = false
	g.lastErr = err.Error()
	g.mu.Unlock()
}

// Status reports the current provider and health.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{
		Provider:  g.snap.cfg.Provider,
		Model:     g.snap.cfg.Model,
		Healthy:   g.healthy,
		LastError: g.lastErr,
	}
}

// Providers lists the provider names the gateway can be configured with.
func (g *Gateway) Providers() []string {
	return []string{"none", "deepseek", "gigachat"}
}

// Complete runs one completion for the given purpose. Transient failures
// are retried with exponential backoff; exhausted retries and quota
// rejections degrade this call to the deterministic fallback. Auth
// failures surface to the caller and mark the provider unhealthy.
func (g *Gateway) Complete(ctx context.Context, purpose Purpose, prompt string) (string, error) {
	snap, healthy := g.current()

	req := &Request{
		Purpose:     purpose,
		Model:       snap.cfg.Model,
		System:      systemPrompts[purpose],
		Prompt:      prompt,
		Temperature: purposeTemperature(purpose, snap.cfg.Temperature),
		MaxTokens:   snap.cfg.MaxTokens,
	}

	if _, isNone := snap.provider.(*None); isNone || !healthy {
		return snap.fallback.Completion(ctx, req)
	}

	if err := g.limiterWait(ctx); err != nil {
		return "", err
	}

	text, err := g.completeWithRetry(ctx, snap, req)
	if err == nil {
		return text, nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		g.markUnhealthy(err)
		return "", err
	}
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		g.markUnhealthy(err)
	}
	g.logger.Warn("llm call degraded to fallback",
		zap.String("purpose", string(purpose)),
		zap.String("provider", snap.provider.Name()),
		zap.Error(err))
	return snap.fallback.Completion(ctx, req)
}

func (g *Gateway) limiterWait(ctx context.Context) error {
	g.mu.RLock()
	lim := g.limiter
	g.mu.RUnlock()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// completeWithRetry retries transient failures, then tries the fallback
// model once before giving up.
func (g *Gateway) completeWithRetry(ctx context.Context, snap *snapshot, req *Request) (string, error) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			g.sleep(backoffBase << (attempt - 1))
		}
		var text string
		text, err = snap.provider.Completion(ctx, req)
		if err == nil {
			return text, nil
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return "", err
		}
	}
	if fb := snap.cfg.FallbackModel; fb != "" && fb != req.Model {
		fbReq := *req
		fbReq.Model = fb
		if text, fbErr := snap.provider.Completion(ctx, &fbReq); fbErr == nil {
			return text, nil
		}
	}
	return "", err
}

// TestCall probes the configured provider with a one-token completion
// and reports latency. It never touches simulation state.
func (g *Gateway) TestCall(ctx context.Context) TestResult {
	snap, _ := g.current()
	start := time.Now()

	err := snap.provider.Authenticate(ctx)
	if err == nil {
		req := &Request{
			Purpose:   PurposeChat,
			Model:     snap.cfg.Model,
			Prompt:    "ping",
			MaxTokens: 8,
		}
		_, err = snap.provider.Completion(ctx, req)
	}
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return TestResult{
			OK:        false,
			Provider:  snap.provider.Name(),
			LatencyMS: latency,
			ErrorKind: errorKind(err),
			Error:     err.Error(),
		}
	}
	return TestResult{OK: true, Provider: snap.provider.Name(), LatencyMS: latency}
}
