package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGigachatBase  = "https://gigachat.devices.sberbank.ru/api/v1"
	defaultGigachatAuth  = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	defaultGigachatScope = "GIGACHAT_API_PERS"

	// Tokens are refreshed this long before their reported expiry.
	tokenRefreshSkew = 30 * time.Second
)

// Gigachat talks to the Sber GigaChat API. Auth is OAuth client
// credentials: a Basic auth key is exchanged for a short-lived access
// token, cached until just before expiry. A pre-issued token skips the
// exchange entirely. The production endpoint presents a certificate
// chain signed by a Russian CA, so TLS verification is configurable.
type Gigachat struct {
	cfg    GigachatConfig
	base   string
	client *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewGigachat creates a GigaChat provider.
func NewGigachat(cfg GigachatConfig, timeout time.Duration) *Gigachat {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGigachatBase
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultGigachatAuth
	}
	if cfg.Scope == "" {
		cfg.Scope = defaultGigachatScope
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Gigachat{cfg: cfg, base: cfg.APIBase, client: client}
}

func (g *Gigachat) Name() string { return "gigachat" }

// Authenticate obtains (or validates) an access token.
func (g *Gigachat) Authenticate(ctx context.Context) error {
	_, err := g.accessToken(ctx)
	return err
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix millis
}

func (g *Gigachat) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.AccessToken != "" {
		return g.cfg.AccessToken, nil
	}
	if g.token != "" && time.Now().Before(g.expiresAt.Add(-tokenRefreshSkew)) {
		return g.token, nil
	}
	if g.cfg.AuthKey == "" {
		return "", &AuthError{Provider: g.Name(), Status: 0, Detail: "no auth key configured"}
	}

	form := url.Values{"scope": {g.cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.NewString())
	req.Header.Set("Authorization", "Basic "+g.cfg.AuthKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &TransientError{Provider: g.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{Provider: g.Name(), Status: resp.StatusCode, Detail: string(detail)}
	case resp.StatusCode == http.StatusTooManyRequests:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &QuotaError{Provider: g.Name(), Detail: string(detail)}
	default:
		return "", &TransientError{Provider: g.Name(), Err: fmt.Errorf("token status %d", resp.StatusCode)}
	}

	var tok oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &TransientError{Provider: g.Name(), Err: fmt.Errorf("decode token: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Provider: g.Name(), Status: resp.StatusCode, Detail: "empty access token"}
	}
	g.token = tok.AccessToken
	g.expiresAt = time.UnixMilli(tok.ExpiresAt)
	return g.token, nil
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (g *Gigachat) invalidateToken() {
	g.mu.Lock()
	g.token = ""
	g.expiresAt = time.Time{}
	g.mu.Unlock()
}

// Completion sends a chat request, re-authenticating once if the cached
// token has been revoked server-side.
func (g *Gigachat) Completion(ctx context.Context, r *Request) (string, error) {
	text, err := g.completion(ctx, r)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && g.cfg.AccessToken == "" && g.hasToken() {
			g.invalidateToken()
			return g.completion(ctx, r)
		}
	}
	return text, err
}

func (g *Gigachat) hasToken() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token != ""
}

func (g *Gigachat) completion(ctx context.Context, r *Request) (string, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", err
	}

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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &TransientError{Provider: g.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{Provider: g.Name(), Status: resp.StatusCode, Detail: string(detail)}
	case resp.StatusCode == http.StatusTooManyRequests:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &QuotaError{Provider: g.Name(), Detail: string(detail)}
	case resp.StatusCode >= 500:
		return "", &TransientError{Provider: g.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gigachat status %d: %s", resp.StatusCode, string(detail))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransientError{Provider: g.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &TransientError{Provider: g.Name(), Err: fmt.Errorf("empty choices")}
	}
	return out.Choices[0].Message.Content, nil
}
