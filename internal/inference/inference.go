// Package inference routes reasoning calls to LLM providers by data
// sensitivity. Cloud providers never receive content labeled above the
// configured cloud ceiling; local providers take everything. Providers
// form an ordered fallback chain.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/moat-sh/moat/internal/label"
)

// ErrRateLimited marks a provider refusal that should fall through to
// the next provider in the chain.
var ErrRateLimited = errors.New("inference: provider rate limited")

// ErrExhausted is returned when no provider in the chain produced a
// completion for the request.
var ErrExhausted = errors.New("inference: all providers exhausted")

// Provider describes one OpenAI-compatible chat completion endpoint.
type Provider struct {
	Name      string        `yaml:"name"`
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Cloud     bool          `yaml:"cloud"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"-"`
}

// Request is one reasoning call. Label must be the propagated label of
// everything in the prompt; routing trusts it completely.
type Request struct {
	System    string
	User      string
	Label     label.Label
	MaxTokens int
}

// Chain tries providers in order, skipping cloud providers for content
// above the cloud ceiling.
type Chain struct {
	providers []Provider
	cloudMax  label.Label
	client    *http.Client
}

// NewChain builds a provider chain. cloudMax is the highest label that
// may leave the host toward a cloud provider.
func NewChain(providers []Provider, cloudMax label.Label) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("inference: no providers configured")
	}
	for _, p := range providers {
		if p.Name == "" || p.APIURL == "" || p.Model == "" {
			return nil, fmt.Errorf("inference: provider %q missing name, url, or model", p.Name)
		}
	}
	return &Chain{providers: providers, cloudMax: cloudMax, client: &http.Client{}}, nil
}

// Complete runs the request against the first eligible provider that
// answers. Per-provider timeouts bound each attempt; a stuck provider
// fails its attempt rather than hanging the chain.
func (c *Chain) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	tried := 0
	for _, p := range c.providers {
		if p.Cloud && req.Label > c.cloudMax {
			continue
		}
		tried++
		out, err := c.complete(ctx, p, req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.Name, err)
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}
		return out, nil
	}
	if tried == 0 {
		return "", fmt.Errorf("%w: no provider eligible for label %s", ErrExhausted, req.Label)
	}
	return "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (c *Chain) complete(ctx context.Context, p Provider, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 600
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []map[string]string{
		{"role": "system", "content": req.System},
		{"role": "user", "content": req.User},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"model":       p.Model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": 0,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// CleanJSON strips markdown fences some models wrap around JSON output.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
