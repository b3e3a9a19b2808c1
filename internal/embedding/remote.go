package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient talks to a hosted embedding provider with an OpenAI-compatible
// request shape ({"model": ..., "input": [...]}) returning one vector per
// input. It implements RemoteEmbedder; every wire-level concern beyond the
// batch cap and the 429 retry hint is deliberately kept out of the core
//.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// HTTPClientConfig holds the remote provider's connection settings.
type HTTPClientConfig struct {
	// BaseURL is the provider endpoint (default: https://api.voyageai.com/v1)
	BaseURL string

	// APIKey authenticates the request. Required by hosted providers.
	APIKey string

	// Model is the embedding model id (default: voyage-code-3)
	Model string

	// Timeout is the per-request timeout, connect + request (default: 30s).
	Timeout time.Duration
}

// NewHTTPClient builds an HTTPClient with defaults applied.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.voyageai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "voyage-code-3"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type embedHTTPRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedHTTPResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed posts texts to the provider and returns one vector per input, in
// input order. A 429 response is surfaced as *RateLimitError carrying the
// server's Retry-After hint so the Service's backoff loop can honor it.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedHTTPRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding: provider returned %d: %s", resp.StatusCode, payload)
	}

	var parsed embedHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}

	out := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("embedding: provider returned no vector for input %d", i)
		}
	}
	return out, nil
}

// parseRetryAfter accepts both delay-seconds (possibly fractional) and the
// zero value; an unparsable header yields a small default so the caller
// still backs off.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 500 * time.Millisecond
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 500 * time.Millisecond
}
