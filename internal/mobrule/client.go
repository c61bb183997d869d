// Package mobrule is a small client for the Mob Rule interview platform API.
package mobrule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://mobrule.ai"
	apiPrefix      = "/api/v1"

	// DefaultMaxResponseBytes bounds how much of an upstream body we buffer.
	DefaultMaxResponseBytes = 8 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxResponseBytes rejects larger upstream bodies; zero means
	// DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Client talks to the upstream REST API with a bearer service credential.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	maxBytes int64
}

// New creates a client. A nil HTTPClient gets one with Options.Timeout.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &Client{
		baseURL:  base,
		apiKey:   opts.APIKey,
		http:     hc,
		maxBytes: maxBytes,
	}
}

// HasAPIKey reports whether a service credential is configured.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// BaseURL returns the normalised API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// rawResponse is an upstream reply with the body already read.
type rawResponse struct {
	status int
	body   []byte
}

func (r rawResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (rawResponse, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return rawResponse{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return rawResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return rawResponse{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return rawResponse{}, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if int64(len(data)) > c.maxBytes {
		return rawResponse{}, fmt.Errorf("read %s %s: body exceeds %d bytes", method, path, c.maxBytes)
	}
	return rawResponse{status: resp.StatusCode, body: data}, nil
}
