package watcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/webhook"
)

// Status is the completion status served by GET /webhook.
type Status struct {
	Completed    bool            `json:"completed"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// HasData reports whether the status carries a usable payload.
func (s Status) HasData() bool {
	return s.Completed && len(s.ResponseData) > 0 && string(s.ResponseData) != "null"
}

// StatusFetcher reads the current completion status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (Status, error)
}

// Client talks to a running mobrule-embed server.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client

	sigHeader string
	secret    string
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// Sign makes dead letter calls carry an HMAC signature of their body in
// header, for servers that verify webhooks with secret.
func (c *Client) Sign(header, secret string) *Client {
	c.sigHeader, c.secret = header, secret
	return c
}

// DeadLetters lists the server's failed fetches via GET /webhook/dead-letters.
func (c *Client) DeadLetters(ctx context.Context) ([]completion.DeadLetter, error) {
	var body webhook.DeadLettersResponse
	if err := c.operatorCall(ctx, http.MethodGet, "/webhook/dead-letters", nil, &body); err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return body.DeadLetters, nil
}

// Replay asks the server to retry its dead letters via POST /webhook/replay.
func (c *Client) Replay(ctx context.Context) (webhook.ReplayResponse, error) {
	var body webhook.ReplayResponse
	if err := c.operatorCall(ctx, http.MethodPost, "/webhook/replay", []byte("{}"), &body); err != nil {
		return webhook.ReplayResponse{}, fmt.Errorf("replay: %w", err)
	}
	return body, nil
}

func (c *Client) operatorCall(ctx context.Context, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		header := c.sigHeader
		if header == "" {
			header = webhook.DefaultSignatureHeader
		}
		req.Header.Set(header, webhook.SignatureHeaderValue(payload, c.secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e webhook.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// PreAuthenticate asks the server for a verification URL.
func (c *Client) PreAuthenticate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pre-authenticate", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pre-authenticate: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		VerificationURL string `json:"verificationUrl"`
		Error           string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("pre-authenticate: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("pre-authenticate: %s", body.Error)
	}
	if body.VerificationURL == "" {
		return "", errors.New("pre-authenticate: empty verification URL")
	}
	return body.VerificationURL, nil
}

// FetchStatus queries GET /webhook. A non-JSON body is an error.
func (c *Client) FetchStatus(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/webhook", nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
	}

	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return Status{}, fmt.Errorf("fetch status: decode: %w", err)
	}
	return status, nil
}

// Health mirrors GET /healthz.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Store         string `json:"store"`
	Subscribers   int    `json:"subscribers"`
}

// FetchHealth queries GET /healthz.
func (c *Client) FetchHealth(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("health: decode: %w", err)
	}
	return h, nil
}

// StreamEvents reads GET /webhook/events until ctx ends or the stream drops,
// sending each event to ch.
func (c *Client) StreamEvents(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/webhook/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}

	return readSSE(ctx, resp.Body, ch)
}

func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var current events.Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				current.At = time.Now()
				current.Data = json.RawMessage(data.String())
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return io.EOF
}
