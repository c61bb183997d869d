package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/mobrule-embed/internal/events"
)

// Source names reported in Signal.Source.
const (
	SourcePoll         = "poll"
	SourceMessage      = "message"
	SourceWindowClosed = "window_closed"
	SourceEvents       = "events"
)

// PollSource is the guaranteed signal: it polls the completion status.
type PollSource struct {
	Fetcher  StatusFetcher
	Interval time.Duration
	Logger   *slog.Logger
}

func (s PollSource) Name() string { return SourcePoll }

func (s PollSource) Run(ctx context.Context, fire func(Signal)) error {
	done := make(chan Status, 1)
	poller := NewPoller(s.Fetcher, s.Interval, func(st Status) { done <- st }, s.Logger)
	poller.Start(ctx)
	defer poller.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case st := <-done:
		fire(Signal{Source: SourcePoll, ResponseData: st.ResponseData})
		return nil
	}
}

// Message is a cross-window message as delivered to the embedding page.
type Message struct {
	Origin string
	Data   json.RawMessage
}

// MessageSource fires on a completion message from the interview's origin.
type MessageSource struct {
	origin   string
	messages <-chan Message
	logger   *slog.Logger
}

// NewMessageSource accepts messages only from verificationURL's origin.
func NewMessageSource(verificationURL string, messages <-chan Message, logger *slog.Logger) (*MessageSource, error) {
	origin, err := OriginOf(verificationURL)
	if err != nil {
		return nil, err
	}
	return &MessageSource{origin: origin, messages: messages, logger: logger}, nil
}

// OriginOf returns scheme://host[:port] for rawURL.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

func (s *MessageSource) Name() string { return SourceMessage }

func (s *MessageSource) Run(ctx context.Context, fire func(Signal)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.messages:
			if !ok {
				return nil
			}
			if !strings.EqualFold(msg.Origin, s.origin) {
				s.logger.Debug("ignoring message from foreign origin", "origin", msg.Origin)
				continue
			}
			if IsCompletionMessage(msg.Data) {
				fire(Signal{Source: SourceMessage})
				return nil
			}
		}
	}
}

// IsCompletionMessage reports whether data is {"type":"interview_completed"}
// or carries "completed": true.
func IsCompletionMessage(data json.RawMessage) bool {
	var body struct {
		Type      string `json:"type"`
		Completed bool   `json:"completed"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return body.Type == "interview_completed" || body.Completed
}

// WindowClosedSource fires when Closed reports the interview window gone.
type WindowClosedSource struct {
	Closed   func() bool
	Interval time.Duration
}

func (s WindowClosedSource) Name() string { return SourceWindowClosed }

func (s WindowClosedSource) Run(ctx context.Context, fire func(Signal)) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.Closed() {
				fire(Signal{Source: SourceWindowClosed})
				return nil
			}
		}
	}
}

// EventSource listens on the server's event stream for a completion. When
// Fetcher is set the stored payload is attached to the signal.
type EventSource struct {
	Client  *Client
	Fetcher StatusFetcher
}

func (s EventSource) Name() string { return SourceEvents }

func (s EventSource) Run(ctx context.Context, fire func(Signal)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan events.Event, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Client.StreamEvents(ctx, 0, ch) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ev := <-ch:
			if ev.Type != events.TypeSessionCompleted {
				continue
			}
			sig := Signal{Source: SourceEvents}
			if s.Fetcher != nil {
				if st, err := s.Fetcher.FetchStatus(ctx); err == nil && st.HasData() {
					sig.ResponseData = st.ResponseData
				}
			}
			fire(sig)
			return nil
		}
	}
}
