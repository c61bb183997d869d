package webhook

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/events"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattjoyce/mobrule-embed/internal/webhook ResponseFetcher

// ResponseFetcher loads the full response detail for a completed session.
type ResponseFetcher interface {
	GetResponse(ctx context.Context, responseUUID string) (json.RawMessage, error)
}

// credentialChecker is implemented by fetchers that know whether they can
// authenticate upstream at all.
type credentialChecker interface {
	HasAPIKey() bool
}

// Publisher receives lifecycle notifications for streaming clients.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config holds receiver settings.
type Config struct {
	// Secret enables signature verification when non-empty.
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// Payload is an inbound webhook delivery.
type Payload struct {
	Event string      `json:"event"`
	Data  PayloadData `json:"data"`
}

// PayloadData carries the fields we act on; the rest are ignored.
type PayloadData struct {
	ResponseUUID         string `json:"response_uuid,omitempty"`
	InterviewSessionUUID string `json:"interview_session_uuid,omitempty"`
}

// ReceivedResponse acknowledges every delivery that passed authentication.
type ReceivedResponse struct {
	Received bool `json:"received"`
}

// StatusResponse is the completion status served to pollers.
type StatusResponse struct {
	Completed    bool            `json:"completed"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DeadLettersResponse is served by GET /webhook/dead-letters.
type DeadLettersResponse struct {
	DeadLetters []completion.DeadLetter `json:"dead_letters"`
}

// ReplayResponse is served by POST /webhook/replay. Failed maps response
// UUIDs to the error of their latest attempt.
type ReplayResponse struct {
	Recovered []string          `json:"recovered"`
	Failed    map[string]string `json:"failed"`
}

// Delivery events share their names with the hub's event types.
const (
	EventSessionStarted   = events.TypeSessionStarted
	EventSessionCompleted = events.TypeSessionCompleted
	EventFetchFailed      = events.TypeFetchFailed

	DefaultSignatureHeader = "X-Mobrule-Signature"
	DefaultMaxBodySize     = 1048576 // 1 MB
)
