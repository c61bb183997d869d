// Package completion keeps the response payloads of completed interview
// sessions and the fetches that failed while handling them.
package completion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no completion (or dead letter) matches.
var ErrNotFound = errors.New("completion not found")

// Record is one completed session's fetched response data.
type Record struct {
	ResponseUUID string          `json:"response_uuid"`
	ResponseData json.RawMessage `json:"response_data"`
	Fingerprint  string          `json:"fingerprint"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// NewRecord stamps data with its BLAKE3 fingerprint and the current time.
func NewRecord(responseUUID string, data json.RawMessage) Record {
	return Record{
		ResponseUUID: responseUUID,
		ResponseData: data,
		Fingerprint:  Fingerprint(data),
		ReceivedAt:   time.Now().UTC(),
	}
}

// DefaultMaxPayloadBytes bounds a stored response payload. It matches the
// largest body the Mob Rule client will read.
const DefaultMaxPayloadBytes = 8 << 20

// Option tunes a Store at construction.
type Option func(*options)

type options struct {
	maxPayload int64
}

// WithMaxPayload caps stored response payloads at n bytes. Non-positive
// values keep DefaultMaxPayloadBytes.
func WithMaxPayload(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPayload = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxPayload: DefaultMaxPayloadBytes}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkRecord applies the write rules every backend shares.
func checkRecord(rec Record, maxPayload int64) error {
	if rec.ResponseUUID == "" {
		return fmt.Errorf("response uuid is empty")
	}
	if !json.Valid(rec.ResponseData) {
		return fmt.Errorf("response data for %q is invalid JSON", rec.ResponseUUID)
	}
	if int64(len(rec.ResponseData)) > maxPayload {
		return fmt.Errorf("response data exceeds max size (%d bytes)", maxPayload)
	}
	return nil
}

// Fingerprint is the hex BLAKE3-256 digest of a payload.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeadLetter is a completed event whose response fetch failed. CreatedAt is
// when the completed event arrived, not when the fetch gave up.
type DeadLetter struct {
	ID           string    `json:"id"`
	ResponseUUID string    `json:"response_uuid"`
	LastError    string    `json:"last_error"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store holds completion records.
//
// Latest returns the record with the newest ReceivedAt, ties going to the
// most recent Put: after completions for A then B it returns B, even when A
// is only stored later by a replay. Backends differ in whether A stays
// reachable through Get.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Latest(ctx context.Context) (Record, error)
	Get(ctx context.Context, responseUUID string) (Record, error)

	// PutDeadLetter records a failed fetch for a completion that arrived at
	// receivedAt; repeats for the same response bump Attempts instead of
	// adding rows and keep the first CreatedAt.
	PutDeadLetter(ctx context.Context, responseUUID string, receivedAt time.Time, cause error) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, responseUUID string) error

	// Prune drops completions and dead letters that arrived before cutoff
	// and reports how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Driver() string
	Close() error
}
