package mobrule

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConfigError reports settings an operation needs but does not have.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "Missing required environment variables"
}

// Detail names the missing settings. Kept out of Error so HTTP bodies stay generic.
func (e *ConfigError) Detail() string {
	return "missing: " + strings.Join(e.Missing, ", ")
}

// UpstreamError is a non-success status from the interview platform.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return e.Message
}

// DataError is a successful upstream response missing a field we rely on.
type DataError struct {
	Message string
}

func (e *DataError) Error() string {
	return e.Message
}

// StatusFor maps an error from this package to the HTTP status the local
// endpoint should answer with.
func StatusFor(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Status >= 400 {
		return upstream.Status
	}
	return http.StatusInternalServerError
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", code)
}
