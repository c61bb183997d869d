package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/log"
	"github.com/mattjoyce/mobrule-embed/internal/mobrule"
	"github.com/mattjoyce/mobrule-embed/internal/observability"
)

type requesterFunc func(ctx context.Context) (string, error)

func (f requesterFunc) RequestVerificationURL(ctx context.Context) (string, error) {
	return f(ctx)
}

type fakeStore string

func (f fakeStore) Driver() string { return string(f) }

func newTestServer(requester VerificationRequester) *Server {
	return New(Config{
		Listen:         "127.0.0.1:0",
		FrameAncestors: []string{"'self'", "https://*.mobrule.ai"},
	}, Deps{
		Requester: requester,
		Store:     fakeStore("memory"),
		Events:    events.NewHub(8),
		Metrics:   observability.NewMetrics("test"),
	}, log.Discard())
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPreAuthenticateSuccess(t *testing.T) {
	s := newTestServer(requesterFunc(func(context.Context) (string, error) {
		return "https://mobrule.ai/verify/abc", nil
	}))

	rec := serve(t, s, http.MethodPost, "/pre-authenticate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verificationUrl":"https://mobrule.ai/verify/abc"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestPreAuthenticateErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing configuration",
			err:        &mobrule.ConfigError{Missing: []string{"MOBRULE_API_KEY"}},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Missing required environment variables",
		},
		{
			name:       "upstream rejection keeps status and message",
			err:        &mobrule.UpstreamError{Status: http.StatusForbidden, Message: "Email not allowed"},
			wantStatus: http.StatusForbidden,
			wantError:  "Email not allowed",
		},
		{
			name:       "no verification url",
			err:        &mobrule.DataError{Message: "No verification URL received"},
			wantStatus: http.StatusInternalServerError,
			wantError:  "No verification URL received",
		},
		{
			name:       "transport failure",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to pre-authenticate interview",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(requesterFunc(func(context.Context) (string, error) {
				return "", tt.err
			}))

			rec := serve(t, s, http.MethodPost, "/pre-authenticate")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestFrameHeaders(t *testing.T) {
	s := newTestServer(nil)

	rec := serve(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, "ALLOWALL", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors 'self' https://*.mobrule.ai", rec.Header().Get("Content-Security-Policy"))
}

func TestFrameAncestorsPolicy(t *testing.T) {
	assert.Equal(t, "", frameAncestorsPolicy(nil))
	assert.Equal(t, "", frameAncestorsPolicy([]string{" ", ""}))
	assert.Equal(t, "frame-ancestors 'self'", frameAncestorsPolicy([]string{" 'self' "}))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(nil)

	rec := serve(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "memory", body.Store)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(requesterFunc(func(context.Context) (string, error) {
		return "https://mobrule.ai/v/1", nil
	}))
	serve(t, s, http.MethodPost, "/pre-authenticate")

	rec := serve(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_preauth_requests_total")
}

func TestOpenAPIDocListsRoutes(t *testing.T) {
	s := newTestServer(nil)

	rec := serve(t, s, http.MethodGet, "/openapi.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/pre-authenticate", "/webhook", "/webhook/{responseUUID}", "/webhook/events", "/webhook/dead-letters", "/webhook/replay"} {
		assert.Contains(t, paths, p)
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
