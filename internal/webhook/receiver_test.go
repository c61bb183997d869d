package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/log"
	"github.com/mattjoyce/mobrule-embed/internal/observability"
	"github.com/mattjoyce/mobrule-embed/internal/storage"
	"github.com/mattjoyce/mobrule-embed/internal/webhook/mocks"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type noKeyFetcher struct {
	*mocks.MockResponseFetcher
}

func (noKeyFetcher) HasAPIKey() bool { return false }

type fixture struct {
	receiver *Receiver
	fetcher  *mocks.MockResponseFetcher
	store    completion.Store
	events   *recordingPublisher
	router   chi.Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, completion.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, cfg Config, store completion.Store) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		fetcher: mocks.NewMockResponseFetcher(ctrl),
		store:   store,
		events:  &recordingPublisher{},
	}
	f.receiver = NewReceiver(cfg, f.fetcher, f.store, log.Discard(),
		WithPublisher(f.events),
		WithMetrics(observability.NewMetrics("test")),
	)
	f.router = chi.NewRouter()
	f.receiver.Routes(f.router)
	return f
}

func (f *fixture) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func openSQLiteStore(t *testing.T) completion.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "completions.db"))
	require.NoError(t, err)
	s := completion.NewSQLiteStore(db, 0)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func completedBody(responseUUID string) string {
	return `{"event":"interview_session.completed","data":{"response_uuid":"` + responseUUID + `","interview_session_uuid":"s-1"}}`
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) StatusResponse {
	t.Helper()
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

func TestStatusBeforeAnyCompletion(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.get(t, "/webhook", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"completed":false}`, rec.Body.String())
}

func TestCompletedEventStoresResponse(t *testing.T) {
	f := newFixture(t, Config{})
	data := json.RawMessage(`{"answers":[{"q":"favourite colour","a":"blue"}]}`)
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(data, nil)

	rec := f.post(t, completedBody("resp-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	status := decodeStatus(t, f.get(t, "/webhook", nil))
	assert.True(t, status.Completed)
	assert.JSONEq(t, string(data), string(status.ResponseData))
	assert.Equal(t, []string{EventSessionCompleted}, f.events.Types())
}

func TestLatestCompletionWins(t *testing.T) {
	f := newFixture(t, Config{})
	gomock.InOrder(
		f.fetcher.EXPECT().GetResponse(gomock.Any(), "A").Return(json.RawMessage(`{"who":"A"}`), nil),
		f.fetcher.EXPECT().GetResponse(gomock.Any(), "B").Return(json.RawMessage(`{"who":"B"}`), nil),
	)

	f.post(t, completedBody("A"), nil)
	f.post(t, completedBody("B"), nil)

	status := decodeStatus(t, f.get(t, "/webhook", nil))
	assert.JSONEq(t, `{"who":"B"}`, string(status.ResponseData))
}

func TestMalformedBodyAcknowledged(t *testing.T) {
	f := newFixture(t, Config{Secret: "s3cret"})

	rec := f.post(t, `{not json`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	_, err := f.store.Latest(context.Background())
	assert.ErrorIs(t, err, completion.ErrNotFound)
}

func TestSignatureEnforcement(t *testing.T) {
	const secret = "s3cret"
	body := completedBody("resp-1")

	t.Run("missing header", func(t *testing.T) {
		f := newFixture(t, Config{Secret: secret})
		rec := f.post(t, body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Missing signature"}`, rec.Body.String())
	})

	t.Run("wrong signature", func(t *testing.T) {
		f := newFixture(t, Config{Secret: secret})
		rec := f.post(t, body, map[string]string{
			DefaultSignatureHeader: SignatureHeaderValue([]byte(body), "wrong"),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())

		status := decodeStatus(t, f.get(t, "/webhook", nil))
		assert.False(t, status.Completed)
	})

	t.Run("valid signature", func(t *testing.T) {
		f := newFixture(t, Config{Secret: secret})
		f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{"ok":true}`), nil)

		rec := f.post(t, body, map[string]string{
			"x-mobrule-signature": SignatureHeaderValue([]byte(body), secret),
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeStatus(t, f.get(t, "/webhook", nil)).Completed)
	})

	t.Run("custom header name", func(t *testing.T) {
		f := newFixture(t, Config{Secret: secret, SignatureHeader: "X-Signature"})
		f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{}`), nil)

		rec := f.post(t, body, map[string]string{
			"X-Signature": SignatureHeaderValue([]byte(body), secret),
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestUnsignedAcceptedWithoutSecret(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{}`), nil)

	rec := f.post(t, completedBody("resp-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartedAndUnknownEventsDoNotFetch(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.post(t, `{"event":"interview_session.started","data":{"interview_session_uuid":"s-1"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.post(t, `{"event":"interview_session.abandoned","data":{}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{EventSessionStarted}, f.events.Types())
	assert.False(t, decodeStatus(t, f.get(t, "/webhook", nil)).Completed)
}

func TestCompletedWithoutResponseUUID(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.post(t, `{"event":"interview_session.completed","data":{}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	letters, err := f.store.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestMissingAPIKeySkipsFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := completion.NewMemoryStore()
	r := NewReceiver(Config{}, noKeyFetcher{mocks.NewMockResponseFetcher(ctrl)}, store, log.Discard())

	res := r.Handle(context.Background(), []byte(completedBody("resp-1")), http.Header{})
	assert.Equal(t, http.StatusOK, res.Status)

	letters, err := store.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestFetchFailureRecordsDeadLetter(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(nil, errors.New("Failed to fetch response: 502"))

	rec := f.post(t, completedBody("resp-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	assert.False(t, decodeStatus(t, f.get(t, "/webhook", nil)).Completed)

	letters, err := f.store.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "resp-1", letters[0].ResponseUUID)
	assert.Equal(t, 1, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "502")
	assert.Equal(t, []string{EventFetchFailed}, f.events.Types())
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t, Config{MaxBodySize: 32})

	rec := f.post(t, completedBody(strings.Repeat("x", 64)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatusETag(t *testing.T) {
	f := newFixture(t, Config{})
	data := json.RawMessage(`{"score":7}`)
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(data, nil)
	f.post(t, completedBody("resp-1"), nil)

	first := f.get(t, "/webhook", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	assert.Equal(t, `"`+completion.Fingerprint(data)+`"`, etag)

	second := f.get(t, "/webhook", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Zero(t, second.Body.Len())

	stale := f.get(t, "/webhook", map[string]string{"If-None-Match": `"other"`})
	assert.Equal(t, http.StatusOK, stale.Code)
}

func TestStatusByUUID(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{"n":1}`), nil)
	f.post(t, completedBody("resp-1"), nil)

	rec := f.get(t, "/webhook/resp-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeStatus(t, rec).Completed)

	rec = f.get(t, "/webhook/resp-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"completed":false}`, rec.Body.String())
}

func TestReplayRecoversDeadLetters(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arrived := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.PutDeadLetter(ctx, "ok-1", arrived, errors.New("timeout")))
	require.NoError(t, f.store.PutDeadLetter(ctx, "bad-1", arrived, errors.New("timeout")))

	f.fetcher.EXPECT().GetResponse(gomock.Any(), "ok-1").Return(json.RawMessage(`{"ok":1}`), nil)
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "bad-1").Return(nil, errors.New("still down"))

	result, err := f.receiver.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-1"}, result.Recovered)
	require.Contains(t, result.Failed, "bad-1")

	letters, err := f.store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad-1", letters[0].ResponseUUID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "still down", letters[0].LastError)

	latest, err := f.store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok-1", latest.ResponseUUID)
	assert.True(t, latest.ReceivedAt.Equal(arrived), "replayed record keeps its arrival time")
}

func TestReplayDoesNotDisplaceLaterCompletion(t *testing.T) {
	stores := map[string]func(t *testing.T) completion.Store{
		"memory": func(*testing.T) completion.Store { return completion.NewMemoryStore() },
		"sqlite": openSQLiteStore,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixtureWithStore(t, Config{}, open(t))
			ctx := context.Background()
			gomock.InOrder(
				f.fetcher.EXPECT().GetResponse(gomock.Any(), "A").Return(nil, errors.New("Failed to fetch response: 503")),
				f.fetcher.EXPECT().GetResponse(gomock.Any(), "B").Return(json.RawMessage(`{"who":"B"}`), nil),
				f.fetcher.EXPECT().GetResponse(gomock.Any(), "A").Return(json.RawMessage(`{"who":"A"}`), nil),
			)

			f.post(t, completedBody("A"), nil)
			time.Sleep(time.Millisecond)
			f.post(t, completedBody("B"), nil)

			result, err := f.receiver.Replay(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"A"}, result.Recovered)

			status := decodeStatus(t, f.get(t, "/webhook", nil))
			assert.JSONEq(t, `{"who":"B"}`, string(status.ResponseData), "B arrived last and stays latest")

			letters, err := f.store.DeadLetters(ctx)
			require.NoError(t, err)
			assert.Empty(t, letters)
		})
	}
}

func TestOversizedResponseIsDeadLettered(t *testing.T) {
	f := newFixtureWithStore(t, Config{}, completion.NewMemoryStore(completion.WithMaxPayload(16)))
	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").
		Return(json.RawMessage(`{"essay":"`+strings.Repeat("x", 64)+`"}`), nil)

	rec := f.post(t, completedBody("resp-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeStatus(t, f.get(t, "/webhook", nil)).Completed)

	letters, err := f.store.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].LastError, "exceeds max size")
}

func TestDeadLetterRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.PutDeadLetter(ctx, "resp-1", time.Now().UTC(), errors.New("timeout")))

	rec := f.get(t, "/webhook/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed DeadLettersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.DeadLetters, 1)
	assert.Equal(t, "resp-1", listed.DeadLetters[0].ResponseUUID)
	assert.Equal(t, "timeout", listed.DeadLetters[0].LastError)

	f.fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{"ok":true}`), nil)
	rec = f.do(t, http.MethodPost, "/webhook/replay", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recovered":["resp-1"],"failed":{}}`, rec.Body.String())

	rec = f.get(t, "/webhook/dead-letters", nil)
	assert.JSONEq(t, `{"dead_letters":[]}`, rec.Body.String())
	assert.True(t, decodeStatus(t, f.get(t, "/webhook", nil)).Completed)
}

func TestDeadLetterRoutesRequireSignature(t *testing.T) {
	const secret = "s3cret"
	f := newFixture(t, Config{Secret: secret})

	rec := f.get(t, "/webhook/dead-letters", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Missing signature"}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/webhook/replay", `{}`, map[string]string{
		DefaultSignatureHeader: SignatureHeaderValue([]byte(`{}`), "wrong"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())

	rec = f.get(t, "/webhook/dead-letters", map[string]string{
		DefaultSignatureHeader: SignatureHeaderValue(nil, secret),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhook/replay", `{}`, map[string]string{
		DefaultSignatureHeader: SignatureHeaderValue([]byte(`{}`), secret),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recovered":[],"failed":{}}`, rec.Body.String())
}

func TestNewReceiverStaysQuiet(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctrl := gomock.NewController(t)
	for i := 0; i < 3; i++ {
		_ = NewReceiver(Config{}, mocks.NewMockResponseFetcher(ctrl), completion.NewMemoryStore(), logger)
	}
	assert.Zero(t, buf.Len(), "building a receiver for CLI tools must not log: %s", buf.String())
}

func TestHandleDirect(t *testing.T) {
	f := newFixture(t, Config{Secret: "k"})
	body := []byte(`{"event":"interview_session.started","data":{}}`)
	headers := http.Header{}
	headers.Set(DefaultSignatureHeader, SignatureHeaderValue(body, "k"))

	res := f.receiver.Handle(context.Background(), bytes.Clone(body), headers)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, ReceivedResponse{Received: true}, res.Body)
}

func TestPublishedEventsUseHubTypes(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockResponseFetcher(ctrl)
	fetcher.EXPECT().GetResponse(gomock.Any(), "resp-1").Return(json.RawMessage(`{}`), nil)
	hub := events.NewHub(8)
	r := NewReceiver(Config{}, fetcher, completion.NewMemoryStore(), log.Discard(), WithPublisher(hub))

	ctx := context.Background()
	r.Handle(ctx, []byte(`{"event":"interview_session.started","data":{"interview_session_uuid":"s-1"}}`), http.Header{})
	r.Handle(ctx, []byte(completedBody("resp-1")), http.Header{})

	ch, cancel := hub.Subscribe(0)
	defer cancel()
	assert.Equal(t, events.TypeSessionStarted, (<-ch).Type)
	assert.Equal(t, events.TypeSessionCompleted, (<-ch).Type)
}
