package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/observability"
)

// Receiver handles webhook deliveries and serves completion status.
type Receiver struct {
	config  Config
	fetcher ResponseFetcher
	store   completion.Store
	events  Publisher
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Option customises a Receiver.
type Option func(*Receiver)

// WithPublisher streams lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Receiver) { r.events = p }
}

// WithMetrics counts deliveries and fetches.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// NewReceiver creates a receiver. Zero config values get defaults.
func NewReceiver(config Config, fetcher ResponseFetcher, store completion.Store, logger *slog.Logger, opts ...Option) *Receiver {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	r := &Receiver{
		config:  config,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the HTTP outcome of handling one delivery.
type Result struct {
	Status int
	Body   any
}

func received() Result {
	return Result{Status: http.StatusOK, Body: ReceivedResponse{Received: true}}
}

// Handle processes one delivery. Everything except an authentication
// failure is acknowledged with 200 so the platform does not retry.
func (r *Receiver) Handle(ctx context.Context, rawBody []byte, headers http.Header) Result {
	arrived := time.Now().UTC()

	var payload Payload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		r.logger.Warn("webhook body is not valid JSON", "error", err)
		r.metrics.WebhookDelivery("", "malformed")
		return received()
	}

	if r.config.Secret != "" {
		if err := verifyRequest(rawBody, headers.Get(r.config.SignatureHeader), r.config.Secret); err != nil {
			r.logger.Warn("webhook signature rejected", "event", payload.Event, "error", err)
			r.metrics.WebhookDelivery(payload.Event, "unauthorized")
			return Result{Status: http.StatusUnauthorized, Body: ErrorResponse{Error: signatureMessage(err)}}
		}
	}

	switch payload.Event {
	case EventSessionStarted:
		r.publish(EventSessionStarted, payload.Data)
		r.metrics.WebhookDelivery(payload.Event, "noop")

	case EventSessionCompleted:
		r.handleCompleted(ctx, payload, arrived)

	default:
		r.logger.Debug("ignoring webhook event", "event", payload.Event)
		r.metrics.WebhookDelivery(payload.Event, "ignored")
	}

	return received()
}

func signatureMessage(err error) string {
	if errors.Is(err, ErrMissingSignature) {
		return "Missing signature"
	}
	return "Invalid signature"
}

func (r *Receiver) handleCompleted(ctx context.Context, payload Payload, arrived time.Time) {
	responseUUID := strings.TrimSpace(payload.Data.ResponseUUID)
	if responseUUID == "" {
		r.logger.Error("completed event has no response_uuid")
		r.metrics.WebhookDelivery(payload.Event, "missing_uuid")
		return
	}

	logger := r.logger.With("response_uuid", responseUUID)
	if cc, ok := r.fetcher.(credentialChecker); ok && !cc.HasAPIKey() {
		logger.Error("cannot fetch response data: API key not configured")
		r.metrics.WebhookDelivery(payload.Event, "no_api_key")
		return
	}

	if err := r.fetchAndStore(ctx, responseUUID, arrived); err != nil {
		logger.Error("failed to fetch response data", "error", err)
		r.metrics.WebhookDelivery(payload.Event, "fetch_failed")
		if dlErr := r.store.PutDeadLetter(ctx, responseUUID, arrived, err); dlErr != nil {
			logger.Error("failed to record dead letter", "error", dlErr)
		}
		r.publish(EventFetchFailed, map[string]string{"response_uuid": responseUUID})
		return
	}

	logger.Info("completed session stored")
	r.metrics.WebhookDelivery(payload.Event, "stored")
	r.publish(EventSessionCompleted, map[string]string{"response_uuid": responseUUID})
}

// fetchAndStore loads the response detail and stores it as received at
// arrived, the time its completed event reached us.
func (r *Receiver) fetchAndStore(ctx context.Context, responseUUID string, arrived time.Time) error {
	start := time.Now()
	data, err := r.fetcher.GetResponse(ctx, responseUUID)
	r.metrics.ObserveUpstream("get_response", time.Since(start))
	if err != nil {
		r.metrics.ResponseFetch("error")
		return err
	}
	r.metrics.ResponseFetch("ok")

	rec := completion.NewRecord(responseUUID, data)
	rec.ReceivedAt = arrived.UTC()
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

// Status reads the latest completion.
func (r *Receiver) Status(ctx context.Context) (StatusResponse, string, error) {
	rec, err := r.store.Latest(ctx)
	return statusFrom(rec, err)
}

// StatusFor reads the completion for one response UUID.
func (r *Receiver) StatusFor(ctx context.Context, responseUUID string) (StatusResponse, string, error) {
	rec, err := r.store.Get(ctx, responseUUID)
	return statusFrom(rec, err)
}

func statusFrom(rec completion.Record, err error) (StatusResponse, string, error) {
	if errors.Is(err, completion.ErrNotFound) {
		return StatusResponse{Completed: false}, "", nil
	}
	if err != nil {
		return StatusResponse{}, "", err
	}
	return StatusResponse{Completed: true, ResponseData: rec.ResponseData}, rec.Fingerprint, nil
}

func (r *Receiver) publish(eventType string, data any) {
	if r.events != nil {
		r.events.Publish(eventType, data)
	}
}

// Routes mounts POST/GET /webhook handlers on a chi router, along with the
// dead letter tools operators use against a running server.
func (r *Receiver) Routes(router chi.Router) {
	router.Post("/webhook", r.HandleWebhook)
	router.Get("/webhook", r.HandleStatus)
	router.Get("/webhook/dead-letters", r.HandleDeadLetters)
	router.Post("/webhook/replay", r.HandleReplay)
	router.Get("/webhook/{responseUUID}", r.HandleStatusByUUID)
}

// HandleWebhook is the HTTP entry point for deliveries.
func (r *Receiver) HandleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, r.config.MaxBodySize+1))
	if err != nil {
		r.logger.Warn("failed to read webhook body", "error", err, "request_id", middleware.GetReqID(req.Context()))
		respondJSON(w, http.StatusOK, ReceivedResponse{Received: true})
		return
	}
	if int64(len(body)) > r.config.MaxBodySize {
		respondJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large"})
		return
	}

	res := r.Handle(req.Context(), body, req.Header)
	respondJSON(w, res.Status, res.Body)
}

// HandleStatus serves GET /webhook.
func (r *Receiver) HandleStatus(w http.ResponseWriter, req *http.Request) {
	status, fingerprint, err := r.Status(req.Context())
	r.writeStatus(w, req, status, fingerprint, err)
}

// HandleStatusByUUID serves GET /webhook/{responseUUID}.
func (r *Receiver) HandleStatusByUUID(w http.ResponseWriter, req *http.Request) {
	status, fingerprint, err := r.StatusFor(req.Context(), chi.URLParam(req, "responseUUID"))
	if err == nil && !status.Completed {
		respondJSON(w, http.StatusNotFound, status)
		return
	}
	r.writeStatus(w, req, status, fingerprint, err)
}

// HandleDeadLetters serves GET /webhook/dead-letters.
func (r *Receiver) HandleDeadLetters(w http.ResponseWriter, req *http.Request) {
	if !r.authorizeOperator(w, req, nil) {
		return
	}
	letters, err := r.store.DeadLetters(req.Context())
	if err != nil {
		r.logger.Error("failed to list dead letters", "error", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list dead letters"})
		return
	}
	if letters == nil {
		letters = []completion.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: letters})
}

// HandleReplay serves POST /webhook/replay.
func (r *Receiver) HandleReplay(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, r.config.MaxBodySize+1))
	if err != nil || int64(len(body)) > r.config.MaxBodySize {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unreadable request body"})
		return
	}
	if !r.authorizeOperator(w, req, body) {
		return
	}

	result, err := r.Replay(req.Context())
	if err != nil {
		r.logger.Error("dead letter replay failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "replay failed"})
		return
	}
	respondJSON(w, http.StatusOK, result.Response())
}

// authorizeOperator holds operator calls to the same signature rule as
// deliveries: with a secret configured the body must be signed.
func (r *Receiver) authorizeOperator(w http.ResponseWriter, req *http.Request, body []byte) bool {
	if r.config.Secret == "" {
		return true
	}
	if err := verifyRequest(body, req.Header.Get(r.config.SignatureHeader), r.config.Secret); err != nil {
		r.logger.Warn("operator request rejected", "path", req.URL.Path, "error", err,
			"request_id", middleware.GetReqID(req.Context()))
		respondJSON(w, http.StatusUnauthorized, ErrorResponse{Error: signatureMessage(err)})
		return false
	}
	return true
}

func (r *Receiver) writeStatus(w http.ResponseWriter, req *http.Request, status StatusResponse, fingerprint string, err error) {
	if err != nil {
		r.logger.Error("failed to read completion status", "error", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read completion status"})
		return
	}
	r.metrics.CompletionPoll(status.Completed)

	w.Header().Set("Cache-Control", "no-store")
	if fingerprint != "" {
		etag := `"` + fingerprint + `"`
		w.Header().Set("ETag", etag)
		if match := req.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
