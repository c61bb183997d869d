package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mobrule-embed/internal/mobrule"
)

// preAuthTransportFailure is reported when the upstream call itself failed.
const preAuthTransportFailure = "Failed to pre-authenticate interview"

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	driver := "none"
	if s.store != nil {
		driver = s.store.Driver()
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Store:         driver,
		Subscribers:   s.events.Subscribers(),
	})
}

// handlePreAuthenticate handles POST /pre-authenticate.
// The request body is ignored; the user and interview come from configuration.
func (s *Server) handlePreAuthenticate(w http.ResponseWriter, r *http.Request) {
	if s.requester == nil {
		s.writeError(w, http.StatusInternalServerError, "Missing required environment variables")
		return
	}

	start := time.Now()
	verificationURL, err := s.requester.RequestVerificationURL(r.Context())
	s.metrics.ObserveUpstream("pre_authenticate", time.Since(start))
	if err != nil {
		status, message := preAuthError(err)
		s.metrics.PreAuth(status)
		s.logger.Error("pre-authenticate failed",
			"status", status,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		s.writeError(w, status, message)
		return
	}

	s.metrics.PreAuth(http.StatusOK)
	respondJSON(w, http.StatusOK, PreAuthResponse{VerificationURL: verificationURL})
}

// preAuthError maps requester errors to the local response. Typed errors
// carry their own message; anything else is a transport failure.
func preAuthError(err error) (int, string) {
	var (
		cfgErr      *mobrule.ConfigError
		upstreamErr *mobrule.UpstreamError
		dataErr     *mobrule.DataError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &upstreamErr), errors.As(err, &dataErr):
		return mobrule.StatusFor(err), err.Error()
	default:
		return http.StatusInternalServerError, preAuthTransportFailure
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
