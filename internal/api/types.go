package api

// PreAuthResponse is returned by POST /pre-authenticate on success.
type PreAuthResponse struct {
	VerificationURL string `json:"verificationUrl"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Store         string `json:"store"`
	Subscribers   int    `json:"subscribers"`
}
