package mobrule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const preAuthFailed = "Failed to pre-authenticate"

// VerificationURL is one entry of a pre-authenticate reply.
type VerificationURL struct {
	Email           string `json:"email,omitempty"`
	VerificationURL string `json:"verification_url"`
}

type preAuthRequest struct {
	Emails []string `json:"emails"`
}

type preAuthResponse struct {
	URLs []VerificationURL `json:"urls"`
}

type apiErrorBody struct {
	Message string `json:"message"`
}

// PreAuthenticate mints single-use verification URLs for emails on an
// interview session.
func (c *Client) PreAuthenticate(ctx context.Context, interviewUUID string, emails []string) ([]VerificationURL, error) {
	path := "/interview-sessions/" + url.PathEscape(interviewUUID) + "/pre-authenticate"
	resp, err := c.do(ctx, http.MethodPost, path, preAuthRequest{Emails: emails})
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		return nil, &UpstreamError{Status: resp.status, Message: upstreamMessage(resp)}
	}

	var out preAuthResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, &DataError{Message: "Invalid pre-authenticate response"}
	}
	return out.URLs, nil
}

// upstreamMessage extracts a best-effort message from an error body: the JSON
// "message" field, the generic text for empty or message-less bodies, and the
// status text when the body is not JSON.
func upstreamMessage(resp rawResponse) string {
	if len(resp.body) == 0 {
		return preAuthFailed
	}
	var body apiErrorBody
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return fmt.Sprintf("%s: %s", preAuthFailed, statusText(resp.status))
	}
	if body.Message == "" {
		return preAuthFailed
	}
	return body.Message
}

// RequesterConfig is the stored configuration a Requester mints URLs for.
type RequesterConfig struct {
	Email         string
	InterviewUUID string
}

// Requester mints a verification URL for the single configured user.
type Requester struct {
	client *Client
	cfg    RequesterConfig
}

// NewRequester binds a client to the configured user and interview.
func NewRequester(client *Client, cfg RequesterConfig) *Requester {
	return &Requester{client: client, cfg: cfg}
}

// RequestVerificationURL returns the first verification URL issued for the
// configured email. Missing configuration fails before any upstream call.
func (r *Requester) RequestVerificationURL(ctx context.Context) (string, error) {
	var missing []string
	if !r.client.HasAPIKey() {
		missing = append(missing, "MOBRULE_API_KEY")
	}
	if r.cfg.Email == "" {
		missing = append(missing, "MOBRULE_EMAIL")
	}
	if r.cfg.InterviewUUID == "" {
		missing = append(missing, "MOBRULE_INTERVIEW_UUID")
	}
	if len(missing) > 0 {
		return "", &ConfigError{Missing: missing}
	}

	urls, err := r.client.PreAuthenticate(ctx, r.cfg.InterviewUUID, []string{r.cfg.Email})
	if err != nil {
		return "", err
	}
	if len(urls) == 0 || urls[0].VerificationURL == "" {
		return "", &DataError{Message: "No verification URL received"}
	}
	return urls[0].VerificationURL, nil
}
