// Package doctor reports whether a mobrule-embed configuration can serve
// each endpoint, and flags risky settings that still load.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/mobrule-embed/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid     bool       `json:"valid"`
	Endpoints []Endpoint `json:"endpoints"`
	Errors    []Issue    `json:"errors,omitempty"`
	Warnings  []Issue    `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Endpoint reports whether a route will do useful work with this config.
type Endpoint struct {
	Route  string `json:"route"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkEndpoints(r)
	d.validateUpstream(r)
	d.validateWebhook(r)
	d.validateCompletion(r)
	d.validateAPI(r)
	d.warnWatcher(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkEndpoints mirrors the per-request credential checks the server makes.
func (d *Doctor) checkEndpoints(r *Result) {
	pre := Endpoint{Route: "POST /pre-authenticate", Ready: true}
	if missing := d.cfg.MissingPreAuth(); len(missing) > 0 {
		pre.Ready = false
		pre.Reason = "missing " + strings.Join(missing, ", ")
	}

	hook := Endpoint{Route: "POST /webhook", Ready: true}
	if d.cfg.Mobrule.APIKey == "" {
		hook.Ready = false
		hook.Reason = "completed events cannot be fetched without " + config.EnvAPIKey
	}

	status := Endpoint{Route: "GET /webhook", Ready: true}

	r.Endpoints = append(r.Endpoints, pre, hook, status)
}

func (d *Doctor) validateUpstream(r *Result) {
	m := d.cfg.Mobrule

	u, err := url.Parse(m.BaseURL)
	switch {
	case err != nil || u.Host == "":
		d.addError(r, "mobrule", "mobrule.base_url", fmt.Sprintf("invalid base URL %q", m.BaseURL))
	case u.Scheme != "https" && u.Scheme != "http":
		d.addError(r, "mobrule", "mobrule.base_url", fmt.Sprintf("base URL scheme %q is not http(s)", u.Scheme))
	case u.Scheme == "http" && !isLoopback(u.Hostname()):
		d.addWarning(r, "mobrule", "mobrule.base_url", "API key would be sent over plain http")
	}

	if m.InterviewUUID != "" {
		if _, err := uuid.Parse(m.InterviewUUID); err != nil {
			d.addWarning(r, "mobrule", "mobrule.interview_uuid",
				fmt.Sprintf("%q does not look like a UUID", m.InterviewUUID))
		}
	}
	if m.Email != "" {
		if _, err := mail.ParseAddress(m.Email); err != nil {
			d.addWarning(r, "mobrule", "mobrule.email", fmt.Sprintf("%q is not a valid email address", m.Email))
		}
	}
	if m.Timeout <= 0 {
		d.addError(r, "mobrule", "mobrule.timeout", "timeout must be positive")
	}
}

func (d *Doctor) validateWebhook(r *Result) {
	w := d.cfg.Webhook

	switch {
	case w.Secret == "":
		d.addWarning(r, "webhook", "webhook.secret",
			"no secret configured; deliveries are accepted without signature verification")
	default:
		if name, ok := config.Unresolved(w.Secret); ok {
			d.addError(r, "webhook", "webhook.secret", fmt.Sprintf("environment variable ${%s} not set", name))
		} else if len(w.Secret) < 16 {
			d.addWarning(r, "webhook", "webhook.secret", "secret is shorter than 16 characters")
		}
	}

	if w.SignatureHeader == "" {
		d.addError(r, "webhook", "webhook.signature_header", "signature_header is required")
	}
	if _, err := config.ParseByteSize(w.MaxBodySize); err != nil {
		d.addError(r, "webhook", "webhook.max_body_size", err.Error())
	}
}

func (d *Doctor) validateCompletion(r *Result) {
	c := d.cfg.Completion
	switch c.Driver {
	case config.DriverMemory:
		d.addWarning(r, "completion", "completion.driver",
			"memory store keeps one completion per process and loses it on restart")
	case config.DriverSQLite, config.DriverPostgres:
		if c.DSN == "" {
			d.addError(r, "completion", "completion.dsn", fmt.Sprintf("%s driver requires a dsn", c.Driver))
		}
	default:
		d.addError(r, "completion", "completion.driver", fmt.Sprintf("unknown driver %q", c.Driver))
	}
	if c.Driver == config.DriverPostgres && c.DSN != "" &&
		!strings.HasPrefix(c.DSN, "postgres://") && !strings.HasPrefix(c.DSN, "postgresql://") {
		d.addWarning(r, "completion", "completion.dsn", "postgres dsn is not a postgres:// URL")
	}
	if _, err := config.ParseByteSize(c.MaxPayloadSize); err != nil {
		d.addError(r, "completion", "completion.max_payload_size", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	a := d.cfg.API
	host, _, err := net.SplitHostPort(a.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q", a.Listen))
		return
	}
	if !isLoopback(host) && d.cfg.Webhook.Secret == "" {
		d.addWarning(r, "api", "api.listen",
			"listening beyond loopback without a webhook secret lets anyone post completions")
	}
	if len(a.FrameAncestors) == 0 {
		d.addWarning(r, "api", "api.frame_ancestors", "no frame ancestors; pages cannot be framed by the platform")
	}
}

func (d *Doctor) warnWatcher(r *Result) {
	if d.cfg.Watcher.PollInterval < config.Defaults().Watcher.PollInterval/2 {
		d.addWarning(r, "watcher", "watcher.poll_interval",
			fmt.Sprintf("poll interval %s is very short", d.cfg.Watcher.PollInterval))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Endpoints {
		if e.Ready {
			fmt.Fprintf(&b, "  READY %s\n", e.Route)
		} else {
			fmt.Fprintf(&b, "  BLOCK %s: %s\n", e.Route, e.Reason)
		}
	}
	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
