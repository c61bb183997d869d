package config

import "time"

// Config represents the complete mobrule-embed configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	API        APIConfig        `yaml:"api"`
	Mobrule    MobruleConfig    `yaml:"mobrule"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Completion CompletionConfig `yaml:"completion"`
	Watcher    WatcherConfig    `yaml:"watcher"`

	// SourcePath is the absolute path of the loaded file, empty for env-only configs.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LockPath string `yaml:"lock_path"`
}

// APIConfig defines the local HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// FrameAncestors is rendered into the CSP frame-ancestors directive so the
	// interview platform can frame pages served here.
	FrameAncestors []string      `yaml:"frame_ancestors"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// MobruleConfig holds the upstream interview platform credentials.
type MobruleConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Email         string        `yaml:"email"`
	InterviewUUID string        `yaml:"interview_uuid"`
	Timeout       time.Duration `yaml:"timeout"`
}

// WebhookConfig defines the inbound webhook receiver.
type WebhookConfig struct {
	// Secret enables signature verification. Empty means every caller is trusted.
	Secret          string `yaml:"secret,omitempty"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// CompletionConfig selects where completed responses are kept.
type CompletionConfig struct {
	Driver string        `yaml:"driver"` // memory | sqlite | postgres
	DSN    string        `yaml:"dsn"`    // sqlite path or postgres URL
	TTL    time.Duration `yaml:"ttl"`
	// MaxPayloadSize caps a stored response_data document, and the upstream
	// body read to fetch it.
	MaxPayloadSize string `yaml:"max_payload_size"`
}

// WatcherConfig tunes client-side completion watching.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults returns a Config with the values the demo ships with.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "mobrule-embed",
			LogLevel: "info",
			LockPath: "./data/mobrule-embed.lock",
		},
		API: APIConfig{
			Listen: "127.0.0.1:3000",
			FrameAncestors: []string{
				"'self'",
				"http://localhost:*",
				"https://localhost:*",
				"https://*.mobrule.ai",
				"https://mobrule.ai",
			},
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Mobrule: MobruleConfig{
			BaseURL: "https://mobrule.ai",
			Timeout: 15 * time.Second,
		},
		Webhook: WebhookConfig{
			SignatureHeader: "X-Mobrule-Signature",
			MaxBodySize:     "1MB",
		},
		Completion: CompletionConfig{
			Driver:         DriverMemory,
			TTL:            24 * time.Hour,
			MaxPayloadSize: "8MB",
		},
		Watcher: WatcherConfig{
			PollInterval: 2 * time.Second,
		},
	}
}
