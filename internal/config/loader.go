package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables that override file values when set.
const (
	EnvAPIBaseURL    = "MOBRULE_API_BASE_URL"
	EnvAPIKey        = "MOBRULE_API_KEY"
	EnvEmail         = "MOBRULE_EMAIL"
	EnvInterviewUUID = "MOBRULE_INTERVIEW_UUID"
	EnvWebhookSecret = "MOBRULE_WEBHOOK_SECRET"
	EnvListen        = "MOBRULE_LISTEN"
	EnvStoreDriver   = "MOBRULE_STORE_DRIVER"
	EnvStoreDSN      = "MOBRULE_STORE_DSN"
	EnvLogLevel      = "MOBRULE_LOG_LEVEL"
	EnvConfigPath    = "MOBRULE_CONFIG"
)

// Load reads configuration from configPath and layers MOBRULE_* environment
// variables on top. An empty configPath yields defaults plus environment,
// which is how the demo usually runs.
//
// Missing upstream credentials are not an error here: each endpoint checks
// the values it needs when it is called.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
			if _, err := os.Stat(absPath); err != nil {
				return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
			}
		}

		if err := verifyConfigHash(absPath); err != nil {
			return nil, err
		}

		fileCfg, err := loadConfigFile(absPath)
		if err != nil {
			return nil, err
		}
		cfg = applyConfigDefaults(fileCfg)
		cfg.SourcePath = absPath
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath picks the config path from the flag value or $MOBRULE_CONFIG.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against a sibling .checksums manifest.
// A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: mobrule-embed config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: mobrule-embed config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills zero values from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.FrameAncestors == nil {
		cfg.API.FrameAncestors = defaults.API.FrameAncestors
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = defaults.API.ReadTimeout
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = defaults.API.WriteTimeout
	}

	if cfg.Mobrule.BaseURL == "" {
		cfg.Mobrule.BaseURL = defaults.Mobrule.BaseURL
	}
	if cfg.Mobrule.Timeout == 0 {
		cfg.Mobrule.Timeout = defaults.Mobrule.Timeout
	}

	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = defaults.Webhook.SignatureHeader
	}
	if cfg.Webhook.MaxBodySize == "" {
		cfg.Webhook.MaxBodySize = defaults.Webhook.MaxBodySize
	}

	if cfg.Completion.Driver == "" {
		cfg.Completion.Driver = defaults.Completion.Driver
	}
	if cfg.Completion.TTL == 0 {
		cfg.Completion.TTL = defaults.Completion.TTL
	}
	if cfg.Completion.MaxPayloadSize == "" {
		cfg.Completion.MaxPayloadSize = defaults.Completion.MaxPayloadSize
	}

	if cfg.Watcher.PollInterval == 0 {
		cfg.Watcher.PollInterval = defaults.Watcher.PollInterval
	}
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Mobrule.BaseURL, EnvAPIBaseURL)
	override(&cfg.Mobrule.APIKey, EnvAPIKey)
	override(&cfg.Mobrule.Email, EnvEmail)
	override(&cfg.Mobrule.InterviewUUID, EnvInterviewUUID)
	override(&cfg.Webhook.Secret, EnvWebhookSecret)
	override(&cfg.API.Listen, EnvListen)
	override(&cfg.Completion.Driver, EnvStoreDriver)
	override(&cfg.Completion.DSN, EnvStoreDSN)
	override(&cfg.Service.LogLevel, EnvLogLevel)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Unresolved reports the first ${VAR} placeholder left in s, if any.
func Unresolved(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
		return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
	}

	if cfg.Mobrule.Timeout < 0 {
		return fmt.Errorf("mobrule.timeout must not be negative")
	}

	if _, err := ParseByteSize(cfg.Webhook.MaxBodySize); err != nil {
		return fmt.Errorf("webhook.max_body_size %q: %w", cfg.Webhook.MaxBodySize, err)
	}
	if name, ok := Unresolved(cfg.Webhook.Secret); ok {
		return fmt.Errorf("webhook.secret: environment variable ${%s} is not set", name)
	}

	switch cfg.Completion.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if cfg.Completion.DSN == "" {
			return fmt.Errorf("completion.dsn is required for driver %q", cfg.Completion.Driver)
		}
	default:
		return fmt.Errorf("completion.driver must be one of: memory, sqlite, postgres (got %q)", cfg.Completion.Driver)
	}
	if cfg.Completion.TTL < 0 {
		return fmt.Errorf("completion.ttl must not be negative")
	}
	if _, err := ParseByteSize(cfg.Completion.MaxPayloadSize); err != nil {
		return fmt.Errorf("completion.max_payload_size %q: %w", cfg.Completion.MaxPayloadSize, err)
	}

	if cfg.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}
	return nil
}

// ParseByteSize parses size strings like "1MB", "512KB" or "1048576" to bytes.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return 0, fmt.Errorf("size is empty")
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

// MissingPreAuth lists the MOBRULE_* settings the pre-authenticate endpoint lacks.
func (c *Config) MissingPreAuth() []string {
	var missing []string
	if c.Mobrule.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if c.Mobrule.Email == "" {
		missing = append(missing, EnvEmail)
	}
	if c.Mobrule.InterviewUUID == "" {
		missing = append(missing, EnvInterviewUUID)
	}
	return missing
}

// PollInterval returns the watcher interval, never below one second.
func (c *Config) PollInterval() time.Duration {
	if c.Watcher.PollInterval < time.Second {
		return time.Second
	}
	return c.Watcher.PollInterval
}
