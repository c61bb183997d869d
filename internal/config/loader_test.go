package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearMobruleEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvAPIBaseURL, EnvAPIKey, EnvEmail, EnvInterviewUUID, EnvWebhookSecret,
		EnvListen, EnvStoreDriver, EnvStoreDSN, EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEnvOnly(t *testing.T) {
	clearMobruleEnv(t)
	t.Setenv(EnvAPIKey, "key-123")
	t.Setenv(EnvEmail, "person@example.com")
	t.Setenv(EnvInterviewUUID, "5b0c4a6e-0000-4000-8000-000000000001")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://mobrule.ai", cfg.Mobrule.BaseURL)
	assert.Equal(t, "key-123", cfg.Mobrule.APIKey)
	assert.Equal(t, "person@example.com", cfg.Mobrule.Email)
	assert.Equal(t, DriverMemory, cfg.Completion.Driver)
	assert.Equal(t, "8MB", cfg.Completion.MaxPayloadSize)
	assert.Equal(t, 2*time.Second, cfg.Watcher.PollInterval)
	assert.Empty(t, cfg.Webhook.Secret)
	assert.Empty(t, cfg.MissingPreAuth())
	assert.Empty(t, cfg.SourcePath)
}

func TestLoadMissingCredentialsIsNotFatal(t *testing.T) {
	clearMobruleEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{EnvAPIKey, EnvEmail, EnvInterviewUUID}, cfg.MissingPreAuth())
}

func TestLoadFileWithInterpolationAndOverrides(t *testing.T) {
	clearMobruleEnv(t)
	t.Setenv("DEMO_SECRET", "whsec")
	t.Setenv(EnvListen, "0.0.0.0:9090")

	path := writeConfig(t, `
service:
  log_level: debug
api:
  listen: 127.0.0.1:4000
mobrule:
  base_url: https://staging.mobrule.ai
  api_key: file-key
webhook:
  secret: ${DEMO_SECRET}
  max_body_size: 512KB
completion:
  driver: sqlite
  dsn: ./data/completions.db
  ttl: 1h
  max_payload_size: 2MB
watcher:
  poll_interval: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Listen, "env wins over file")
	assert.Equal(t, "https://staging.mobrule.ai", cfg.Mobrule.BaseURL)
	assert.Equal(t, "file-key", cfg.Mobrule.APIKey)
	assert.Equal(t, "whsec", cfg.Webhook.Secret)
	assert.Equal(t, "X-Mobrule-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, DriverSQLite, cfg.Completion.Driver)
	assert.Equal(t, time.Hour, cfg.Completion.TTL)
	assert.Equal(t, "2MB", cfg.Completion.MaxPayloadSize)
	assert.Equal(t, 3*time.Second, cfg.Watcher.PollInterval)
	assert.NotEmpty(t, cfg.API.FrameAncestors)
	assert.Equal(t, path, cfg.SourcePath)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad log level", yaml: "service:\n  log_level: loud\n"},
		{name: "bad listen", yaml: "api:\n  listen: nope\n"},
		{name: "bad driver", yaml: "completion:\n  driver: redis\n"},
		{name: "sqlite without dsn", yaml: "completion:\n  driver: sqlite\n"},
		{name: "bad body size", yaml: "webhook:\n  max_body_size: huge\n"},
		{name: "bad payload size", yaml: "completion:\n  max_payload_size: lots\n"},
		{name: "zero payload size", yaml: "completion:\n  max_payload_size: 0KB\n"},
		{name: "unset secret var", yaml: "webhook:\n  secret: ${MOBRULE_TEST_UNSET_SECRET}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearMobruleEnv(t)
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	clearMobruleEnv(t)
	path := writeConfig(t, "service:\n  name: demo\n")

	_, err := Lock(path, false)
	require.NoError(t, err)

	_, err = Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: changed\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "config verification failed")
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1MB", want: 1 << 20},
		{in: "512kb", want: 512 << 10},
		{in: "2048", want: 2048},
		{in: "1GB", want: 1 << 30},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
