package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/config"
	"github.com/mattjoyce/mobrule-embed/internal/log"
	"github.com/mattjoyce/mobrule-embed/internal/mobrule"
	"github.com/mattjoyce/mobrule-embed/internal/webhook"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	done := make(chan [2]string)
	go func() {
		stdoutBytes, _ := io.ReadAll(stdoutR)
		stderrBytes, _ := io.ReadAll(stderrR)
		done <- [2]string{string(stdoutBytes), string(stderrBytes)}
	}()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	out := <-done
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, out[0], out[1]
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvConfigPath, config.EnvAPIBaseURL, config.EnvAPIKey, config.EnvEmail,
		config.EnvInterviewUUID, config.EnvWebhookSecret, config.EnvListen,
		config.EnvStoreDriver, config.EnvStoreDSN, config.EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func writeSQLiteConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "completions.db")
	body := "service:\n  log_level: error\n" +
		"completion:\n  driver: sqlite\n  dsn: " + dsn + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dsn
}

func TestRunCLIUsage(t *testing.T) {
	code, stdout, _ := runCaptured(t)
	if code != 1 {
		t.Fatalf("expected exit 1 without args, got %d", code)
	}
	if !strings.Contains(stdout, "mobrule-embed <noun> <action>") {
		t.Fatalf("usage not printed: %q", stdout)
	}

	code, _, stderr := runCaptured(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unexpected result for unknown command: code=%d stderr=%q", code, stderr)
	}

	if code, _, _ := runCaptured(t, "help"); code != 0 {
		t.Fatalf("help should exit 0, got %d", code)
	}
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"system", "config", "webhook"} {
		code, stdout, _ := runCaptured(t, noun, "help")
		if code != 0 {
			t.Fatalf("%s help: exit %d", noun, code)
		}
		if !strings.Contains(stdout, "Actions:") {
			t.Fatalf("%s help missing actions: %q", noun, stdout)
		}
	}

	code, _, stderr := runCaptured(t, "webhook", "purge")
	if code != 1 || !strings.Contains(stderr, "Unknown webhook action") {
		t.Fatalf("unexpected: code=%d stderr=%q", code, stderr)
	}
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := runCaptured(t, "version", "--json")
	if code != 0 {
		t.Fatalf("version exit %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v (%q)", err, stdout)
	}
	if info.Version == "" {
		t.Fatal("empty version")
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-03-01T10:00:00+10:00")
	if !ok || got != "2026-03-01T00:00:00Z" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := normalizeBuildTimeUTC("yesterday"); ok {
		t.Fatal("expected parse failure")
	}
	if shortenCommit("0123456789abcdef") != "0123456789ab" {
		t.Fatal("commit not shortened")
	}
}

func TestConfigCheckEnvOnly(t *testing.T) {
	clearEnv(t)

	code, stdout, _ := runCaptured(t, "config", "check")
	if code != 0 {
		t.Fatalf("env-only config should be valid, exit %d: %s", code, stdout)
	}
	if !strings.Contains(stdout, "BLOCK POST /pre-authenticate") {
		t.Fatalf("expected pre-authenticate to be reported blocked: %q", stdout)
	}

	t.Setenv(config.EnvAPIKey, "key")
	t.Setenv(config.EnvEmail, "demo@example.com")
	t.Setenv(config.EnvInterviewUUID, "3f2a6c1e-9d4b-4a57-8f0e-2b1c7d9e6a10")
	code, stdout, _ = runCaptured(t, "config", "check", "--json")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stdout)
	}
	if !strings.Contains(stdout, `"ready": true`) {
		t.Fatalf("expected ready endpoints: %s", stdout)
	}
}

func TestConfigCheckInvalidDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvStoreDriver, "redis")

	code, _, stderr := runCaptured(t, "config", "check")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Load error") {
		t.Fatalf("expected load error: %q", stderr)
	}
}

func TestConfigLockThenTamper(t *testing.T) {
	clearEnv(t)
	path, _ := writeSQLiteConfig(t)

	code, stdout, stderr := runCaptured(t, "config", "lock", "--config", filepath.Dir(path))
	if code != 0 {
		t.Fatalf("lock exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked config.yaml") {
		t.Fatalf("unexpected lock output: %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), ".checksums")); err != nil {
		t.Fatalf(".checksums not written: %v", err)
	}

	if code, _, stderr := runCaptured(t, "config", "check", "--config", path); code != 0 {
		t.Fatalf("locked config should load: %s", stderr)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, _, stderr = runCaptured(t, "config", "check", "--config", path)
	if code != 1 || !strings.Contains(stderr, "verification failed") {
		t.Fatalf("tampered config should fail: code=%d stderr=%q", code, stderr)
	}
}

func TestConfigLockNeedsPath(t *testing.T) {
	clearEnv(t)
	code, _, stderr := runCaptured(t, "config", "lock")
	if code != 1 || !strings.Contains(stderr, "no config file given") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

// operatorServer runs a receiver over a memory store, the way `system start`
// wires it, with one dead letter waiting and an upstream that now answers.
func operatorServer(t *testing.T, secret string) (*httptest.Server, completion.Store) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"response_data":{"score":4}}}`)
	}))
	t.Cleanup(upstream.Close)

	store := completion.NewMemoryStore()
	if err := store.PutDeadLetter(context.Background(), "resp-9", time.Now().UTC(), errors.New("Failed to fetch response: 502")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	client := mobrule.New(mobrule.Options{BaseURL: upstream.URL, APIKey: "key-1"})
	receiver := webhook.NewReceiver(webhook.Config{Secret: secret}, client, store, log.Discard())

	router := chi.NewRouter()
	receiver.Routes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, store
}

func writeMemoryConfig(t *testing.T, secret string) string {
	t.Helper()
	body := "service:\n  log_level: error\ncompletion:\n  driver: memory\n"
	if secret != "" {
		body += "webhook:\n  secret: " + secret + "\n"
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestWebhookToolsAskServerForMemoryStore(t *testing.T) {
	clearEnv(t)
	ts, store := operatorServer(t, "whsec")
	path := writeMemoryConfig(t, "whsec")

	code, stdout, stderr := runCaptured(t, "webhook", "dead-letters", "--config", path, "--server", ts.URL)
	if code != 0 || !strings.Contains(stdout, "resp-9  attempts=1") {
		t.Fatalf("dead-letters: code=%d out=%q err=%q", code, stdout, stderr)
	}

	code, stdout, stderr = runCaptured(t, "webhook", "replay", "--config", path, "--server", ts.URL)
	if code != 0 || !strings.Contains(stdout, "Recovered 1, still failing 0") {
		t.Fatalf("replay: code=%d out=%q err=%q", code, stdout, stderr)
	}

	latest, err := store.Latest(context.Background())
	if err != nil || latest.ResponseUUID != "resp-9" {
		t.Fatalf("replayed completion not stored: %+v, %v", latest, err)
	}

	code, stdout, _ = runCaptured(t, "webhook", "dead-letters", "--config", path, "--server", ts.URL, "--json")
	if code != 0 || strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("dead letters after replay: code=%d out=%q", code, stdout)
	}
}

func TestWebhookToolsNeedServerSecret(t *testing.T) {
	clearEnv(t)
	ts, _ := operatorServer(t, "whsec")

	for _, action := range []string{"dead-letters", "replay"} {
		code, _, stderr := runCaptured(t, "webhook", action, "--config", writeMemoryConfig(t, ""), "--server", ts.URL)
		if code != 1 || !strings.Contains(stderr, "Missing signature") {
			t.Fatalf("%s unsigned: code=%d stderr=%q", action, code, stderr)
		}
		code, _, stderr = runCaptured(t, "webhook", action, "--config", writeMemoryConfig(t, "other"), "--server", ts.URL)
		if code != 1 || !strings.Contains(stderr, "Invalid signature") {
			t.Fatalf("%s wrong secret: code=%d stderr=%q", action, code, stderr)
		}
	}
}

func TestWebhookToolsMemoryStoreWithoutServer(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  log_level: error\napi:\n  listen: 127.0.0.1:1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, action := range []string{"dead-letters", "replay"} {
		code, _, stderr := runCaptured(t, "webhook", action, "--config", path)
		if code != 1 || !strings.Contains(stderr, "127.0.0.1:1") {
			t.Fatalf("%s: code=%d stderr=%q", action, code, stderr)
		}
	}
}

func TestWarnUnsignedWebhooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := config.Defaults()
	cfg.Webhook.Secret = "whsec"
	warnUnsignedWebhooks(logger, cfg)
	if buf.Len() != 0 {
		t.Fatalf("signed server should not warn: %q", buf.String())
	}

	cfg.Webhook.Secret = ""
	warnUnsignedWebhooks(logger, cfg)
	if !strings.Contains(buf.String(), "signature verification disabled") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}

func TestWebhookToolsWithSQLite(t *testing.T) {
	clearEnv(t)
	path, dsn := writeSQLiteConfig(t)

	code, stdout, stderr := runCaptured(t, "webhook", "status", "--config", path)
	if code != 0 {
		t.Fatalf("status exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "No completed interview yet.") {
		t.Fatalf("unexpected status: %q", stdout)
	}

	ctx := context.Background()
	store, err := completion.Open(ctx, config.CompletionConfig{Driver: config.DriverSQLite, DSN: dsn, TTL: 0})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put(ctx, completion.NewRecord("resp-1", json.RawMessage(`{"score":9}`))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutDeadLetter(ctx, "resp-2", time.Now().UTC(), errors.New("Failed to fetch response: 503")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	_ = store.Close()

	code, stdout, _ = runCaptured(t, "webhook", "status", "--config", path, "--json")
	if code != 0 || !strings.Contains(stdout, `"score": 9`) {
		t.Fatalf("status: code=%d out=%q", code, stdout)
	}

	code, stdout, _ = runCaptured(t, "webhook", "dead-letters", "--config", path)
	if code != 0 || !strings.Contains(stdout, "resp-2  attempts=1") {
		t.Fatalf("dead-letters: code=%d out=%q", code, stdout)
	}

	code, _, stderr = runCaptured(t, "webhook", "replay", "--config", path)
	if code != 1 || !strings.Contains(stderr, config.EnvAPIKey) {
		t.Fatalf("replay without key: code=%d stderr=%q", code, stderr)
	}
}

func TestServerURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:3000": "http://127.0.0.1:3000",
		"0.0.0.0:8080":   "http://127.0.0.1:8080",
		":3000":          "http://127.0.0.1:3000",
		"[::]:3000":      "http://127.0.0.1:3000",
		"localhost:80":   "http://localhost:80",
	}
	for listen, want := range tests {
		if got := serverURL(listen); got != want {
			t.Errorf("serverURL(%q) = %q, want %q", listen, got, want)
		}
	}
}

func TestConfigGetSet(t *testing.T) {
	clearEnv(t)
	path, _ := writeSQLiteConfig(t)
	t.Setenv(config.EnvAPIKey, "sk-live")

	code, stdout, _ := runCaptured(t, "config", "get", "completion.driver", "--config", path)
	if code != 0 || strings.TrimSpace(stdout) != "sqlite" {
		t.Fatalf("get driver: code=%d out=%q", code, stdout)
	}

	code, stdout, _ = runCaptured(t, "config", "get", "mobrule.api_key", "--config", path)
	if code != 0 || strings.Contains(stdout, "sk-live") {
		t.Fatalf("api key must be redacted: code=%d out=%q", code, stdout)
	}

	code, stdout, stderr := runCaptured(t, "config", "set", "api.listen=127.0.0.1:4100", "--config", path)
	if code != 0 {
		t.Fatalf("set: code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "Successfully set") {
		t.Fatalf("unexpected set output: %q", stdout)
	}

	code, stdout, _ = runCaptured(t, "config", "get", "api.listen", "--config", path)
	if code != 0 || strings.TrimSpace(stdout) != "127.0.0.1:4100" {
		t.Fatalf("get listen after set: code=%d out=%q", code, stdout)
	}

	code, _, stderr = runCaptured(t, "config", "set", "service.log_level=loud", "--config", path)
	if code != 1 || !strings.Contains(stderr, "validation failed") {
		t.Fatalf("invalid set should fail: code=%d stderr=%q", code, stderr)
	}

	code, _, stderr = runCaptured(t, "config", "set", "--config", path)
	if code != 1 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("missing pair: code=%d stderr=%q", code, stderr)
	}
}
