package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/mobrule-embed/internal/api"
	"github.com/mattjoyce/mobrule-embed/internal/completion"
	"github.com/mattjoyce/mobrule-embed/internal/config"
	"github.com/mattjoyce/mobrule-embed/internal/doctor"
	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/lock"
	"github.com/mattjoyce/mobrule-embed/internal/log"
	"github.com/mattjoyce/mobrule-embed/internal/mobrule"
	"github.com/mattjoyce/mobrule-embed/internal/observability"
	"github.com/mattjoyce/mobrule-embed/internal/tui"
	"github.com/mattjoyce/mobrule-embed/internal/tui/interview"
	"github.com/mattjoyce/mobrule-embed/internal/watcher"
	"github.com/mattjoyce/mobrule-embed/internal/webhook"
	"gopkg.in/yaml.v3"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "webhook":
		return runWebhookNoun(args)
	case "interview":
		if hasHelpFlag(args) {
			printInterviewHelp()
			return 0
		}
		return runInterview(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: mobrule-embed version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("mobrule-embed %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`mobrule-embed - Embed Mob Rule interviews in an existing site

Usage:
  mobrule-embed <noun> <action> [flags]

Core Resources (Nouns):
  system    Server lifecycle
  config    Configuration and integrity
  webhook   Completion status and failed deliveries
  interview Terminal client for a running server

System Commands:
  system start         Serve /pre-authenticate, /webhook and friends in the foreground

Config Commands:
  config check         Validate configuration and report usable endpoints
  config lock          Record the config file's BLAKE3 checksum
  config get <path>    Show an effective setting (credentials redacted)
  config set k=v       Edit the config file, validating before write

Webhook Commands:
  webhook status       Show the latest completion
  webhook dead-letters List completions whose response fetch failed
  webhook replay       Re-fetch dead-lettered responses
  webhook watch        Live view of webhook deliveries on a running server

Environment:
  MOBRULE_CONFIG, MOBRULE_API_BASE_URL, MOBRULE_API_KEY, MOBRULE_EMAIL,
  MOBRULE_INTERVIEW_UUID, MOBRULE_WEBHOOK_SECRET, MOBRULE_LISTEN,
  MOBRULE_STORE_DRIVER, MOBRULE_STORE_DSN, MOBRULE_LOG_LEVEL

General:
  version              Show version information
  help                 Show this help message

Use 'mobrule-embed <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runWebhookNoun(args []string) int {
	if len(args) < 1 {
		printWebhookNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWebhookNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	if hasHelpFlag(actionArgs) {
		printWebhookNounHelp(os.Stdout)
		return 0
	}
	switch action {
	case "status":
		return runWebhookStatus(actionArgs)
	case "dead-letters":
		return runWebhookDeadLetters(actionArgs)
	case "replay":
		return runWebhookReplay(actionArgs)
	case "watch":
		return runWebhookWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown webhook action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: mobrule-embed system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: mobrule-embed config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, get, set")
}

func printWebhookNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: mobrule-embed webhook <action> [--config PATH] [--json]")
	fmt.Fprintln(w, "Actions: status, dead-letters, replay, watch")
	fmt.Fprintln(w, "With the memory driver (or --server) dead-letters and replay ask the running server.")
}

func printSystemStartHelp() {
	fmt.Println("Usage: mobrule-embed system start [--config PATH]")
	fmt.Println("Start the server in the foreground.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: mobrule-embed config check [--config PATH] [--json]")
	fmt.Println("Validate configuration and report which endpoints can serve requests.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration valid (warnings allowed)")
	fmt.Println("  1  Configuration invalid or failed to load")
}

func printConfigLockHelp() {
	fmt.Println("Usage: mobrule-embed config lock [--config PATH] [--dry-run]")
	fmt.Println("Write the config file's BLAKE3 hash to .checksums next to it.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: mobrule-embed config get <path> [--config PATH] [--json]")
	fmt.Println("Print a dot-notation setting from the effective config, e.g. api.listen.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: mobrule-embed config set <path>=<value> [--config PATH] [--dry-run]")
	fmt.Println("Edit the config file in place. The result must validate; a locked file is relocked.")
}

func printInterviewHelp() {
	fmt.Println("Usage: mobrule-embed interview [--server URL] [--poll-interval DURATION]")
	fmt.Println("Request a verification link from a running server and wait for the interview to finish.")
}

// --- ACTIONS ---

// loadConfig resolves --config / $MOBRULE_CONFIG and loads it. An empty path
// means defaults plus environment.
func loadConfig(flagValue string) (*config.Config, error) {
	return config.Load(config.ResolvePath(flagValue))
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("mobrule-embed starting", "version", version, "config", cfg.SourcePath)
	warnUnsignedWebhooks(logger, cfg)

	// The memory slot is per process; a second server would split deliveries.
	if cfg.Completion.Driver == config.DriverMemory {
		pidLock, err := lock.Acquire(cfg.Service.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := completion.Open(ctx, cfg.Completion)
	if err != nil {
		logger.Error("failed to open completion store", "driver", cfg.Completion.Driver, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("completion store opened", "driver", store.Driver())

	if missing := cfg.MissingPreAuth(); len(missing) > 0 {
		logger.Warn("pre-authenticate will fail until configured", "missing", missing)
	}

	metrics := observability.NewMetrics("mobrule_embed")
	hub := events.NewHub(64)
	client := newMobruleClient(cfg)
	receiver, err := newReceiver(cfg, client, store, hub, metrics)
	if err != nil {
		logger.Error("failed to configure webhook receiver", "error", err)
		return 1
	}

	requester := mobrule.NewRequester(client, mobrule.RequesterConfig{
		Email:         cfg.Mobrule.Email,
		InterviewUUID: cfg.Mobrule.InterviewUUID,
	})

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		FrameAncestors: cfg.API.FrameAncestors,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
	}, api.Deps{
		Requester: requester,
		Webhooks:  receiver,
		Store:     store,
		Events:    hub,
		Metrics:   metrics,
	}, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	go pruneLoop(ctx, store, cfg.Completion.TTL)

	logger.Info("mobrule-embed running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("mobrule-embed stopped")
	return 0
}

// warnUnsignedWebhooks flags a server that will trust every delivery.
func warnUnsignedWebhooks(logger *slog.Logger, cfg *config.Config) {
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook secret not configured; signature verification disabled")
	}
}

const envelopeHeadroom = 64 << 10

func newMobruleClient(cfg *config.Config) *mobrule.Client {
	// The client reads the envelope around response_data, so it gets
	// headroom over the payload cap and never drops below its own default.
	var maxBytes int64 = mobrule.DefaultMaxResponseBytes
	if n, err := config.ParseByteSize(cfg.Completion.MaxPayloadSize); err == nil && n+envelopeHeadroom > maxBytes {
		maxBytes = n + envelopeHeadroom
	}
	return mobrule.New(mobrule.Options{
		BaseURL:          cfg.Mobrule.BaseURL,
		APIKey:           cfg.Mobrule.APIKey,
		Timeout:          cfg.Mobrule.Timeout,
		MaxResponseBytes: maxBytes,
	})
}

func newReceiver(cfg *config.Config, client *mobrule.Client, store completion.Store, hub *events.Hub, metrics *observability.Metrics) (*webhook.Receiver, error) {
	maxBody, err := config.ParseByteSize(cfg.Webhook.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("webhook.max_body_size: %w", err)
	}
	opts := []webhook.Option{webhook.WithMetrics(metrics)}
	if hub != nil {
		opts = append(opts, webhook.WithPublisher(hub))
	}
	return webhook.NewReceiver(webhook.Config{
		Secret:          cfg.Webhook.Secret,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodySize:     maxBody,
	}, client, store, log.WithComponent("webhook"), opts...), nil
}

// pruneLoop drops completions older than ttl until ctx ends.
func pruneLoop(ctx context.Context, store completion.Store, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	logger := log.WithComponent("completion")
	every := max(ttl/4, time.Minute)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Prune(ctx, now.Add(-ttl))
			if err != nil {
				logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned expired completions", "count", n)
			}
		}
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			out, _ := doctor.FormatJSON(&doctor.Result{
				Valid:  false,
				Errors: []doctor.Issue{{Category: "load", Message: err.Error()}},
			})
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigFile(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	if *dryRun {
		fmt.Printf("Dry-run: would record %s  %s in %s\n", report.Hash, report.Filename, report.ChecksumPath)
		return 0
	}
	fmt.Printf("Locked %s (%s)\n", report.Filename, report.Hash)
	fmt.Printf("Wrote %s\n", report.ChecksumPath)
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: mobrule-embed config get <path> [--json]\n")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if m, ok := val.(map[string]any); ok {
		data, _ := yaml.Marshal(m)
		fmt.Print(string(data))
		return 0
	}
	fmt.Printf("%v\n", val)
	return 0
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Validate the change without writing it")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if kvPair == "" {
		fmt.Fprintf(os.Stderr, "Usage: mobrule-embed config set <path>=<value> [--dry-run]\n")
		return 1
	}
	key, value, _ := strings.Cut(kvPair, "=")

	path, err := resolveConfigFile(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Set failed: %v\n", err)
		return 1
	}

	report, err := config.SetPath(path, key, value, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Set failed: %v\n", err)
		return 1
	}

	if !report.Written {
		fmt.Printf("Dry-run: would set %q in %s\n", report.Key, report.Path)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}
	fmt.Printf("Successfully set %q in %s\n", report.Key, report.Path)
	if report.Relocked {
		fmt.Println("Refreshed .checksums")
	}
	return 0
}

// resolveConfigFile turns a config file or directory into the file to hash.
func resolveConfigFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no config file given (use --config or $%s)", config.EnvConfigPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config not found: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", path)
		}
	}
	return path, nil
}

func runWebhookStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	server := fs.String("server", "", "Query a running server instead of the store (default for the memory driver)")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var status webhook.StatusResponse
	if base := remoteServer(cfg, *server); base != "" {
		st, err := watcher.NewClient(base, 10*time.Second).FetchStatus(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return 1
		}
		status = webhook.StatusResponse{Completed: st.Completed, ResponseData: st.ResponseData}
	} else {
		store, err := completion.Open(ctx, cfg.Completion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open completion store: %v\n", err)
			return 1
		}
		defer store.Close()

		receiver, err := newReceiver(cfg, newMobruleClient(cfg), store, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return 1
		}
		status, _, err = receiver.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return 1
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if !status.Completed {
		fmt.Println("No completed interview yet.")
		return 0
	}
	fmt.Println("Interview completed. Response data:")
	pretty, err := json.MarshalIndent(status.ResponseData, "", "  ")
	if err != nil {
		fmt.Println(string(status.ResponseData))
		return 0
	}
	fmt.Println(string(pretty))
	return 0
}

// serverURL turns a listen address into a base URL a local client can dial.
func serverURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// remoteServer picks the running server dead letter tools should ask, or ""
// to use the configured store directly. The memory store only exists inside
// the server process.
func remoteServer(cfg *config.Config, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg.Completion.Driver == config.DriverMemory {
		return serverURL(cfg.API.Listen)
	}
	return ""
}

// operatorClient signs its calls the way the server verifies deliveries.
func operatorClient(cfg *config.Config, base string) *watcher.Client {
	return watcher.NewClient(base, 5*time.Minute).Sign(cfg.Webhook.SignatureHeader, cfg.Webhook.Secret)
}

func runWebhookDeadLetters(args []string) int {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	server := fs.String("server", "", "Ask a running server instead of the store (default for the memory driver)")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var letters []completion.DeadLetter
	if base := remoteServer(cfg, *server); base != "" {
		letters, err = operatorClient(cfg, base).DeadLetters(ctx)
	} else {
		var store completion.Store
		store, err = completion.Open(ctx, cfg.Completion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open completion store: %v\n", err)
			return 1
		}
		defer store.Close()
		letters, err = store.DeadLetters(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list dead letters: %v\n", err)
		return 1
	}

	if *jsonOut {
		if letters == nil {
			letters = []completion.DeadLetter{}
		}
		data, _ := json.MarshalIndent(letters, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters.")
		return 0
	}
	for _, dl := range letters {
		fmt.Printf("%s  attempts=%d  updated=%s  %s\n",
			dl.ResponseUUID, dl.Attempts, dl.UpdatedAt.Format(time.RFC3339), dl.LastError)
	}
	return 0
}

func runWebhookReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	server := fs.String("server", "", "Have a running server replay instead of the store (default for the memory driver)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var result webhook.ReplayResponse
	if base := remoteServer(cfg, *server); base != "" {
		result, err = operatorClient(cfg, base).Replay(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
			return 1
		}
	} else {
		result, err = replayLocal(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
			return 1
		}
	}

	fmt.Printf("Recovered %d, still failing %d\n", len(result.Recovered), len(result.Failed))
	for id, msg := range result.Failed {
		fmt.Printf("  %s: %s\n", id, msg)
	}
	if len(result.Failed) > 0 {
		return 1
	}
	return 0
}

// replayLocal retries dead letters straight from a sqlite or postgres store.
func replayLocal(ctx context.Context, cfg *config.Config) (webhook.ReplayResponse, error) {
	client := newMobruleClient(cfg)
	if !client.HasAPIKey() {
		return webhook.ReplayResponse{}, fmt.Errorf("replay needs %s", config.EnvAPIKey)
	}

	store, err := completion.Open(ctx, cfg.Completion)
	if err != nil {
		return webhook.ReplayResponse{}, fmt.Errorf("open completion store: %w", err)
	}
	defer store.Close()

	receiver, err := newReceiver(cfg, client, store, nil, nil)
	if err != nil {
		return webhook.ReplayResponse{}, err
	}
	result, err := receiver.Replay(ctx)
	if err != nil {
		return webhook.ReplayResponse{}, err
	}
	return result.Response(), nil
}

func runWebhookWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := fs.String("server", "", "Base URL of a running mobrule-embed server")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	base := *server
	if base == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		base = serverURL(cfg.API.Listen)
	}

	if err := tui.Run(base); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

func runInterview(args []string) int {
	fs := flag.NewFlagSet("interview", flag.ContinueOnError)
	server := fs.String("server", "", "Base URL of a running mobrule-embed server")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	interval := fs.Duration("poll-interval", 0, "Completion status poll interval")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	base := *server
	if base == "" {
		base = serverURL(cfg.API.Listen)
	}
	pollEvery := *interval
	if pollEvery <= 0 {
		pollEvery = cfg.PollInterval()
	}

	// Logs would tear the TUI; keep them out of the terminal.
	if err := interview.Run(interview.Options{
		ServerURL:    base,
		PollInterval: pollEvery,
		Logger:       log.Discard(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Interview client failed: %v\n", err)
		return 1
	}
	return 0
}
