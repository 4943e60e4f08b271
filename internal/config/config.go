// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Notification scopes for revocation events.
const (
	// NotifyScopeStatus sends the event template to every reachable subscriber at the target status.
	NotifyScopeStatus = "status"
	// NotifyScopeSubscriber sends the event template only to the affected subscriber.
	NotifyScopeSubscriber = "subscriber"
)

// Config holds the application configuration.
type Config struct {
	App        AppConfig
	Logger     LoggerConfig
	Server     ServerConfig
	Telegram   TelegramConfig
	Store      StoreConfig
	Auth       AuthConfig
	Lifecycle  LifecycleConfig
	Invite     InviteConfig
	Reconcile  ReconcileConfig
	Notify     NotifyConfig
	Admin      AdminConfig
	Onboarding OnboardingConfig
	Jobs       JobsConfig
	Templates  TemplatesConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             string        // default: 8080
	ReadTimeout      time.Duration // default: 15s
	WriteTimeout     time.Duration // default: 0, the admin event stream is long-lived
	IdleTimeout      time.Duration // default: 60s
	CORSOrigins      []string
	WebhookRateLimit int // requests per minute per IP
}

// TelegramConfig holds bot and channel configuration.
type TelegramConfig struct {
	Token       string
	ChannelID   int64
	AdminID     int64
	APIEndpoint string        // override for self-hosted Bot API servers
	PollTimeout int           // long-poll timeout in seconds
	CallTimeout time.Duration // upper bound for a single platform call
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Backend string // sqlite or badger
	DataDir string
}

// Path returns the backend-specific storage location under DataDir.
func (s StoreConfig) Path() string {
	if s.Backend == BackendBadger {
		return filepath.Join(s.DataDir, "badger")
	}
	return filepath.Join(s.DataDir, "gatekeeper.db")
}

// AuthConfig holds admin API authentication configuration.
type AuthConfig struct {
	// PASETO v4 symmetric key for admin tokens (32 bytes), set in main.
	AccessTokenKey    []byte
	TokenDuration     time.Duration
	AdminPasswordHash string // argon2id; empty disables password login
}

// LifecycleConfig holds subscription state machine settings.
type LifecycleConfig struct {
	SubscriptionLength time.Duration // default: 720h
	NotifyScope        string
}

// InviteConfig holds invite link settings.
type InviteConfig struct {
	TTL           time.Duration // default: 1h
	RevokeTimeout time.Duration // default: 5s
}

// ReconcileConfig holds membership reconciler settings.
type ReconcileConfig struct {
	Interval time.Duration // default: 10s
}

// NotifyConfig holds notification dispatcher settings.
type NotifyConfig struct {
	BatchSize        int
	BatchPause       time.Duration
	RatePerSecond    float64 // global send rate
	PerChatPerSecond float64
}

// AdminConfig holds admin command surface settings.
type AdminConfig struct {
	ListPageSize    int
	ListPagePause   time.Duration
	ClearBatchSize  int
	ClearBatchPause time.Duration
	StatsTTL        time.Duration
	ListTTL         time.Duration
}

// OnboardingConfig holds subscriber onboarding dialogue settings.
type OnboardingConfig struct {
	SessionTTL  time.Duration
	MaxSessions int
}

// JobsConfig holds periodic job settings. A zero interval disables the job.
type JobsConfig struct {
	ExpirySweepInterval time.Duration
	HeartbeatInterval   time.Duration
}

// TemplatesConfig holds message template settings.
type TemplatesConfig struct {
	Path  string // optional YAML override file
	Watch bool
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

// Load is LoadConfig over an explicit flag set and argument list.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := fs.String("data-dir", "", "Directory for the subscriber database and keys")
	backend := fs.String("store", "", "Store backend (sqlite, badger)")
	serverPort := fs.String("port", "", "Server port (default: 8080)")
	telegramToken := fs.String("telegram-token", "", "Bot API token")
	channelID := fs.String("channel-id", "", "Restricted channel id")
	adminID := fs.String("admin-id", "", "Admin account id")
	notifyScope := fs.String("notify-scope", "", "Revocation notification scope (status, subscriber)")
	templatesPath := fs.String("templates", "", "Path to a YAML message template file")
	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:             getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			CORSOrigins:      splitList(getConfigValue("", "CORS_ORIGINS", "")),
			WebhookRateLimit: getIntConfigValue("", "WEBHOOK_RATE_LIMIT", 120),
		},
		Telegram: TelegramConfig{
			Token:       getConfigValue(*telegramToken, "TELEGRAM_TOKEN", ""),
			APIEndpoint: getConfigValue("", "TELEGRAM_API_ENDPOINT", ""),
			PollTimeout: getIntConfigValue("", "TELEGRAM_POLL_TIMEOUT", 30),
		},
		Store: StoreConfig{
			Backend: getConfigValue(*backend, "STORE_BACKEND", BackendSQLite),
			DataDir: getConfigValue(*dataDir, "DATA_DIR", ""),
		},
		Auth: AuthConfig{
			AdminPasswordHash: getConfigValue("", "ADMIN_PASSWORD_HASH", ""),
		},
		Lifecycle: LifecycleConfig{
			NotifyScope: getConfigValue(*notifyScope, "NOTIFY_SCOPE", NotifyScopeStatus),
		},
		Notify: NotifyConfig{
			BatchSize:        getIntConfigValue("", "NOTIFY_BATCH_SIZE", 50),
			RatePerSecond:    getFloatConfigValue("", "NOTIFY_RATE_PER_SECOND", 25),
			PerChatPerSecond: getFloatConfigValue("", "NOTIFY_PER_CHAT_PER_SECOND", 1),
		},
		Admin: AdminConfig{
			ListPageSize:   getIntConfigValue("", "ADMIN_LIST_PAGE_SIZE", 10),
			ClearBatchSize: getIntConfigValue("", "ADMIN_CLEAR_BATCH_SIZE", 10),
		},
		Onboarding: OnboardingConfig{
			MaxSessions: getIntConfigValue("", "ONBOARDING_MAX_SESSIONS", 10000),
		},
		Templates: TemplatesConfig{
			Path:  getConfigValue(*templatesPath, "TEMPLATES_PATH", ""),
			Watch: getBoolConfigValue("", "TEMPLATES_WATCH", true),
		},
	}

	var err error
	if cfg.Telegram.ChannelID, err = getInt64ConfigValue(*channelID, "TELEGRAM_CHANNEL_ID"); err != nil {
		return nil, err
	}
	if cfg.Telegram.AdminID, err = getInt64ConfigValue(*adminID, "TELEGRAM_ADMIN_ID"); err != nil {
		return nil, err
	}

	durations := []struct {
		dst    *time.Duration
		envKey string
		def    string
	}{
		{&cfg.Server.ReadTimeout, "SERVER_READ_TIMEOUT", "15s"},
		{&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT", "0s"},
		{&cfg.Server.IdleTimeout, "SERVER_IDLE_TIMEOUT", "60s"},
		{&cfg.Telegram.CallTimeout, "TELEGRAM_CALL_TIMEOUT", "10s"},
		{&cfg.Auth.TokenDuration, "ADMIN_TOKEN_DURATION", "24h"},
		{&cfg.Lifecycle.SubscriptionLength, "SUBSCRIPTION_LENGTH", "720h"},
		{&cfg.Invite.TTL, "INVITE_TTL", "1h"},
		{&cfg.Invite.RevokeTimeout, "INVITE_REVOKE_TIMEOUT", "5s"},
		{&cfg.Reconcile.Interval, "RECONCILE_INTERVAL", "10s"},
		{&cfg.Notify.BatchPause, "NOTIFY_BATCH_PAUSE", "2s"},
		{&cfg.Admin.ListPagePause, "ADMIN_LIST_PAGE_PAUSE", "1s"},
		{&cfg.Admin.ClearBatchPause, "ADMIN_CLEAR_BATCH_PAUSE", "2s"},
		{&cfg.Admin.StatsTTL, "ADMIN_STATS_TTL", "10m"},
		{&cfg.Admin.ListTTL, "ADMIN_LIST_TTL", "2m"},
		{&cfg.Onboarding.SessionTTL, "ONBOARDING_TTL", "30m"},
		{&cfg.Jobs.ExpirySweepInterval, "EXPIRY_SWEEP_INTERVAL", "0s"},
		{&cfg.Jobs.HeartbeatInterval, "HEARTBEAT_INTERVAL", "1h"},
	}
	for _, d := range durations {
		value, err := getDurationConfigValue("", d.envKey, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = value
	}

	if err := cfg.expandDataDir(); err != nil {
		return nil, fmt.Errorf("invalid data dir: %w", err)
	}

	if cfg.Templates.Path != "" {
		expanded, err := expandPath(cfg.Templates.Path, "")
		if err != nil {
			return nil, fmt.Errorf("invalid templates path: %w", err)
		}
		cfg.Templates.Path = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %q (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Telegram.Token == "" {
		return errors.New("TELEGRAM_TOKEN is required")
	}
	if c.Telegram.ChannelID == 0 {
		return errors.New("TELEGRAM_CHANNEL_ID is required")
	}
	if c.Telegram.AdminID == 0 {
		return errors.New("TELEGRAM_ADMIN_ID is required")
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("invalid store backend: %s (must be sqlite or badger)", c.Store.Backend)
	}
	if c.Store.DataDir == "" {
		return errors.New("data dir cannot be empty after expansion")
	}

	switch c.Lifecycle.NotifyScope {
	case NotifyScopeStatus, NotifyScopeSubscriber:
	default:
		return fmt.Errorf("invalid notify scope: %s (must be status or subscriber)", c.Lifecycle.NotifyScope)
	}

	if c.Lifecycle.SubscriptionLength <= 0 {
		return errors.New("SUBSCRIPTION_LENGTH must be positive")
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	if c.Notify.BatchSize <= 0 || c.Admin.ClearBatchSize <= 0 || c.Admin.ListPageSize <= 0 {
		return errors.New("batch and page sizes must be positive")
	}
	if c.Notify.RatePerSecond <= 0 || c.Notify.PerChatPerSecond <= 0 {
		return errors.New("notification rates must be positive")
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDataDir defaults the data dir to ~/Gatekeeper/data.
func (c *Config) expandDataDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	defaultPath := filepath.Join(homeDir, "Gatekeeper", "data")

	expanded, err := expandPath(c.Store.DataDir, defaultPath)
	if err != nil {
		return err
	}
	c.Store.DataDir = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return result
}

// getFloatConfigValue returns a float64 from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}
	return result
}

// getInt64ConfigValue parses an account or chat id. Chat ids are negative for channels.
func getInt64ConfigValue(flagValue, envKey string) (int64, error) {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return 0, nil
	}
	result, err := strconv.ParseInt(strValue, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, strValue, err)
	}
	return result, nil
}

// getDurationConfigValue parses a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	strValue := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, strValue, err)
	}
	return d, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Env vars take precedence over .env file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
