package config

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
}

type QueueConfig struct {
	MaxEventsPerDrain   int   `yaml:"max_events_per_drain"`
	LockTTLSeconds      int   `yaml:"lock_ttl_seconds"`
	MaxConcurrentDrains int   `yaml:"max_concurrent_drains"`
	MaxBodyBytes        int64 `yaml:"max_body_bytes"`
	// DrainTimeoutSeconds bounds graceful shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

type HistoryConfig struct {
	TTLSeconds       int `yaml:"ttl_seconds"`
	MaxContextTokens int `yaml:"max_context_tokens"`
}

type LoopConfig struct {
	MaxSteps      int    `yaml:"max_steps"`
	FallbackReply string `yaml:"fallback_reply"`
}

// OracleConfig selects the model behind the decision oracle.
type OracleConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

type BillingConfig struct {
	BaseURL        string `yaml:"base_url"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DocumentsConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DeliveryConfig struct {
	GatewayURL     string `yaml:"gateway_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// RateLimitConfig bounds inbound submissions per identity.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	History   HistoryConfig   `yaml:"history"`
	Loop      LoopConfig      `yaml:"loop"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Billing   BillingConfig   `yaml:"billing"`
	Documents DocumentsConfig `yaml:"documents"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Sweep     SweepConfig     `yaml:"sweep"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      OTelConfig      `yaml:"otel"`

	// SystemPrompt is the loaded contents of Oracle.SystemPromptFile.
	SystemPrompt string `yaml:"-"`
}

const (
	DefaultFallbackReply = "Sorry, I could not understand your request."
	defaultBindAddr      = "127.0.0.1:18790"
)

// LockTTL is the queue lock lifetime.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Queue.LockTTLSeconds) * time.Second
}

// HistoryTTL is the sliding retention of conversations.
func (c Config) HistoryTTL() time.Duration {
	return time.Duration(c.History.TTLSeconds) * time.Second
}

// SystemPromptPath resolves the prompt file relative to the home directory.
func (c Config) SystemPromptPath() string {
	p := c.Oracle.SystemPromptFile
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// OracleAPIKey returns the key for the configured provider. Provider env vars
// take precedence over the config file.
func (c Config) OracleAPIKey() string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[c.Oracle.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.Oracle.APIKey
}

// Fingerprint returns a stable hash of the settings that affect processing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|store=%s|drain=%d|ttl=%d|steps=%d|oracle=%s/%s",
		c.BindAddr, c.Store.Driver, c.Queue.MaxEventsPerDrain, c.Queue.LockTTLSeconds,
		c.Loop.MaxSteps, c.Oracle.Provider, c.Oracle.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: defaultBindAddr,
		LogLevel: "info",
		Store:    StoreConfig{Driver: "sqlite"},
		Queue: QueueConfig{
			MaxEventsPerDrain:   20,
			LockTTLSeconds:      300,
			MaxConcurrentDrains: 64,
			MaxBodyBytes:        20 << 20,
			DrainTimeoutSeconds: 10,
		},
		History: HistoryConfig{TTLSeconds: 600, MaxContextTokens: 6000},
		Loop:    LoopConfig{MaxSteps: 8, FallbackReply: DefaultFallbackReply},
		Oracle:  OracleConfig{Provider: "google", TimeoutSeconds: 60},
		Billing: BillingConfig{TimeoutSeconds: 30},
		Documents: DocumentsConfig{
			TimeoutSeconds: 60,
		},
		Delivery:  DeliveryConfig{TimeoutSeconds: 30},
		Sweep:     SweepConfig{Enabled: true, Schedule: "@every 1m"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10},
		OTel:      OTelConfig{Exporter: "none", ServiceName: "concierge", SampleRate: 1.0},
	}
}

func HomeDir() string {
	if override := os.Getenv("CONCIERGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".concierge")
}

// Load reads config.yaml from the home directory, applies environment
// overrides and fills defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create concierge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	if err := loadSystemPrompt(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
		if cfg.Store.PostgresURL != "" {
			cfg.Store.Driver = "postgres"
		}
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.HomeDir, "concierge.db")
	}
	if cfg.Queue.MaxEventsPerDrain <= 0 {
		cfg.Queue.MaxEventsPerDrain = def.Queue.MaxEventsPerDrain
	}
	if cfg.Queue.LockTTLSeconds <= 0 {
		cfg.Queue.LockTTLSeconds = def.Queue.LockTTLSeconds
	}
	if cfg.Queue.MaxConcurrentDrains <= 0 {
		cfg.Queue.MaxConcurrentDrains = def.Queue.MaxConcurrentDrains
	}
	if cfg.Queue.MaxBodyBytes <= 0 {
		cfg.Queue.MaxBodyBytes = def.Queue.MaxBodyBytes
	}
	if cfg.Queue.DrainTimeoutSeconds <= 0 {
		cfg.Queue.DrainTimeoutSeconds = def.Queue.DrainTimeoutSeconds
	}
	if cfg.History.TTLSeconds <= 0 {
		cfg.History.TTLSeconds = def.History.TTLSeconds
	}
	if cfg.Loop.MaxSteps <= 0 {
		cfg.Loop.MaxSteps = def.Loop.MaxSteps
	}
	if strings.TrimSpace(cfg.Loop.FallbackReply) == "" {
		cfg.Loop.FallbackReply = def.Loop.FallbackReply
	}
	cfg.Oracle.Provider = strings.ToLower(strings.TrimSpace(cfg.Oracle.Provider))
	switch cfg.Oracle.Provider {
	case "", "gemini":
		cfg.Oracle.Provider = "google"
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = def.Oracle.TimeoutSeconds
	}
	if cfg.Billing.TimeoutSeconds <= 0 {
		cfg.Billing.TimeoutSeconds = def.Billing.TimeoutSeconds
	}
	if cfg.Documents.TimeoutSeconds <= 0 {
		cfg.Documents.TimeoutSeconds = def.Documents.TimeoutSeconds
	}
	if cfg.Delivery.TimeoutSeconds <= 0 {
		cfg.Delivery.TimeoutSeconds = def.Delivery.TimeoutSeconds
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = def.Sweep.Schedule
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.PostgresURL == "" {
			return fmt.Errorf("store.driver=postgres requires store.postgres_url or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Oracle.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		return fmt.Errorf("unknown oracle.provider %q", cfg.Oracle.Provider)
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.enabled requires telegram.token or TELEGRAM_TOKEN")
	}
	return nil
}

func loadSystemPrompt(cfg *Config) error {
	path := cfg.SystemPromptPath()
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}
	cfg.SystemPrompt = string(b)
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("CONCIERGE_BIND_ADDR", &cfg.BindAddr)
	envString("CONCIERGE_LOG_LEVEL", &cfg.LogLevel)
	envString("CONCIERGE_AUTH_TOKEN", &cfg.AuthToken)
	envInt("CONCIERGE_MAX_EVENTS_PER_DRAIN", &cfg.Queue.MaxEventsPerDrain)
	envInt("CONCIERGE_LOCK_TTL_SECONDS", &cfg.Queue.LockTTLSeconds)
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.Store.PostgresURL = raw
		cfg.Store.Driver = "postgres"
	}
	envString("BILLING_API_URL", &cfg.Billing.BaseURL)
	envString("BILLING_USER", &cfg.Billing.User)
	envString("BILLING_PASSWORD", &cfg.Billing.Password)
	envString("DOCUMENTS_API_URL", &cfg.Documents.URL)
	envString("GATEWAY_API_URL", &cfg.Delivery.GatewayURL)
	envString("ORACLE_PROVIDER", &cfg.Oracle.Provider)
	envString("ORACLE_MODEL", &cfg.Oracle.Model)
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

// LoadDotEnv reads KEY=VALUE lines from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, exists := os.LookupEnv(key); exists || key == "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return sc.Err()
}
