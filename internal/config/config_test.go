package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-concierge/internal/config"
)

func writeHome(t *testing.T, yaml string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "concierge")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("CONCIERGE_HOME", home)
	for _, k := range []string{"DATABASE_URL", "CONCIERGE_MAX_EVENTS_PER_DRAIN", "CONCIERGE_LOCK_TTL_SECONDS", "BILLING_API_URL", "TELEGRAM_TOKEN", "GEMINI_API_KEY"} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := writeHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Queue.MaxEventsPerDrain != 20 || cfg.Queue.LockTTLSeconds != 300 {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.History.TTLSeconds != 600 || cfg.Loop.MaxSteps != 8 {
		t.Fatalf("history/loop defaults = %+v %+v", cfg.History, cfg.Loop)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != filepath.Join(home, "concierge.db") {
		t.Fatalf("store defaults = %+v", cfg.Store)
	}
	if cfg.Oracle.Provider != "google" || cfg.Loop.FallbackReply != config.DefaultFallbackReply {
		t.Fatalf("oracle/loop = %+v %+v", cfg.Oracle, cfg.Loop)
	}
	if cfg.LockTTL().Seconds() != 300 || cfg.HistoryTTL().Minutes() != 10 {
		t.Fatalf("durations: lock=%v history=%v", cfg.LockTTL(), cfg.HistoryTTL())
	}
}

func TestLoad_FileThenEnvOverrides(t *testing.T) {
	writeHome(t, strings.Join([]string{
		"bind_addr: 0.0.0.0:9000",
		"queue:",
		"  max_events_per_drain: 5",
		"loop:",
		"  max_steps: 3",
		"oracle:",
		"  provider: Gemini",
		"billing:",
		"  base_url: http://billing.file",
	}, "\n"))
	t.Setenv("CONCIERGE_MAX_EVENTS_PER_DRAIN", "7")
	t.Setenv("BILLING_API_URL", "http://billing.env")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/concierge")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.Loop.MaxSteps != 3 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Queue.MaxEventsPerDrain != 7 {
		t.Fatalf("env override ignored: %d", cfg.Queue.MaxEventsPerDrain)
	}
	if cfg.Billing.BaseURL != "http://billing.env" {
		t.Fatalf("billing url = %q", cfg.Billing.BaseURL)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresURL == "" {
		t.Fatalf("DATABASE_URL should select postgres: %+v", cfg.Store)
	}
	if cfg.Oracle.Provider != "google" {
		t.Fatalf("provider alias not normalized: %q", cfg.Oracle.Provider)
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	writeHome(t, "store:\n  driver: redis\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for unknown store driver")
	}

	writeHome(t, "telegram:\n  enabled: true\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for telegram without token")
	}

	writeHome(t, "bind_addr: [\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ReadsSystemPromptRelativeToHome(t *testing.T) {
	home := writeHome(t, "oracle:\n  system_prompt_file: prompt.md\n")
	if err := os.WriteFile(filepath.Join(home, "prompt.md"), []byte("route billing"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SystemPrompt != "route billing" {
		t.Fatalf("system prompt = %q", cfg.SystemPrompt)
	}
}

func TestOracleAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{Oracle: config.OracleConfig{Provider: "anthropic", APIKey: "file-key"}}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.OracleAPIKey(); got != "file-key" {
		t.Fatalf("key = %q, want file-key", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.OracleAPIKey(); got != "env-key" {
		t.Fatalf("key = %q, want env-key", got)
	}
}

func TestLoadDotEnv_ExistingEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nCONCIERGE_TEST_A=from-file\nexport CONCIERGE_TEST_B=\"quoted\"\nCONCIERGE_TEST_C=file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONCIERGE_TEST_C", "env")
	t.Cleanup(func() {
		os.Unsetenv("CONCIERGE_TEST_A")
		os.Unsetenv("CONCIERGE_TEST_B")
	})

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if os.Getenv("CONCIERGE_TEST_A") != "from-file" || os.Getenv("CONCIERGE_TEST_B") != "quoted" {
		t.Fatalf("dotenv values not applied")
	}
	if os.Getenv("CONCIERGE_TEST_C") != "env" {
		t.Fatalf("existing env overwritten")
	}
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestFingerprint_ChangesWithProcessingSettings(t *testing.T) {
	a := config.Config{Queue: config.QueueConfig{MaxEventsPerDrain: 20}}
	b := a
	b.Queue.MaxEventsPerDrain = 21
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
}
