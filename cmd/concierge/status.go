package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/shared"
)

// statusEnvKeys are the environment overrides reported by status -env.
var statusEnvKeys = []string{
	"CONCIERGE_HOME",
	"CONCIERGE_BIND_ADDR",
	"CONCIERGE_LOG_LEVEL",
	"CONCIERGE_AUTH_TOKEN",
	"DATABASE_URL",
	"BILLING_API_URL",
	"BILLING_USER",
	"BILLING_PASSWORD",
	"DOCUMENTS_API_URL",
	"GATEWAY_API_URL",
	"TELEGRAM_TOKEN",
	"GEMINI_API_KEY",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"OPENROUTER_API_KEY",
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	showEnv := fs.Bool("env", false, "also print environment overrides (secrets redacted)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: concierge status [-env]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *showEnv {
		printEnv(os.Stdout)
	}

	client := newAdminClient(cfg)
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, client.baseURL+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := client.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}

	if cfg.AuthToken == "" {
		return 0
	}
	var status map[string]any
	if err := client.getJSON(reqCtx, "/api/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "engine status: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
	return 0
}

func printEnv(w io.Writer) {
	for _, key := range statusEnvKeys {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if u, err := url.Parse(val); err == nil && u.User != nil {
			val = u.Redacted()
		}
		fmt.Fprintf(w, "%s=%s\n", key, shared.RedactEnvValue(key, val))
	}
}
