// Package doctor runs preflight checks against a concierge configuration:
// store reachability, oracle credentials, collaborator endpoints and DNS.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/persistence"
	"github.com/basket/go-concierge/internal/persistence/pgstore"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkOracleKey,
		checkStore,
		checkPermissions,
		checkCollaborators,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	res := CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
	if cfg.AuthToken == "" {
		res.Status = StatusWarn
		res.Message += " (auth_token empty: admin API disabled)"
	}
	return res
}

var providerEnv = map[string]string{
	"google":     "GEMINI_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

func checkOracleKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Oracle Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := providerName(cfg)
	if cfg.OracleAPIKey() != "" {
		return CheckResult{Name: "Oracle Key", Status: StatusPass, Message: fmt.Sprintf("API key configured for %s", provider)}
	}
	hint := "set oracle.api_key in config.yaml"
	if envVar, ok := providerEnv[provider]; ok {
		hint = fmt.Sprintf("set %s or oracle.api_key", envVar)
	}
	return CheckResult{
		Name:    "Oracle Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s; the offline planner will answer", provider),
		Detail:  hint,
	}
}

// queueLister is the read the store check performs.
type queueLister interface {
	ListQueues(ctx context.Context) ([]persistence.QueueStat, error)
	Close() error
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		store  queueLister
		err    error
		target string
	)
	switch cfg.Store.Driver {
	case "postgres":
		target = redactURL(cfg.Store.PostgresURL)
		store, err = openPostgres(openCtx, cfg.Store.PostgresURL)
	default:
		target = cfg.Store.SQLitePath
		store, err = openSQLite(cfg.Store.SQLitePath)
	}
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err), Detail: target}
	}
	defer store.Close()

	stats, err := store.ListQueues(openCtx)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: target}
	}
	depth := 0
	for _, st := range stats {
		depth += st.Depth
	}
	return CheckResult{
		Name:    "Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable, %d queued events across %d identities", cfg.Store.Driver, depth, len(stats)),
		Detail:  target,
	}
}

func openSQLite(path string) (queueLister, error) {
	s, err := persistence.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, dsn string) (queueLister, error) {
	s, err := pgstore.Open(ctx, dsn, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkCollaborators validates the URLs of the billing, documents and
// messaging gateway services. Nothing is contacted.
func checkCollaborators(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Collaborators", Status: StatusSkip, Message: "Config missing"}
	}
	endpoints := []struct{ name, raw string }{
		{"billing", cfg.Billing.BaseURL},
		{"documents", cfg.Documents.URL},
		{"delivery", cfg.Delivery.GatewayURL},
	}
	status := StatusPass
	var details []string
	for _, ep := range endpoints {
		if strings.TrimSpace(ep.raw) == "" {
			details = append(details, ep.name+": not configured")
			if status == StatusPass {
				status = StatusWarn
			}
			continue
		}
		u, err := url.Parse(ep.raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			details = append(details, ep.name+": invalid url")
			status = StatusFail
			continue
		}
		details = append(details, ep.name+": "+u.Host)
	}
	if cfg.Telegram.Enabled {
		details = append(details, fmt.Sprintf("telegram: enabled (%d allowed ids)", len(cfg.Telegram.AllowedIDs)))
	}
	return CheckResult{
		Name:    "Collaborators",
		Status:  status,
		Message: fmt.Sprintf("Checked %d endpoints", len(endpoints)),
		Detail:  strings.Join(details, ", "),
	}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	provider := providerName(cfg)
	host, ok := providerHosts[provider]
	if provider == "openai_compatible" {
		u, err := url.Parse(cfg.Oracle.BaseURL)
		if err != nil || u.Hostname() == "" {
			return CheckResult{Name: "Network", Status: StatusFail, Message: "oracle.base_url is required for openai_compatible"}
		}
		host, ok = u.Hostname(), true
	}
	if !ok {
		host = providerHosts["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func providerName(cfg *config.Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.Oracle.Provider))
	if p == "" || p == "gemini" {
		return "google"
	}
	return p
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
