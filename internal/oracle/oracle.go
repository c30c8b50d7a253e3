// Package oracle decides the next action for a conversation and renders the
// final user-facing reply, backed by Genkit model providers.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the model provider.
type Config struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or "openrouter".
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the endpoint for openai_compatible.
	BaseURL          string
	SystemPrompt     string
	MaxContextTokens int
	Timeout          time.Duration
}

// GenerateFunc produces model text for a system prompt and message list.
type GenerateFunc func(ctx context.Context, system string, msgs []*ai.Message) (string, error)

type GenkitOracle struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	generate  GenerateFunc
	parser    *PlanParser

	promptMu     sync.RWMutex
	systemPrompt string

	maxTokens int
	timeout   time.Duration
	tracer    trace.Tracer
	metrics   *otel.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*GenkitOracle)

// WithGenerator replaces the Genkit call, e.g. with a scripted model.
func WithGenerator(fn GenerateFunc) Option {
	return func(o *GenkitOracle) { o.generate = fn }
}

func WithTelemetry(p *otel.Provider, m *otel.Metrics) Option {
	return func(o *GenkitOracle) {
		if p != nil {
			o.tracer = p.Tracer
		}
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *GenkitOracle) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *GenkitOracle) { o.now = now }
}

// New initializes Genkit for cfg.Provider. Without an API key the oracle runs
// the deterministic offline planner.
func New(ctx context.Context, cfg Config, opts ...Option) (*GenkitOracle, error) {
	parser, err := NewPlanParser()
	if err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	o := &GenkitOracle{
		provider:     provider,
		parser:       parser,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxContextTokens,
		timeout:      cfg.Timeout,
		tracer:       otel.Noop().Tracer,
		metrics:      otel.NoopMetrics(),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeout <= 0 {
		o.timeout = 60 * time.Second
	}
	if o.generate != nil {
		return o, nil
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		o.logger.Warn("oracle api key missing; using offline planner", "provider", provider)
		return o, nil
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel(provider)
	}

	switch provider {
	case "anthropic":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
		o.modelName = "anthropic/" + model
	case "openai":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
		o.modelName = "openai/" + model
	case "openai_compatible":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compat",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		o.modelName = "compat/" + model
	case "openrouter":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
		o.modelName = "openrouter/" + model
	case "google":
		// The plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		o.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		o.modelName = "googleai/" + model
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", provider)
	}
	o.generate = o.genkitGenerate
	o.logger.Info("oracle initialized", "provider", provider, "model", o.modelName)
	return o, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openai/gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// LLMEnabled reports whether decisions come from a model.
func (o *GenkitOracle) LLMEnabled() bool { return o.generate != nil }

// UpdateSystemPrompt swaps the operator prompt used for decisions.
func (o *GenkitOracle) UpdateSystemPrompt(prompt string) {
	o.promptMu.Lock()
	defer o.promptMu.Unlock()
	o.systemPrompt = prompt
}

func (o *GenkitOracle) operatorPrompt() string {
	o.promptMu.RLock()
	defer o.promptMu.RUnlock()
	return o.systemPrompt
}

// Decide returns the next step for conv. A nil step with a nil error means the
// model answered with something that is not a step.
func (o *GenkitOracle) Decide(ctx context.Context, conv history.Conversation) (step *PlanStep, err error) {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "oracle.decide", otel.AttrProvider.String(o.provider))
	start := time.Now()
	defer func() {
		otel.Since(ctx, o.metrics.OracleDuration, start, otel.AttrProvider.String(o.provider))
		otel.EndSpan(span, err)
	}()

	if o.generate == nil {
		return offlineDecide(conv), nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	text, err := o.generate(ctx, o.decisionPrompt(), toMessages(conv.Project(o.maxTokens)))
	if err != nil {
		return nil, fmt.Errorf("oracle decide: %w", err)
	}
	step, perr := o.parser.Parse(text)
	if perr != nil {
		o.logger.Warn("oracle returned no usable step", append(shared.LogAttrs(ctx), "error", perr, "output", truncate(text, 200))...)
		return nil, nil
	}
	return step, nil
}

// Render writes the final reply for conv.
func (o *GenkitOracle) Render(ctx context.Context, conv history.Conversation) (reply string, err error) {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "oracle.render", otel.AttrProvider.String(o.provider))
	defer func() { otel.EndSpan(span, err) }()

	if o.generate == nil {
		return offlineRender(conv), nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	text, err := o.generate(ctx, o.renderPrompt(), toMessages(conv.Project(o.maxTokens)))
	if err != nil {
		return "", fmt.Errorf("oracle render: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (o *GenkitOracle) genkitGenerate(ctx context.Context, system string, msgs []*ai.Message) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(o.modelName),
		// WithSystem formats its argument.
		ai.WithSystem(strings.ReplaceAll(system, "%", "%%")),
	}
	if len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func toMessages(msgs []history.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		role := ai.RoleUser
		switch m.Role {
		case history.RoleAssistant:
			role = ai.RoleModel
		case history.RoleSystem:
			role = ai.RoleSystem
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
