package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sakha/internal/persona"
	"sakha/internal/providers"
	"sakha/internal/providers/gemini"
	"sakha/internal/providers/openai_compat"
	"sakha/internal/tutor"
)

type Family string

const (
	Google   Family = "google"
	Mistral  Family = "mistral"
	Groq     Family = "groq"
	Cerebras Family = "cerebras"
	Zhipu    Family = "zhipu"
)

func Families() []Family { return []Family{Google, Mistral, Groq, Cerebras, Zhipu} }

func ParseFamily(s string) (Family, bool) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families() {
		if f == known {
			return f, true
		}
	}
	return "", false
}

func (f Family) DisplayName() string {
	switch f {
	case Google:
		return "Google"
	case Mistral:
		return "Mistral"
	case Groq:
		return "Groq"
	case Cerebras:
		return "Cerebras"
	case Zhipu:
		return "Zhipu"
	default:
		return string(f)
	}
}

// Credential picks the family's key out of c.
func (f Family) Credential(c tutor.Credentials) string {
	switch f {
	case Google:
		return c.Google
	case Mistral:
		return c.Mistral
	case Groq:
		return c.Groq
	case Cerebras:
		return c.Cerebras
	case Zhipu:
		return c.Zhipu
	default:
		return ""
	}
}

// WithCredential returns c with the family's key replaced.
func (f Family) WithCredential(c tutor.Credentials, key string) tutor.Credentials {
	switch f {
	case Google:
		c.Google = key
	case Mistral:
		c.Mistral = key
	case Groq:
		c.Groq = key
	case Cerebras:
		c.Cerebras = key
	case Zhipu:
		c.Zhipu = key
	}
	return c
}

type rule struct {
	family Family
	match  func(model string) bool
}

// rules are evaluated in order. zai-glm-4.6 must be checked before the generic glm rule.
var rules = []rule{
	{Google, func(m string) bool { return strings.HasPrefix(m, "gemini") || strings.HasPrefix(m, "gemma") }},
	{Cerebras, func(m string) bool { return m == "zai-glm-4.6" }},
	{Zhipu, func(m string) bool { return strings.Contains(m, "glm") }},
	{Mistral, func(m string) bool { return strings.Contains(m, "mistral") || strings.Contains(m, "codestral") }},
	{Groq, func(m string) bool { return strings.Contains(m, "llama") || m == "openai/gpt-oss-20b" }},
	{Cerebras, func(m string) bool { return strings.Contains(m, "gpt-oss-120b") || strings.Contains(m, "qwen") }},
}

// Resolve maps a model identifier to its provider family.
func Resolve(model string) (Family, error) {
	for _, r := range rules {
		if r.match(model) {
			return r.family, nil
		}
	}
	return "", &providers.UnsupportedModelError{Model: model}
}

type Endpoints map[Family]string

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Google:   gemini.DefaultBaseURL,
		Mistral:  "https://api.mistral.ai/v1",
		Groq:     "https://api.groq.com/openai/v1",
		Cerebras: "https://api.cerebras.ai/v1",
		Zhipu:    "https://open.bigmodel.cn/api/paas/v4",
	}
}

type Config struct {
	Endpoints             Endpoints
	HTTPClient            *http.Client
	ChatTimeout           time.Duration
	StructuredTimeout     time.Duration
	MaxTokens             int
	StructuredTemperature float64
	Logger                zerolog.Logger
}

// Router dispatches generation requests. It holds no per-call state; credentials and the
// model come from the settings value passed to each call.
type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	defaults := DefaultEndpoints()
	endpoints := make(Endpoints, len(defaults))
	for f, u := range defaults {
		endpoints[f] = u
	}
	for f, u := range cfg.Endpoints {
		if strings.TrimSpace(u) != "" {
			endpoints[f] = u
		}
	}
	cfg.Endpoints = endpoints
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 30 * time.Second
	}
	if cfg.StructuredTimeout <= 0 {
		cfg.StructuredTimeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.StructuredTemperature <= 0 {
		cfg.StructuredTemperature = 0.2
	}
	return &Router{cfg: cfg}
}

var ErrNoMessages = errors.New("no messages provided")

// StructuredInstruction is used when a structured request brings no system prompt of its own.
const StructuredInstruction = "Respond with raw JSON only. Do not wrap it in markdown code blocks."

// Build returns the adapter for family, keyed with apiKey.
func (r *Router) Build(family Family, apiKey string) (providers.Adapter, error) {
	switch family {
	case Google:
		return gemini.New(gemini.Config{
			BaseURL:    r.cfg.Endpoints[Google],
			APIKey:     apiKey,
			HTTPClient: r.cfg.HTTPClient,
		}), nil
	case Mistral, Groq, Cerebras, Zhipu:
		return openai_compat.New(openai_compat.Config{
			Provider:   family.DisplayName(),
			BaseURL:    r.cfg.Endpoints[family],
			APIKey:     apiKey,
			HTTPClient: r.cfg.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider family %q", family)
	}
}

// StreamChat streams a conversational reply using the persona prompt of s.Mode.
func (r *Router) StreamChat(ctx context.Context, s tutor.Settings, history []providers.Message) (*providers.Stream, error) {
	return r.dispatch(ctx, s.Credentials, providers.StreamRequest{
		Model:        s.Model,
		SystemPrompt: persona.SystemPrompt(s.Mode),
		Messages:     history,
		MaxTokens:    r.cfg.MaxTokens,
		Timeout:      r.cfg.ChatTimeout,
	})
}

// StreamStructured streams a JSON document from the selected model.
func (r *Router) StreamStructured(ctx context.Context, s tutor.Settings, systemPrompt string, messages []providers.Message) (*providers.Stream, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = StructuredInstruction
	}
	return r.dispatch(ctx, s.Credentials, providers.StreamRequest{
		Model:        s.Model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.StructuredTemperature,
		JSONMode:     true,
		Timeout:      r.cfg.StructuredTimeout,
	})
}

type OneShotRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	JSON        bool
}

// Generate performs a non-streaming request. Only Google models support it.
func (r *Router) Generate(ctx context.Context, creds tutor.Credentials, req OneShotRequest) (string, error) {
	family, err := Resolve(req.Model)
	if err != nil {
		return "", err
	}
	if family != Google {
		return "", &providers.UnsupportedModelError{Model: req.Model}
	}
	key := strings.TrimSpace(Google.Credential(creds))
	if key == "" {
		return "", &providers.MissingKeyError{Provider: Google.DisplayName()}
	}
	r.cfg.Logger.Debug().Str("family", string(family)).Str("model", req.Model).Msg("one-shot generation")
	client := gemini.New(gemini.Config{BaseURL: r.cfg.Endpoints[Google], APIKey: key, HTTPClient: r.cfg.HTTPClient})
	return client.Generate(ctx, gemini.GenerateRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		JSONMode:    req.JSON,
		Timeout:     r.cfg.StructuredTimeout,
	})
}

func (r *Router) dispatch(ctx context.Context, creds tutor.Credentials, req providers.StreamRequest) (*providers.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	family, err := Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(family.Credential(creds))
	if key == "" {
		return nil, &providers.MissingKeyError{Provider: family.DisplayName()}
	}
	adapter, err := r.Build(family, key)
	if err != nil {
		return nil, err
	}
	r.cfg.Logger.Debug().
		Str("family", string(family)).
		Str("model", req.Model).
		Bool("json", req.JSONMode).
		Int("messages", len(req.Messages)).
		Msg("dispatch generation")
	return adapter.Stream(ctx, req)
}
