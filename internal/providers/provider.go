// Package providers wraps the LLM backends used for content generation.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// GenerateRequest is a single generation call.
type GenerateRequest struct {
	// System sets the system prompt (optional).
	System string

	// Prompt is the user-facing instruction.
	Prompt string

	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int

	// Temperature controls sampling (0 = provider default).
	Temperature float64
}

// GenerateResult is the response from a generation call.
type GenerateResult struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Client is the generation interface consumed by worker steps.
type Client interface {
	// Name returns the client identifier (e.g., "openai", "mock").
	Name() string

	// Generate sends one completion request.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// Config selects and configures the active generation client.
type Config struct {
	Name      string `mapstructure:"name"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// Registry holds the active client and supports hot-swapping on config
// reload without restarting in-flight servers.
type Registry struct {
	mu     sync.RWMutex
	client Client
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// SetLogger sets the logger used for reload messages.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Get returns the active client, or nil if none is configured.
func (r *Registry) Get() Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Set installs a client directly (tests).
func (r *Registry) Set(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = c
}

// Reload rebuilds the active client from config.
func (r *Registry) Reload(cfg Config) error {
	client, err := New(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	r.logger.Info("generation client configured", "provider", client.Name())
	return nil
}

// New builds a client from config.
func New(cfg Config) (Client, error) {
	switch cfg.Name {
	case "", OpenAIName:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an api_key", OpenAIName)
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			BaseURL:   cfg.BaseURL,
		}), nil
	case MockName:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Name)
	}
}
