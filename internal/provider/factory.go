package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genaichat/internal/config"
	"genaichat/internal/domain"
)

var (
	ErrUnknownMode   = errors.New("unknown endpoint mode")
	ErrMissingAPIKey = errors.New("endpoint.apiKey is not set (export GEMINI_API_KEY or edit the config)")
)

// Constructor builds a provider from the endpoint section of the config.
type Constructor func(ec config.EndpointConfig, logger *slog.Logger) (domain.Provider, error)

// Factory maps endpoint modes to constructors.
type Factory struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates a factory with the api and browser modes registered.
func NewFactory(logger *slog.Logger) *Factory {
	f := &Factory{
		logger:       logger,
		constructors: make(map[string]Constructor),
	}
	f.Register(config.ModeAPI, newAPIProvider)
	f.Register(config.ModeBrowser, newBrowserProvider)
	return f
}

// Register adds or replaces the constructor for mode.
func (f *Factory) Register(mode string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[mode] = ctor
}

// New builds the provider for ec.Mode.
func (f *Factory) New(ec config.EndpointConfig) (domain.Provider, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[ec.Mode]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, ec.Mode)
	}

	p, err := ctor(ec, f.logger)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ec.Mode, err)
	}
	f.logger.Debug("provider created", "mode", ec.Mode, "provider", p.Name())
	return p, nil
}

// NewFromConfig builds the provider described by ec with the default modes.
func NewFromConfig(ec config.EndpointConfig, logger *slog.Logger) (domain.Provider, error) {
	return NewFactory(logger).New(ec)
}

func newAPIProvider(ec config.EndpointConfig, logger *slog.Logger) (domain.Provider, error) {
	if ec.APIKey == "" || config.Unresolved(ec.APIKey) {
		return nil, ErrMissingAPIKey
	}
	return NewGemini(GeminiConfig{
		APIKey:  ec.APIKey,
		APIBase: ec.APIBase,
		Model:   ec.Model,
		Timeout: time.Duration(ec.TimeoutSeconds) * time.Second,
		Logger:  logger,
	}), nil
}

func newBrowserProvider(ec config.EndpointConfig, logger *slog.Logger) (domain.Provider, error) {
	return NewGeminiWeb(GeminiWebConfig{
		ProfileDir: config.ExpandPath(ec.ProfileDir),
		Selectors:  ec.Selectors,
		Timeout:    time.Duration(ec.TimeoutSeconds) * time.Second,
		Logger:     logger,
	}), nil
}
