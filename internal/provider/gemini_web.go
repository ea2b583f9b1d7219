package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"genaichat/internal/browser"
	"genaichat/internal/domain"
)

// GeminiWeb implements domain.Provider by driving gemini.google.com in a
// signed-in Chrome profile. Every call opens a fresh page, so only the last
// user turn is sent.
type GeminiWeb struct {
	bridge    *browser.Bridge
	selectors browser.SelectorSet
	logger    *slog.Logger
}

type GeminiWebConfig struct {
	ProfileDir string
	Selectors  map[string]string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewGeminiWeb(cfg GeminiWebConfig) *GeminiWeb {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GeminiWeb{
		bridge: browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.ProfileDir,
			Headless:   true,
			Timeout:    cfg.Timeout,
			Logger:     cfg.Logger,
		}),
		selectors: browser.GeminiSelectors().WithOverrides(cfg.Selectors),
		logger:    cfg.Logger,
	}
}

func (p *GeminiWeb) Name() string { return "gemini-web" }

func (p *GeminiWeb) Healthy(ctx context.Context) error {
	if p.bridge == nil {
		return fmt.Errorf("browser bridge not initialized")
	}
	return nil
}

func (p *GeminiWeb) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	prompt := lastUserText(req.Contents)
	if prompt == "" {
		return &domain.GenerateResponse{}, nil
	}

	p.logger.Info("gemini_web: sending message", "len", len(prompt))
	start := time.Now()

	response, err := p.bridge.SendAndReceive(ctx, p.selectors, prompt)
	if err != nil {
		return nil, fmt.Errorf("gemini_web: %w", err)
	}

	p.logger.Info("gemini_web: received response", "len", len(response))
	return &domain.GenerateResponse{
		Text:         response,
		FinishReason: "STOP",
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Login opens a visible browser so the user can sign in to Gemini.
func (p *GeminiWeb) Login(ctx context.Context) error {
	return p.bridge.Login(ctx, p.selectors.URL)
}

func lastUserText(turns []domain.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser && len(turns[i].Parts) > 0 {
			return turns[i].Parts[0].Text
		}
	}
	return ""
}
