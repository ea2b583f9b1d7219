package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genaichat/internal/domain"
)

const (
	defaultGeminiBase  = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-2.0-flash-lite"
	maxErrorBody       = 4 << 10
)

// Gemini implements domain.Provider for the Gemini generateContent REST API.
// The key never leaves the server: surfaces talk to this process, this
// process talks to Google.
type Gemini struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGeminiBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", g.apiBase+"/models/"+url.PathEscape(g.model), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini not reachable: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return fmt.Errorf("gemini: API key rejected (%d)", resp.StatusCode)
	default:
		return fmt.Errorf("gemini returned %d", resp.StatusCode)
	}
}

type gemRequest struct {
	Contents []domain.Turn `json:"contents"`
}

type gemResponse struct {
	Candidates []gemCandidate `json:"candidates"`
	Error      *gemError      `json:"error,omitempty"`
}

type gemCandidate struct {
	Content      gemContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type gemContent struct {
	Role  string        `json:"role"`
	Parts []domain.Part `json:"parts"`
}

type gemError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate sends the conversation to models/{model}:generateContent.
// Any decodable JSON body is an answer: an error payload or a response
// without candidates yields empty Text. Transport failures and bodies that
// are not JSON are returned as errors.
func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	jsonBody, err := json.Marshal(gemRequest{Contents: req.Contents})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	endpoint := g.apiBase + "/models/" + url.PathEscape(model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	var gemResp gemResponse
	if err := json.NewDecoder(resp.Body).Decode(&gemResp); err != nil {
		return nil, fmt.Errorf("gemini %d: decode: %w", resp.StatusCode, err)
	}
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		attrs := []any{"status", resp.StatusCode, "model", model}
		if gemResp.Error != nil {
			attrs = append(attrs, "error_status", gemResp.Error.Status, "error", truncate(gemResp.Error.Message, maxErrorBody))
		}
		g.logger.Warn("gemini returned an error payload", attrs...)
		return &domain.GenerateResponse{LatencyMs: latency}, nil
	}

	out := &domain.GenerateResponse{LatencyMs: latency}
	if len(gemResp.Candidates) == 0 {
		return out, nil
	}
	cand := gemResp.Candidates[0]
	out.FinishReason = cand.FinishReason
	if len(cand.Content.Parts) > 0 {
		out.Text = cand.Content.Parts[0].Text
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
