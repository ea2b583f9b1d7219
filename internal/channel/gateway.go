package channel

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"genaichat/internal/domain"
)

const gatewayMaxBodySize = 1 << 20 // 1MB

// Gateway relays generateContent requests to the configured provider so that
// external clients never hold the endpoint key.
type Gateway struct {
	provider domain.Provider
	model    string
	apiKey   string
	logger   *slog.Logger
}

type GatewayConfig struct {
	Provider domain.Provider
	Model    string // reported when the provider does not name its model
	APIKey   string // bearer key required from callers; empty disables the check
	Logger   *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		provider: cfg.Provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		logger:   cfg.Logger,
	}
}

// Register adds the gateway routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/generate", g.handleGenerate)
	mux.HandleFunc("GET /api/models", g.handleModels)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.apiKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.apiKey)) == 1
}

// handleGenerate accepts {"contents":[...]} and answers in the endpoint's
// candidates shape.
func (g *Gateway) handleGenerate(rw http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, gatewayMaxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(req.Contents) == 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "contents must not be empty"})
		return
	}

	resp, err := g.provider.Generate(r.Context(), domain.GenerateRequest{Contents: req.Contents})
	if err != nil {
		g.logger.Error("gateway generate failed", "provider", g.provider.Name(), "err", err)
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": "endpoint unavailable"})
		return
	}

	out := generateResponse{Candidates: []generateCandidate{}}
	if resp.Text != "" {
		out.Candidates = append(out.Candidates, generateCandidate{
			Content:      domain.TextTurn(domain.RoleModel, resp.Text),
			FinishReason: resp.FinishReason,
		})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (g *Gateway) handleModels(rw http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"models": []map[string]string{
			{"name": "models/" + g.currentModel(), "provider": g.provider.Name()},
		},
	})
}

// currentModel asks the provider first, since it may be swapped at runtime.
func (g *Gateway) currentModel() string {
	if m, ok := g.provider.(interface{ Model() string }); ok {
		if name := m.Model(); name != "" {
			return name
		}
	}
	return g.model
}

type generateRequest struct {
	Contents []domain.Turn `json:"contents"`
}

type generateCandidate struct {
	Content      domain.Turn `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
}

type generateResponse struct {
	Candidates []generateCandidate `json:"candidates"`
}
