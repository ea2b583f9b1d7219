package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genaichat/internal/domain"
	"genaichat/internal/provider"
)

func newGatewayMux(p domain.Provider, key string) http.Handler {
	mux := http.NewServeMux()
	NewGateway(GatewayConfig{Provider: p, Model: "gemini-2.0-flash-lite", APIKey: key, Logger: testLogger()}).Register(mux)
	return mux
}

func postGenerate(h http.Handler, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateway_ForwardsContents(t *testing.T) {
	p := replying("Hi back")
	h := newGatewayMux(p, "")

	rec := postGenerate(h, `{"contents":[{"role":"user","parts":[{"text":"Hi"}]}]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].Text != "Hi back" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if resp.Candidates[0].Content.Role != domain.RoleModel || resp.Candidates[0].FinishReason != "STOP" {
		t.Errorf("unexpected candidate: %+v", resp.Candidates[0])
	}
	if got := p.lastPrompt(); got != "Hi" {
		t.Errorf("provider saw %q", got)
	}
}

func TestGateway_EmptyTextGivesNoCandidates(t *testing.T) {
	h := newGatewayMux(replying(""), "")

	rec := postGenerate(h, `{"contents":[{"role":"user","parts":[{"text":"Hi"}]}]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"candidates":[]}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestGateway_BearerKey(t *testing.T) {
	h := newGatewayMux(replying("ok"), "s3cret")
	body := `{"contents":[{"role":"user","parts":[{"text":"Hi"}]}]}`

	if rec := postGenerate(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := postGenerate(h, body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := postGenerate(h, body, "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestGateway_BadRequests(t *testing.T) {
	h := newGatewayMux(replying("ok"), "")

	for name, body := range map[string]string{
		"invalid json":   `{"contents":`,
		"empty contents": `{"contents":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if rec := postGenerate(h, body, ""); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestGateway_ProviderFailure(t *testing.T) {
	p := &fakeProvider{respond: func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
		return nil, errors.New("connection refused")
	}}
	h := newGatewayMux(p, "")

	rec := postGenerate(h, `{"contents":[{"role":"user","parts":[{"text":"Hi"}]}]}`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("upstream error details must not leak to callers")
	}
}

func TestGateway_Models(t *testing.T) {
	h := newGatewayMux(replying("ok"), "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	if !strings.Contains(rec.Body.String(), "models/gemini-2.0-flash-lite") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestGateway_ModelsFollowSwappedProvider(t *testing.T) {
	prov := provider.NewSwappable(provider.NewGemini(provider.GeminiConfig{APIKey: "k", Model: "gemini-pro", Logger: testLogger()}))
	h := newGatewayMux(prov, "")

	models := func() string {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
		return rec.Body.String()
	}
	if body := models(); !strings.Contains(body, `"models/gemini-pro"`) {
		t.Fatalf("unexpected body: %s", body)
	}

	prov.Swap(provider.NewGemini(provider.GeminiConfig{APIKey: "k", Model: "gemini-1.5-flash", Logger: testLogger()}))
	if body := models(); !strings.Contains(body, `"models/gemini-1.5-flash"`) {
		t.Errorf("models not refreshed after swap: %s", body)
	}

	// A provider without a model name falls back to the configured one.
	prov.Swap(replying("ok"))
	if body := models(); !strings.Contains(body, `"models/gemini-2.0-flash-lite"`) {
		t.Errorf("expected configured fallback: %s", body)
	}
}
