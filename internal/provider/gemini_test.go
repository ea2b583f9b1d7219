package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genaichat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGemini(GeminiConfig{APIKey: "test-key", APIBase: srv.URL, Logger: testLogger()})
}

func helloRequest() domain.GenerateRequest {
	return domain.GenerateRequest{Contents: []domain.Turn{domain.TextTurn(domain.RoleUser, "Hi")}}
}

func TestGemini_SendsContentsAndKey(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody []byte
	)
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello!"},{"text":"ignored"}]},"finishReason":"STOP"}]}`)
	})

	req := domain.GenerateRequest{Contents: []domain.Turn{
		domain.TextTurn(domain.RoleUser, "first"),
		domain.TextTurn(domain.RoleModel, "reply"),
		domain.TextTurn(domain.RoleUser, "Hi"),
	}}
	resp, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.0-flash-lite:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.JSONEq(t, `{"contents":[
		{"role":"user","parts":[{"text":"first"}]},
		{"role":"model","parts":[{"text":"reply"}]},
		{"role":"user","parts":[{"text":"Hi"}]}
	]}`, string(gotBody))

	assert.Equal(t, "Hello!", resp.Text)
	assert.Equal(t, "STOP", resp.FinishReason)
}

func TestGemini_RequestModelOverridesDefault(t *testing.T) {
	var gotPath string
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{"candidates":[]}`)
	})

	req := helloRequest()
	req.Model = "gemini-pro"
	_, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-pro:generateContent", gotPath)
}

func TestGemini_NoUsableTextYieldsEmpty(t *testing.T) {
	cases := map[string]string{
		"no candidates":   `{"candidates":[]}`,
		"missing field":   `{"promptFeedback":{"blockReason":"SAFETY"}}`,
		"no parts":        `{"candidates":[{"content":{"role":"model"}}]}`,
		"empty part text": `{"candidates":[{"content":{"parts":[{"text":""}]}}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			})
			resp, err := g.Generate(context.Background(), helloRequest())
			require.NoError(t, err)
			assert.Empty(t, resp.Text)
		})
	}
}

func TestGemini_ErrorPayloadYieldsEmptyText(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT"},
		})
	})

	resp, err := g.Generate(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.Empty(t, resp.Text)
}

func TestGemini_NonJSONBodyIsError(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	})

	_, err := g.Generate(context.Background(), helloRequest())
	assert.Error(t, err)
}

func TestGemini_TransportFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	g := NewGemini(GeminiConfig{APIKey: "k", APIBase: base, Logger: testLogger()})
	_, err := g.Generate(context.Background(), helloRequest())
	assert.Error(t, err)
}

func TestGemini_Healthy(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "/models/gemini-2.0-flash-lite", r.URL.Path)
		io.WriteString(w, `{"name":"models/gemini-2.0-flash-lite"}`)
	})
	assert.NoError(t, g.Healthy(context.Background()))

	bad := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	assert.Error(t, bad.Healthy(context.Background()))
}

func TestLastUserText(t *testing.T) {
	turns := []domain.Turn{
		domain.TextTurn(domain.RoleUser, "one"),
		domain.TextTurn(domain.RoleModel, "two"),
		domain.TextTurn(domain.RoleUser, "three"),
		domain.TextTurn(domain.RoleModel, "four"),
	}
	assert.Equal(t, "three", lastUserText(turns))
	assert.Empty(t, lastUserText(nil))
}
