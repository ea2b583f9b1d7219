package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"genaichat/internal/bus"
	"genaichat/internal/config"
	"genaichat/internal/conversation"
	"genaichat/internal/domain"
	"genaichat/internal/extract"
	"genaichat/internal/metrics"
)

const (
	maxFormSize       = 1 << 20 // 1MB
	sessionCookieName = "genaichat_session"
	sessionMaxAge     = 86400 * 30 // 30 days
	sseKeepAlive      = 25 * time.Second
)

//go:embed web_templates/*.html
var templateFS embed.FS

// Web serves the browser chat page and its JSON/SSE/websocket endpoints.
type Web struct {
	host     string
	port     int
	sessions *conversation.Registry
	hub      *bus.Hub
	provider domain.Provider
	gateway  *Gateway
	logger   *slog.Logger
	server   *http.Server
	tmpl     *htmltemplate.Template
	version  string

	maxUpload   int64
	metricsPath string

	// Auth settings
	authEnabled  bool
	authUser     string
	authPassHash string
}

type WebConfig struct {
	Host           string
	Port           int
	Sessions       *conversation.Registry
	Hub            *bus.Hub
	Provider       domain.Provider // reported by /status
	Gateway        *Gateway        // optional
	Auth           config.WebAuth
	MaxUploadBytes int64
	MetricsPath    string // empty disables /metrics
	Version        string
	Logger         *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}

	tmpl := htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html"))

	return &Web{
		host:         cfg.Host,
		port:         cfg.Port,
		sessions:     cfg.Sessions,
		hub:          cfg.Hub,
		provider:     cfg.Provider,
		gateway:      cfg.Gateway,
		logger:       cfg.Logger,
		tmpl:         tmpl,
		version:      cfg.Version,
		maxUpload:    cfg.MaxUploadBytes,
		metricsPath:  cfg.MetricsPath,
		authEnabled:  cfg.Auth.Enabled,
		authUser:     cfg.Auth.Username,
		authPassHash: strings.ToLower(cfg.Auth.PasswordHash),
	}
}

func (w *Web) Name() string { return "web" }

// Handler returns the routes without starting a listener.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(rw http.ResponseWriter, r *http.Request) {
		http.Redirect(rw, r, "/chat", http.StatusFound)
	})
	mux.HandleFunc("GET /chat", w.requireAuth(w.handleChat))
	mux.HandleFunc("POST /chat/send", w.requireAuth(w.handleSend))
	mux.HandleFunc("POST /chat/upload", w.requireAuth(w.handleUpload))
	mux.HandleFunc("POST /chat/document/clear", w.requireAuth(w.handleClearDocument))
	mux.HandleFunc("GET /chat/messages", w.requireAuth(w.handleMessages))
	mux.HandleFunc("GET /chat/stream", w.requireAuth(w.handleSSE))
	mux.HandleFunc("GET /chat/ws", w.requireAuth(w.handleWebSocket))
	mux.HandleFunc("GET /status", w.handleStatus) // public endpoint

	if w.metricsPath != "" {
		mux.Handle("GET "+w.metricsPath, metrics.Handler())
	}
	if w.gateway != nil {
		w.gateway.Register(mux)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (w *Web) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web UI started", "addr", "http://"+addr+"/chat", "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="genaichat"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials compares against the configured hex SHA-256 password hash.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

// sessionKey returns the registry key for the browser, issuing a cookie when
// the browser has none.
func (w *Web) sessionKey(rw http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			return "web:" + cookie.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.logger.Info("new web session created", "session", id)
	return "web:" + id
}

// controller returns the conversation for the request, mounting one if the
// server restarted since the page was loaded.
func (w *Web) controller(rw http.ResponseWriter, r *http.Request) (*conversation.Controller, bool) {
	c, err := w.sessions.GetOrMount(w.sessionKey(rw, r))
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "server shutting down"})
		return nil, false
	}
	return c, true
}

// handleChat renders the page. Every load starts a fresh conversation.
func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	key := w.sessionKey(rw, r)
	if _, err := w.sessions.Mount(key); err != nil {
		http.Error(rw, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "chat.html", map[string]any{
		"Title":     "Gemini Chat",
		"MaxUpload": w.maxUpload,
	}); err != nil {
		w.logger.Error("template error", "template", "chat", "err", err)
	}
}

func (w *Web) handleSend(rw http.ResponseWriter, r *http.Request) {
	message, err := readMessage(r)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(message) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "empty message"})
		return
	}

	c, ok := w.controller(rw, r)
	if !ok {
		return
	}
	placeholder, ok := c.Submit(message)
	if !ok {
		writeJSON(rw, http.StatusConflict, map[string]string{"error": "a reply is still pending"})
		return
	}

	if r.URL.Query().Get("wait") != "" {
		if !c.WaitIdle(r.Context()) {
			return
		}
		reply, _ := c.Message(placeholder.ID)
		writeJSON(rw, http.StatusOK, map[string]any{"reply": reply, "snapshot": c.Snapshot()})
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"placeholder_id": placeholder.ID, "snapshot": c.Snapshot()})
}

// readMessage accepts form posts and JSON bodies.
func readMessage(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormSize)).Decode(&body); err != nil {
			return "", errors.New("invalid JSON body")
		}
		return body.Message, nil
	}
	_ = r.ParseMultipartForm(maxFormSize)
	return r.FormValue("message"), nil
}

func (w *Web) handleUpload(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, w.maxUpload+maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large or malformed"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, w.maxUpload+1))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "read upload: " + err.Error()})
		return
	}
	if int64(len(data)) > w.maxUpload {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "document exceeds upload limit"})
		return
	}

	c, ok := w.controller(rw, r)
	if !ok {
		return
	}
	// A rejected file leaves the conversation untouched and is not reported.
	msg, ok := c.Upload(data, header.Filename, detectMIME(header.Header.Get("Content-Type"), data))
	if !ok {
		writeJSON(rw, http.StatusAccepted, map[string]any{"snapshot": c.Snapshot()})
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"message": msg, "snapshot": c.Snapshot()})
}

// detectMIME trusts a declared type unless it is missing or generic.
func detectMIME(declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return extract.MimePDF
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func (w *Web) handleClearDocument(rw http.ResponseWriter, r *http.Request) {
	c, ok := w.controller(rw, r)
	if !ok {
		return
	}
	cleared := c.ClearDocument()
	writeJSON(rw, http.StatusOK, map[string]any{"cleared": cleared, "snapshot": c.Snapshot()})
}

func (w *Web) handleMessages(rw http.ResponseWriter, r *http.Request) {
	c, ok := w.controller(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, c.Snapshot())
}

// handleSSE streams snapshots of the caller's conversation.
func (w *Web) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	key := w.sessionKey(rw, r)
	c, err := w.sessions.GetOrMount(key)
	if err != nil {
		http.Error(rw, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	updates, cancel := w.hub.Subscribe(key)
	defer cancel()

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	writeEvent := func(s domain.Snapshot) {
		data, _ := json.Marshal(s)
		fmt.Fprintf(rw, "event: snapshot\ndata: %s\n\n", data)
		flusher.Flush()
	}
	writeEvent(c.Snapshot())

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(s)
		case <-keepAlive.C:
			fmt.Fprint(rw, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"version":  w.version,
		"sessions": w.sessions.Len(),
		"time":     time.Now().Format(time.RFC3339),
	}
	if w.provider != nil {
		status["provider"] = w.provider.Name()
	}
	writeJSON(rw, http.StatusOK, status)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
