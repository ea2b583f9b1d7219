package conversation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genaichat/internal/domain"
	"genaichat/internal/extract"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockProvider records every request and answers through respond.
type mockProvider struct {
	mu      sync.Mutex
	reqs    []domain.GenerateRequest
	respond func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error)
}

func (m *mockProvider) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return m.respond(ctx, req)
}

func (m *mockProvider) Name() string                      { return "mock" }
func (m *mockProvider) Healthy(ctx context.Context) error { return nil }

func (m *mockProvider) requests() []domain.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerateRequest(nil), m.reqs...)
}

func replyWith(text string) *mockProvider {
	return &mockProvider{respond: func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
		return &domain.GenerateResponse{Text: text}, nil
	}}
}

// gatedProvider blocks every call until release is closed or ctx ends.
func gatedProvider(release <-chan struct{}, text string) *mockProvider {
	return &mockProvider{respond: func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
		select {
		case <-release:
			return &domain.GenerateResponse{Text: text}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

// mockExtractor maps document bytes to pages. Documents listed in gates wait
// for their channel before opening.
type mockExtractor struct {
	pages map[string][][]string
	gates map[string]chan struct{}
}

func (m *mockExtractor) Open(ctx context.Context, data []byte) (domain.Document, error) {
	if gate, ok := m.gates[string(data)]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pages, ok := m.pages[string(data)]
	if !ok {
		return nil, errors.New("unreadable document")
	}
	return mockDocument(pages), nil
}

type mockDocument [][]string

func (d mockDocument) NumPages() int { return len(d) }

func (d mockDocument) PageItems(ctx context.Context, n int) ([]string, error) {
	return d[n-1], nil
}

func newController(t *testing.T, p domain.Provider, ex domain.Extractor) *Controller {
	t.Helper()
	c := New(Config{
		Session:   "test",
		Provider:  p,
		Extractor: ex,
		Logger:    testLogger(),
	})
	t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return c
}

func TestSubmit_AppendsUserMessageAndPlaceholderBeforeReply(t *testing.T) {
	release := make(chan struct{})
	c := newController(t, gatedProvider(release, "Hi there"), &mockExtractor{})

	placeholder, ok := c.Submit("  Hello  ")
	require.True(t, ok)

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, domain.SenderUser, snap.Messages[0].Sender)
	assert.Equal(t, "Hello", snap.Messages[0].Content)
	assert.Equal(t, domain.SenderAssistant, snap.Messages[1].Sender)
	assert.Equal(t, Placeholder, snap.Messages[1].Content)
	assert.Equal(t, placeholder.ID, snap.Messages[1].ID)
	assert.True(t, snap.Loading)
	assert.Empty(t, snap.Input)

	close(release)
	c.Wait()

	snap = c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hi there", snap.Messages[1].Content)
	assert.False(t, snap.Loading)
}

func TestSubmit_BlankInputIsNoop(t *testing.T) {
	p := replyWith("unused")
	c := newController(t, p, &mockExtractor{})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, ok := c.Submit(text)
		assert.False(t, ok, "input %q", text)
	}
	c.Wait()

	assert.Empty(t, c.Messages())
	assert.Empty(t, p.requests())
}

func TestSubmit_SanitizesReply(t *testing.T) {
	c := newController(t, replyWith("Hello **world**!"), &mockExtractor{})

	placeholder, ok := c.Submit("hi")
	require.True(t, ok)
	c.Wait()

	msg, found := c.Message(placeholder.ID)
	require.True(t, found)
	assert.Equal(t, "Hello world!", msg.Content)
}

func TestSubmit_EmptyReplyUsesFallback(t *testing.T) {
	c := newController(t, replyWith(""), &mockExtractor{})

	placeholder, ok := c.Submit("hi")
	require.True(t, ok)
	c.Wait()

	msg, _ := c.Message(placeholder.ID)
	assert.Equal(t, FallbackReply, msg.Content)
	assert.False(t, c.Loading())
}

func TestSubmit_TransportErrorUsesErrorReply(t *testing.T) {
	p := &mockProvider{respond: func(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
		return nil, errors.New("connection refused")
	}}
	c := newController(t, p, &mockExtractor{})

	placeholder, ok := c.Submit("hi")
	require.True(t, ok)
	c.Wait()

	msg, _ := c.Message(placeholder.ID)
	assert.Equal(t, ErrorReply, msg.Content)
	assert.False(t, c.Loading())

	_, ok = c.Submit("again")
	assert.True(t, ok, "controller should accept input after a failed request")
}

func TestSubmit_WhileLoadingIsNoop(t *testing.T) {
	release := make(chan struct{})
	p := gatedProvider(release, "done")
	c := newController(t, p, &mockExtractor{})

	_, ok := c.Submit("first")
	require.True(t, ok)
	_, ok = c.Submit("second")
	assert.False(t, ok)

	close(release)
	c.Wait()

	assert.Len(t, c.Messages(), 2)
	assert.Len(t, p.requests(), 1)
}

func TestSubmit_SendsHistoryWithoutDocuments(t *testing.T) {
	p := replyWith("ok")
	ex := &mockExtractor{pages: map[string][][]string{"doc": {{"Alpha"}}}}
	c := newController(t, p, ex)

	_, ok := c.Upload([]byte("doc"), "a.pdf", extract.MimePDF)
	require.True(t, ok)
	c.Wait()

	_, ok = c.Submit("first")
	require.True(t, ok)
	c.Wait()
	_, ok = c.Submit("second")
	require.True(t, ok)
	c.Wait()

	reqs := p.requests()
	require.Len(t, reqs, 2)

	second := reqs[1].Contents
	require.Len(t, second, 3)
	assert.Equal(t, domain.TextTurn(domain.RoleUser, "first"), second[0])
	assert.Equal(t, domain.TextTurn(domain.RoleModel, "ok"), second[1])
	assert.Equal(t, domain.RoleUser, second[2].Role)
	assert.Equal(t, "second"+DocumentDelimiter+"\nAlpha", second[2].Parts[0].Text)

	for _, turn := range second {
		assert.NotContains(t, turn.Parts[0].Text, "Uploaded:")
	}
}

func TestHandleKey_EnterSubmitsInput(t *testing.T) {
	p := replyWith("pong")
	c := newController(t, p, &mockExtractor{})

	c.SetInput("ping")
	assert.False(t, c.HandleKey("a"))
	assert.Equal(t, "ping", c.Input())

	assert.True(t, c.HandleKey(KeyEnter))
	c.Wait()

	assert.Empty(t, c.Input())
	require.Len(t, p.requests(), 1)
	assert.Equal(t, "ping", p.requests()[0].Contents[0].Parts[0].Text)
}

func TestUpload_IgnoresNonPDF(t *testing.T) {
	c := newController(t, replyWith("ok"), &mockExtractor{})

	_, ok := c.Upload([]byte("hello"), "notes.txt", "text/plain")
	assert.False(t, ok)
	c.Wait()

	assert.Empty(t, c.Messages())
	assert.Empty(t, c.DocumentContext())
	_, active := c.ActiveDocument()
	assert.False(t, active)
}

func TestUpload_ExtractsAndAugmentsPrompt(t *testing.T) {
	p := replyWith("A summary")
	ex := &mockExtractor{pages: map[string][][]string{"report": {{"Alpha"}, {"Beta"}}}}
	c := newController(t, p, ex)

	doc, ok := c.Upload([]byte("report"), "report.pdf", extract.MimePDF)
	require.True(t, ok)
	assert.Equal(t, "📄 Uploaded: report.pdf", doc.Content)
	assert.Equal(t, domain.SenderDocument, doc.Sender)

	c.Wait()
	assert.Equal(t, "\nAlpha\nBeta", c.DocumentContext())
	assert.True(t, c.Snapshot().CanClearDocument)

	_, ok = c.Submit("Summarize")
	require.True(t, ok)
	c.Wait()

	reqs := p.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Contents, 1)
	assert.Equal(t, "Summarize\n\n(PDF Content Below)\n\nAlpha\nBeta", reqs[0].Contents[0].Parts[0].Text)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "A summary", msgs[2].Content)
}

func TestUpload_FailedExtractionLeavesContextEmpty(t *testing.T) {
	c := newController(t, replyWith("ok"), &mockExtractor{})

	_, ok := c.Upload([]byte("garbage"), "broken.pdf", extract.MimePDF)
	require.True(t, ok)
	c.Wait()

	assert.Empty(t, c.DocumentContext())
	assert.Len(t, c.Messages(), 1)
	assert.False(t, c.Snapshot().CanClearDocument)
}

func TestUpload_LatestDocumentWins(t *testing.T) {
	gate := make(chan struct{})
	ex := &mockExtractor{
		pages: map[string][][]string{"old": {{"Old"}}, "new": {{"New"}}},
		gates: map[string]chan struct{}{"old": gate},
	}
	c := newController(t, replyWith("ok"), ex)

	_, ok := c.Upload([]byte("old"), "old.pdf", extract.MimePDF)
	require.True(t, ok)
	latest, ok := c.Upload([]byte("new"), "new.pdf", extract.MimePDF)
	require.True(t, ok)

	require.Eventually(t, func() bool { return c.DocumentContext() == "\nNew" }, time.Second, 5*time.Millisecond)

	close(gate)
	c.Wait()

	assert.Equal(t, "\nNew", c.DocumentContext())
	active, _ := c.ActiveDocument()
	assert.Equal(t, latest.ID, active)
	assert.Len(t, c.Messages(), 2)
}

func TestClearDocument_WithoutDocumentIsNoop(t *testing.T) {
	c := newController(t, replyWith("ok"), &mockExtractor{})
	_, ok := c.Submit("hi")
	require.True(t, ok)
	c.Wait()

	assert.False(t, c.ClearDocument())
	assert.Len(t, c.Messages(), 2)
}

func TestClearDocument_RemovesMessageAndContext(t *testing.T) {
	p := replyWith("ok")
	ex := &mockExtractor{pages: map[string][][]string{"doc": {{"Alpha"}}}}
	c := newController(t, p, ex)

	_, ok := c.Upload([]byte("doc"), "a.pdf", extract.MimePDF)
	require.True(t, ok)
	c.Wait()

	require.True(t, c.ClearDocument())
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.DocumentContext())
	assert.False(t, c.Snapshot().CanClearDocument)

	_, ok = c.Submit("plain")
	require.True(t, ok)
	c.Wait()
	assert.Equal(t, "plain", p.requests()[0].Contents[0].Parts[0].Text)
}

func TestClearDocument_DiscardsPendingExtraction(t *testing.T) {
	gate := make(chan struct{})
	ex := &mockExtractor{
		pages: map[string][][]string{"doc": {{"Late"}}},
		gates: map[string]chan struct{}{"doc": gate},
	}
	c := newController(t, replyWith("ok"), ex)

	_, ok := c.Upload([]byte("doc"), "a.pdf", extract.MimePDF)
	require.True(t, ok)
	require.True(t, c.ClearDocument())

	close(gate)
	c.Wait()

	assert.Empty(t, c.DocumentContext())
	assert.Empty(t, c.Messages())
}

func TestClose_CancelsInFlightRequest(t *testing.T) {
	p := gatedProvider(make(chan struct{}), "never")
	c := New(Config{Session: "closing", Provider: p, Extractor: &mockExtractor{}, Logger: testLogger()})

	placeholder, ok := c.Submit("hello")
	require.True(t, ok)

	c.Close()
	c.Wait()

	msg, found := c.Message(placeholder.ID)
	require.True(t, found)
	assert.Equal(t, Placeholder, msg.Content)

	_, ok = c.Submit("after close")
	assert.False(t, ok)
	_, ok = c.Upload([]byte("doc"), "a.pdf", extract.MimePDF)
	assert.False(t, ok)
}

func TestOnChange_ReceivesEverySnapshot(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps []domain.Snapshot
	)
	c := New(Config{
		Session:  "observed",
		Provider: replyWith("ok"),
		OnChange: func(s domain.Snapshot) {
			mu.Lock()
			snaps = append(snaps, s)
			mu.Unlock()
		},
		Logger: testLogger(),
	})
	defer c.Close()

	c.SetInput("hi")
	_, ok := c.Submit("hi")
	require.True(t, ok)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 3)
	assert.Equal(t, "hi", snaps[0].Input)
	assert.True(t, snaps[1].Loading)
	assert.Equal(t, Placeholder, snaps[1].Messages[1].Content)
	assert.False(t, snaps[2].Loading)
	assert.Equal(t, "ok", snaps[2].Messages[1].Content)
}

func TestMessageIDsAreUnique(t *testing.T) {
	c := newController(t, replyWith("ok"), &mockExtractor{pages: map[string][][]string{}})

	for i := 0; i < 5; i++ {
		_, ok := c.Submit("hi")
		require.True(t, ok)
		c.Wait()
		c.Upload([]byte("x"), "x.pdf", extract.MimePDF)
	}
	c.Wait()

	seen := map[int64]bool{}
	for _, m := range c.Messages() {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
	}
}

func TestWaitIdle_TimesOutWhileBusy(t *testing.T) {
	release := make(chan struct{})
	c := newController(t, gatedProvider(release, "done"), &mockExtractor{})

	assert.True(t, c.WaitIdle(context.Background()), "idle controller must not block")

	_, ok := c.Submit("hello")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.WaitIdle(ctx))

	close(release)
	assert.True(t, c.WaitIdle(context.Background()))
	assert.False(t, c.Loading())
}

func TestWait_ConcurrentWithNewWork(t *testing.T) {
	ex := &mockExtractor{pages: map[string][][]string{"doc": {{"Alpha"}}}}
	c := newController(t, replyWith("ok"), ex)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Submit("ping")
				c.Upload([]byte("doc"), "a.pdf", extract.MimePDF)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Wait()
			}
		}()
	}
	wg.Wait()
	c.Wait()

	assert.False(t, c.Loading())
	assert.Equal(t, "Alpha", c.DocumentContext())
}
