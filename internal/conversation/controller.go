// Package conversation owns the message list of one chat surface and the
// request/response cycle against the generation endpoint.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"genaichat/internal/domain"
	"genaichat/internal/extract"
	"genaichat/internal/metrics"
)

// KeyEnter is the key that submits the input buffer.
const KeyEnter = "Enter"

const recordTimeout = 5 * time.Second

var ErrClosed = errors.New("conversation closed")

// Recorder stores exchange metadata. Implemented by the ledger.
type Recorder interface {
	Record(ctx context.Context, ex domain.Exchange) error
}

type Config struct {
	Session   string
	Provider  domain.Provider
	Extractor domain.Extractor
	Recorder  Recorder // optional
	// OnChange receives a snapshot after every state change. It runs with the
	// controller lock held and must not call back into the controller.
	OnChange       func(domain.Snapshot)
	ExtractTimeout time.Duration
	Logger         *slog.Logger
}

// Controller holds the state of one mounted conversation. All methods are
// safe for concurrent use.
type Controller struct {
	session        string
	provider       domain.Provider
	extractor      domain.Extractor
	recorder       Recorder
	onChange       func(domain.Snapshot)
	extractTimeout time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   int
	idle      chan struct{}
	messages  []domain.Message
	input     string
	inFlight  bool
	request   uint64
	lastID    int64
	docText   string
	activeDoc int64
	closed    bool
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:        cfg.Session,
		provider:       cfg.Provider,
		extractor:      cfg.Extractor,
		recorder:       cfg.Recorder,
		onChange:       cfg.OnChange,
		extractTimeout: cfg.ExtractTimeout,
		logger:         cfg.Logger.With("session", cfg.Session),
		ctx:            ctx,
		cancel:         cancel,
	}
	metrics.ActiveSessions.Inc()
	return c
}

func (c *Controller) Session() string { return c.session }

// Close unmounts the conversation: outstanding work is cancelled and late
// completions no longer touch the state.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	metrics.ActiveSessions.Dec()
}

// Wait blocks until every background generation and extraction has finished.
// Work started while waiting is waited for too.
func (c *Controller) Wait() {
	c.WaitIdle(context.Background())
}

// WaitIdle is Wait bounded by ctx. It reports whether the conversation went
// idle before ctx was done.
func (c *Controller) WaitIdle(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.pending == 0 {
			c.mu.Unlock()
			return true
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Controller) startTaskLocked() {
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
}

func (c *Controller) finishTask() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}

// SetInput replaces the input buffer.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.input = text
	c.emitLocked()
}

func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// HandleKey submits the input buffer on Enter. Other keys are ignored.
func (c *Controller) HandleKey(key string) bool {
	if key != KeyEnter {
		return false
	}
	_, ok := c.Submit(c.Input())
	return ok
}

// Submit appends the user's message and an assistant placeholder, then asks
// the endpoint for a reply in the background. It returns the placeholder.
// Blank input, a request already in flight, or a closed conversation make it
// a no-op.
func (c *Controller) Submit(text string) (domain.Message, bool) {
	trimmed := strings.TrimSpace(text)

	c.mu.Lock()
	if trimmed == "" || c.inFlight || c.closed {
		c.mu.Unlock()
		return domain.Message{}, false
	}

	contents := HistoryTurns(c.messages)
	prompt := AugmentPrompt(trimmed, c.docText)
	contents = append(contents, domain.TextTurn(domain.RoleUser, prompt))

	c.appendLocked(domain.SenderUser, trimmed)
	placeholder := c.appendLocked(domain.SenderAssistant, Placeholder)
	c.inFlight = true
	c.input = ""
	c.request++
	token := c.request
	withDoc := c.docText != ""
	c.startTaskLocked()
	c.emitLocked()
	c.mu.Unlock()

	metrics.Submissions.Inc()
	go c.exchange(token, placeholder.ID, domain.GenerateRequest{Contents: contents}, withDoc)
	return placeholder, true
}

func (c *Controller) exchange(token uint64, placeholderID int64, req domain.GenerateRequest, withDoc bool) {
	defer c.finishTask()

	started := time.Now()
	reply, outcome := c.generate(req)
	elapsed := time.Since(started)

	metrics.Generations.WithLabelValues(outcome).Inc()
	metrics.GenerationLatency.Observe(elapsed.Seconds())

	c.mu.Lock()
	if !c.closed {
		c.replaceLocked(placeholderID, reply)
		if c.request == token {
			c.inFlight = false
		}
		c.emitLocked()
	}
	c.mu.Unlock()

	c.record(domain.Exchange{
		Session:      c.session,
		Provider:     c.provider.Name(),
		Outcome:      outcome,
		PromptChars:  len(req.Contents[len(req.Contents)-1].Parts[0].Text),
		ReplyChars:   len(reply),
		HistoryLen:   len(req.Contents) - 1,
		WithDocument: withDoc,
		LatencyMs:    elapsed.Milliseconds(),
		StartedAt:    started,
	})
}

// generate performs one best-effort call and maps every result to display text.
func (c *Controller) generate(req domain.GenerateRequest) (string, string) {
	resp, err := c.provider.Generate(c.ctx, req)
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrorReply, metrics.OutcomeCanceled
		}
		c.logger.Error("generation request failed", "provider", c.provider.Name(), "err", err)
		return ErrorReply, metrics.OutcomeError
	}

	var text string
	if resp != nil {
		text = resp.Text
	}
	if text == "" {
		c.logger.Warn("generation returned no usable text", "provider", c.provider.Name())
		return Sanitize(FallbackReply), metrics.OutcomeFallback
	}
	return Sanitize(text), metrics.OutcomeOK
}

func (c *Controller) record(ex domain.Exchange) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), recordTimeout)
	defer cancel()
	if err := c.recorder.Record(ctx, ex); err != nil {
		c.logger.Warn("failed to record exchange", "err", err)
	}
}

// Upload appends a document message, makes it the active document and starts
// extracting its text in the background. Anything but a PDF is ignored.
func (c *Controller) Upload(data []byte, fileName, mimeType string) (domain.Message, bool) {
	if mimeType != extract.MimePDF {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		c.logger.Debug("ignoring non-PDF upload", "file", fileName, "mime", mimeType)
		return domain.Message{}, false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Message{}, false
	}
	msg := c.appendLocked(domain.SenderDocument, DocumentLabel(fileName))
	c.activeDoc = msg.ID
	c.docText = ""
	c.startTaskLocked()
	c.emitLocked()
	c.mu.Unlock()

	metrics.Uploads.WithLabelValues("accepted").Inc()
	c.logger.Info("document uploaded", "file", fileName, "bytes", len(data), "message_id", msg.ID)

	go c.extractDocument(msg.ID, fileName, data)
	return msg, true
}

// extractDocument applies its result only if docID is still the active
// document, so a superseded or cleared upload never leaks into the context.
func (c *Controller) extractDocument(docID int64, fileName string, data []byte) {
	defer c.finishTask()

	ctx := c.ctx
	if c.extractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.extractTimeout)
		defer cancel()
	}

	started := time.Now()
	text, err := extract.Text(ctx, c.extractor, data, func(done, total int) {
		metrics.ExtractedPages.Inc()
	})
	if err != nil {
		metrics.Extractions.WithLabelValues("error").Inc()
		c.logger.Warn("document extraction failed", "file", fileName, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.activeDoc != docID {
		metrics.Extractions.WithLabelValues("stale").Inc()
		c.logger.Info("discarding stale extraction", "file", fileName, "message_id", docID)
		return
	}
	c.docText = text
	metrics.Extractions.WithLabelValues("applied").Inc()
	c.logger.Info("document ready", "file", fileName, "chars", len(text), "took", time.Since(started))
	c.emitLocked()
}

// ClearDocument drops the active document's context and removes its message.
// It reports whether a document was active.
func (c *Controller) ClearDocument() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.activeDoc == 0 {
		return false
	}

	id := c.activeDoc
	c.activeDoc = 0
	c.docText = ""

	kept := c.messages[:0:0]
	for _, m := range c.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.messages = kept
	c.emitLocked()
	return true
}

// Snapshot returns a copy of the state a surface renders.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Messages returns a copy of the conversation in display order.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

// Message looks a message up by id.
func (c *Controller) Message(id int64) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// DocumentContext returns the extracted text of the active document.
func (c *Controller) DocumentContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docText
}

// ActiveDocument returns the id of the active document message.
func (c *Controller) ActiveDocument() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDoc, c.activeDoc != 0
}

// nextIDLocked hands out creation-time ids that never repeat, even when two
// messages are created within the same millisecond.
func (c *Controller) nextIDLocked() int64 {
	id := time.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func (c *Controller) appendLocked(sender domain.Sender, content string) domain.Message {
	m := domain.Message{
		ID:        c.nextIDLocked(),
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now(),
	}
	c.messages = append(c.messages, m)
	return m
}

// replaceLocked swaps the content of message id. A missing id is a no-op.
func (c *Controller) replaceLocked(id int64, content string) {
	next := make([]domain.Message, len(c.messages))
	for i, m := range c.messages {
		if m.ID == id {
			m.Content = content
		}
		next[i] = m
	}
	c.messages = next
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		Messages:         append([]domain.Message{}, c.messages...),
		Input:            c.input,
		Loading:          c.inFlight,
		CanClearDocument: c.docText != "",
	}
}

func (c *Controller) emitLocked() {
	if c.onChange != nil {
		c.onChange(c.snapshotLocked())
	}
}
