package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"genaichat/internal/conversation"
	"genaichat/internal/extract"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramDownloadLimit  = 20 << 20 // Bot API getFile limit
)

// Telegram implements domain.Channel for a Telegram bot. Every chat gets its
// own conversation.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	maxUpload int64

	sessions *conversation.Registry
	client   *http.Client
	bot      *tgbotapi.BotAPI
	logger   *slog.Logger
}

type TelegramConfig struct {
	Token          string
	AllowFrom      []string // User IDs as strings
	Sessions       *conversation.Registry
	MaxUploadBytes int64
	HTTPClient     *http.Client // used to download documents
	Logger         *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.MaxUploadBytes <= 0 || cfg.MaxUploadBytes > telegramDownloadLimit {
		cfg.MaxUploadBytes = telegramDownloadLimit
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		maxUpload: cfg.MaxUploadBytes,
		sessions:  cfg.Sessions,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context ends, and
// calling it twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func sessionKeyForChat(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", msg.From.UserName,
		)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if msg.IsCommand() {
		t.handleCommand(chatID, msg)
		return
	}

	conv, err := t.sessions.GetOrMount(sessionKeyForChat(chatID))
	if err != nil {
		return
	}

	if msg.Document != nil {
		go t.handleDocument(ctx, chatID, conv, msg.Document)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	placeholder, ok := conv.Submit(text)
	if !ok {
		t.sendMessage(chatID, "Still working on your previous message.")
		return
	}
	_, _ = t.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	go func() {
		if !conv.WaitIdle(ctx) {
			return
		}
		if reply, ok := conv.Message(placeholder.ID); ok {
			t.sendMessage(chatID, reply.Content)
		}
	}()
}

func (t *Telegram) handleDocument(ctx context.Context, chatID int64, conv *conversation.Controller, doc *tgbotapi.Document) {
	if doc.MimeType != extract.MimePDF {
		// Rejected without a reply; nothing is downloaded.
		conv.Upload(nil, doc.FileName, doc.MimeType)
		return
	}
	if int64(doc.FileSize) > t.maxUpload {
		t.sendMessage(chatID, "That document is too large.")
		return
	}

	data, err := t.download(ctx, doc.FileID)
	if err != nil {
		t.logger.Error("telegram document download failed", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, "Could not download the document.")
		return
	}

	label, ok := conv.Upload(data, doc.FileName, doc.MimeType)
	if !ok {
		return
	}
	t.sendMessage(chatID, label.Content)

	if !conv.WaitIdle(ctx) {
		return
	}
	if active, ok := conv.ActiveDocument(); ok && active == label.ID && conv.DocumentContext() != "" {
		t.sendMessage(chatID, "Document loaded. Questions will include its text until you send /clear.")
	} else if active == label.ID {
		t.sendMessage(chatID, "No text could be extracted from that document.")
	}
}

func (t *Telegram) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, t.maxUpload+1))
}

func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "👋 Send me a message and I'll answer with Gemini.\n\nAttach a PDF to ask questions about it.\n\nCommands:\n/clear - Forget the uploaded document\n/reset - Start a new conversation\n/status - Bot status")
	case "status":
		t.sendMessage(chatID, fmt.Sprintf("🟢 genaichat\n\nBot: @%s\nYour ID: %d\nChat ID: %d", t.bot.Self.UserName, msg.From.ID, chatID))
	case "clear":
		conv, ok := t.sessions.Get(sessionKeyForChat(chatID))
		if ok && conv.ClearDocument() {
			t.sendMessage(chatID, "🗑 Document cleared.")
		} else {
			t.sendMessage(chatID, "No document loaded.")
		}
	case "reset":
		if _, err := t.sessions.Mount(sessionKeyForChat(chatID)); err == nil {
			t.sendMessage(chatID, "🗑 Conversation cleared.")
		}
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				_, cutAt = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk sends one chunk, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
