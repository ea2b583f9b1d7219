package domain

import "time"

// Sender tags who produced a message. The set is closed.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderDocument  Sender = "document"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAssistant, SenderDocument:
		return true
	}
	return false
}

// Message is one entry of a conversation. Content is replaced by swapping the
// whole value keyed by ID, never edited through a shared pointer.
type Message struct {
	ID        int64     `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is what a rendering surface needs to draw a conversation.
type Snapshot struct {
	Messages         []Message `json:"messages"`
	Input            string    `json:"input"`
	Loading          bool      `json:"loading"`
	CanClearDocument bool      `json:"can_clear_document"`
}

// Exchange describes one finished generation round trip. It carries sizes
// and timings only, never message text.
type Exchange struct {
	Session      string    `json:"session"`
	Provider     string    `json:"provider"`
	Outcome      string    `json:"outcome"` // ok | fallback | error | canceled
	PromptChars  int       `json:"prompt_chars"`
	ReplyChars   int       `json:"reply_chars"`
	HistoryLen   int       `json:"history_len"`
	WithDocument bool      `json:"with_document"`
	LatencyMs    int64     `json:"latency_ms"`
	StartedAt    time.Time `json:"started_at"`
}
