package conversation

import (
	"strings"

	"genaichat/internal/domain"
)

const (
	// Placeholder is shown in the assistant slot until the endpoint answers.
	Placeholder = "Typing..."
	// FallbackReply replaces a response that carries no usable text.
	FallbackReply = "Sorry, I couldn't understand that."
	// ErrorReply replaces the placeholder when the endpoint cannot be reached.
	ErrorReply = "Error contacting Gemini API. Please try again later."
	// DocumentDelimiter separates the user's text from attached document text.
	DocumentDelimiter = "\n\n(PDF Content Below)\n"
)

// DocumentLabel is the display text of a document message.
func DocumentLabel(fileName string) string {
	return "📄 Uploaded: " + fileName
}

// HistoryTurns converts displayed messages into endpoint turns. Document
// messages are presentation only and are skipped.
func HistoryTurns(msgs []domain.Message) []domain.Turn {
	turns := make([]domain.Turn, 0, len(msgs)+1)
	for _, m := range msgs {
		switch m.Sender {
		case domain.SenderUser:
			turns = append(turns, domain.TextTurn(domain.RoleUser, m.Content))
		case domain.SenderAssistant:
			turns = append(turns, domain.TextTurn(domain.RoleModel, m.Content))
		}
	}
	return turns
}

// AugmentPrompt appends document context to the outgoing user text.
func AugmentPrompt(text, documentContext string) string {
	if documentContext == "" {
		return text
	}
	return text + DocumentDelimiter + documentContext
}

// Sanitize strips markdown emphasis, heading and quote markup so plain-text
// surfaces do not show stray symbols.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "*", "")
	text = strings.Map(func(r rune) rune {
		switch r {
		case '_', '`', '~', '>', '#', '+', '-':
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
