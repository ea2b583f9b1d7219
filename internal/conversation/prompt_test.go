package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"genaichat/internal/domain"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "Hello **world**!", "Hello world!"},
		{"heading and quote", "## Title\n> quoted", "Title\n quoted"},
		{"list markers", "- one\n+ two\n* three", "one\n two\n three"},
		{"code and strike", "use `go test` not ~~make~~", "use go test not make"},
		{"underscores", "snake_case_name", "snakecasename"},
		{"trims", "  \n plain \t", "plain"},
		{"hyphenated words lose hyphen", "well-known", "wellknown"},
		{"only markup", "***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_FallbackIsUnchanged(t *testing.T) {
	assert.Equal(t, FallbackReply, Sanitize(FallbackReply))
}

func TestAugmentPrompt(t *testing.T) {
	assert.Equal(t, "Summarize", AugmentPrompt("Summarize", ""))
	assert.Equal(t, "Summarize\n\n(PDF Content Below)\n\nAlpha\nBeta", AugmentPrompt("Summarize", "\nAlpha\nBeta"))
}

func TestHistoryTurns_SkipsDocumentsAndMapsRoles(t *testing.T) {
	msgs := []domain.Message{
		{ID: 1, Sender: domain.SenderDocument, Content: DocumentLabel("a.pdf")},
		{ID: 2, Sender: domain.SenderUser, Content: "hi"},
		{ID: 3, Sender: domain.SenderAssistant, Content: "hello"},
		{ID: 4, Sender: domain.SenderDocument, Content: DocumentLabel("b.pdf")},
		{ID: 5, Sender: domain.SenderUser, Content: "again"},
	}

	turns := HistoryTurns(msgs)

	assert.Equal(t, []domain.Turn{
		domain.TextTurn(domain.RoleUser, "hi"),
		domain.TextTurn(domain.RoleModel, "hello"),
		domain.TextTurn(domain.RoleUser, "again"),
	}, turns)
}

func TestHistoryTurns_Empty(t *testing.T) {
	assert.Empty(t, HistoryTurns(nil))
}
