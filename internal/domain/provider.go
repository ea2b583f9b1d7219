package domain

import "context"

// Endpoint roles used on the wire.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Provider is a remote text-generation endpoint.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

// Part is one text fragment of a turn.
type Part struct {
	Text string `json:"text"`
}

// Turn is one entry of the conversation history sent to the endpoint.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextTurn builds a single-part turn.
func TextTurn(role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

type GenerateRequest struct {
	Contents []Turn `json:"contents"`
	Model    string `json:"-"`
}

// GenerateResponse holds the endpoint's first candidate text. Text is empty
// when the endpoint answered without any usable candidate.
type GenerateResponse struct {
	Text         string
	FinishReason string
	LatencyMs    int64
}
