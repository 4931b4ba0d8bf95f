package providers

import (
	"context"
	"time"
)

type Message struct {
	Role    string
	Content string
}

type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// Temperature of zero leaves the provider default in place.
	Temperature float64
	// JSONMode asks for machine-parseable output where the protocol supports it.
	JSONMode bool
	Timeout  time.Duration
}

// Adapter turns one provider's wire protocol into a fragment Stream.
type Adapter interface {
	Stream(ctx context.Context, req StreamRequest) (*Stream, error)
}
