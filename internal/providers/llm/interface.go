package llm

import (
	"context"
)

// Client is the minimal interface the intent classifier needs from a
// language model. Implementations return the raw model text.
type Client interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
