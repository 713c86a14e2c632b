// Package classifier turns a free-text utterance into an actionable intent
// with a confidence score and best-effort entities. Classification never
// fails: anything that goes wrong degrades to Unknown with confidence 0.
package classifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/providers/llm"
)

type Classifier interface {
	Classify(ctx context.Context, utterance string, recent ConversationSnippet) models.ClassificationResult
}

// New picks the LLM classifier when a client is configured and the
// deterministic rule classifier otherwise.
func New(client llm.Client, opts Options, log *zap.Logger) Classifier {
	if client == nil {
		return NewRuleClassifier()
	}
	return NewLLMClassifier(client, opts, log)
}
