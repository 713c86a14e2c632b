// Package override lets a person replace the suggested intent of a task
// before it runs.
package override

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/ledger"
	"github.com/example/visual-orchestrator/internal/models"
)

type Advancer interface {
	Advance(ctx context.Context, taskID string, ev ledger.Event) (models.Task, error)
}

type Channel struct {
	ledger Advancer
	log    *zap.Logger
}

func New(l Advancer, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{ledger: l, log: log.Named("override")}
}

// Override sets the intent of a Suggested task and confirms it in the same
// write. Entities are kept as extracted.
func (c *Channel) Override(ctx context.Context, taskID string, intent models.Intent) (models.Task, error) {
	if !intent.Actionable() {
		return models.Task{}, models.NewError(models.CodeValidation, "intent %q cannot be chosen", intent)
	}
	t, err := c.ledger.Advance(ctx, taskID, ledger.Event{Kind: ledger.EventOverride, Intent: intent})
	if err != nil {
		return t, err
	}
	c.log.Info("intent overridden",
		zap.String("task_id", t.ID),
		zap.String("intent", string(intent)),
		zap.Float64("confidence", t.Confidence))
	return t, nil
}
