package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/visual-orchestrator/internal/models"
)

const FastName = "fast"

// Synthesizer produces one image for a text instruction and returns the
// provider's raw response.
type Synthesizer interface {
	Generate(ctx context.Context, instruction string) (json.RawMessage, error)
}

// FastAdapter runs single-step creations synchronously. It only remembers
// results in process memory, so after a restart Status reports unknown.
type FastAdapter struct {
	synth Synthesizer
	ids   models.IDGenerator
	sem   *semaphore.Weighted
	log   *zap.Logger

	mu   sync.Mutex
	done map[string]json.RawMessage
}

func NewFastAdapter(synth Synthesizer, ids models.IDGenerator, maxConcurrent int64, log *zap.Logger) *FastAdapter {
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FastAdapter{
		synth: synth,
		ids:   ids,
		sem:   semaphore.NewWeighted(maxConcurrent),
		log:   log.Named("backend.fast"),
		done:  map[string]json.RawMessage{},
	}
}

func (a *FastAdapter) Name() string { return FastName }

func (a *FastAdapter) Validate(p Params) error {
	if err := validateCommon(p); err != nil {
		return err
	}
	if p.Intent == models.IntentEditVisual {
		return validationError("the fast backend only creates new assets")
	}
	if len(p.Describe()) > 4000 {
		return validationError("instruction too long for the fast backend")
	}
	return nil
}

func (a *FastAdapter) Execute(ctx context.Context, t models.Task) (json.RawMessage, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.sem.Release(1)

	start := time.Now()
	resp, err := a.synth.Generate(ctx, ParamsOf(t).Describe())
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	raw, err := json.Marshal(map[string]any{
		"asset_id": a.ids.NewID(),
		"task_id":  t.ID,
		"response": resp,
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.done[t.ID] = raw
	a.mu.Unlock()
	a.log.Debug("synthesized", zap.String("task_id", t.ID), zap.Duration("took", time.Since(start)))
	return raw, nil
}

func (a *FastAdapter) Status(ctx context.Context, taskID string) (Status, error) {
	a.mu.Lock()
	raw, ok := a.done[taskID]
	a.mu.Unlock()
	if !ok {
		return Status{Kind: StatusUnknown, Message: "no in-process record of the task"}, nil
	}
	return Status{Kind: StatusSucceeded, Raw: raw}, nil
}

func (a *FastAdapter) Schema() ResultSchema {
	return ResultSchema{
		AssetURL: "response.data.0.url",
		Title:    "response.data.0.revised_prompt",
		SourceID: "asset_id",
		Extensions: map[string]string{
			"created": "response.created",
			"size":    "response.size",
		},
	}
}
