package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/visual-orchestrator/internal/models"
)

const DurableName = "durable"

// Job states as reported by a job runner.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ErrJobNotFound is returned by JobClient.Poll for unknown task ids.
var ErrJobNotFound = errors.New("job not found")

type JobRequest struct {
	TaskID       string            `json:"task_id"`
	Attempt      int               `json:"attempt"`
	Intent       models.Intent     `json:"intent"`
	Instruction  string            `json:"instruction"`
	Entities     map[string]string `json:"entities,omitempty"`
	InputAssetID string            `json:"input_asset_id,omitempty"`
}

type JobStatus struct {
	State string
	Error string
	Raw   json.RawMessage
}

// JobClient talks to a checkpointing job runner. Submit is idempotent per
// task id and attempt; Poll returns the latest attempt.
type JobClient interface {
	Submit(ctx context.Context, req JobRequest) error
	Poll(ctx context.Context, taskID string) (JobStatus, error)
}

// DurableAdapter submits jobs that survive restarts of this process and
// polls them to completion.
type DurableAdapter struct {
	jobs     JobClient
	interval time.Duration
	sem      *semaphore.Weighted
	log      *zap.Logger
}

func NewDurableAdapter(jobs JobClient, pollInterval time.Duration, maxConcurrent int64, log *zap.Logger) *DurableAdapter {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DurableAdapter{
		jobs:     jobs,
		interval: pollInterval,
		sem:      semaphore.NewWeighted(maxConcurrent),
		log:      log.Named("backend.durable"),
	}
}

func (a *DurableAdapter) Name() string { return DurableName }

func (a *DurableAdapter) Validate(p Params) error {
	return validateCommon(p)
}

func (a *DurableAdapter) Execute(ctx context.Context, t models.Task) (json.RawMessage, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.sem.Release(1)

	p := ParamsOf(t)
	req := JobRequest{
		TaskID:       t.ID,
		Attempt:      t.Attempts,
		Intent:       t.Intent,
		Instruction:  p.Describe(),
		Entities:     p.Entities,
		InputAssetID: p.InputAssetID,
	}
	if err := a.jobs.Submit(ctx, req); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	a.log.Debug("job submitted", zap.String("task_id", t.ID), zap.Int("attempt", t.Attempts))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		st, err := a.Status(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		switch st.Kind {
		case StatusSucceeded:
			return st.Raw, nil
		case StatusFailed:
			return nil, models.NewError(models.CodeBackend, "job failed: %s", st.Message)
		case StatusUnknown:
			return nil, models.NewError(models.CodeBackend, "job for task %s vanished", t.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *DurableAdapter) Status(ctx context.Context, taskID string) (Status, error) {
	js, err := a.jobs.Poll(ctx, taskID)
	if errors.Is(err, ErrJobNotFound) {
		return Status{Kind: StatusUnknown}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("poll job: %w", err)
	}
	switch js.State {
	case JobSucceeded:
		return Status{Kind: StatusSucceeded, Raw: js.Raw}, nil
	case JobFailed:
		return Status{Kind: StatusFailed, Raw: js.Raw, Message: js.Error}, nil
	case JobQueued, JobRunning:
		return Status{Kind: StatusRunning, Raw: js.Raw}, nil
	}
	return Status{Kind: StatusUnknown, Raw: js.Raw, Message: "unrecognized job state " + js.State}, nil
}

func (a *DurableAdapter) Schema() ResultSchema {
	return ResultSchema{
		AssetURL: "output.asset.url",
		Title:    "output.title",
		SourceID: "output.asset.id",
		Extensions: map[string]string{
			"job_id":       "job_id",
			"checkpoints":  "checkpoints",
			"derived_from": "output.derived_from",
		},
	}
}
