// Package gate turns a classification into a decision: run it, ask the user,
// or treat the message as ordinary conversation.
package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/ledger"
	"github.com/example/visual-orchestrator/internal/models"
)

type Kind string

const (
	AutoConfirm Kind = "auto_confirm"
	AskOverride Kind = "ask_override"
	Ignore      Kind = "ignore"
)

// Tier is a presentation hint only; routing uses the auto-confirm threshold.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

func (t Tier) Color() string {
	switch t {
	case TierHigh:
		return "green"
	case TierMedium:
		return "yellow"
	}
	return "red"
}

type Thresholds struct {
	AutoConfirm float64
	MediumTier  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{AutoConfirm: 0.9, MediumTier: 0.7}
}

func (th Thresholds) Tier(confidence float64) Tier {
	switch {
	case confidence >= th.AutoConfirm:
		return TierHigh
	case confidence >= th.MediumTier:
		return TierMedium
	}
	return TierLow
}

// Scope carries what the gate needs to know about the utterance besides its
// classification.
type Scope struct {
	ConversationID string
	OwnerID        string
	Prompt         string
	RequestKey     string
}

type Decision struct {
	Kind            Kind          `json:"kind"`
	Task            *models.Task  `json:"task,omitempty"`
	SuggestedIntent models.Intent `json:"suggested_intent,omitempty"`
	Confidence      float64       `json:"confidence"`
	Tier            Tier          `json:"tier,omitempty"`
	Color           string        `json:"color,omitempty"`
	// Replayed is set when the request key matched an existing task.
	Replayed bool `json:"replayed,omitempty"`
}

type Creator interface {
	Create(ctx context.Context, nt ledger.NewTask) (models.Task, bool, error)
}

type Gate struct {
	creator Creator
	th      Thresholds
	log     *zap.Logger
}

func New(creator Creator, th Thresholds, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{creator: creator, th: th, log: log.Named("gate")}
}

func (g *Gate) Thresholds() Thresholds { return g.th }

// Kind classifies a result without side effects.
func (g *Gate) Kind(res models.ClassificationResult) Kind {
	res = res.Normalize()
	switch {
	case !res.Intent.Actionable() || res.Confidence <= 0:
		return Ignore
	case res.Confidence >= g.th.AutoConfirm:
		return AutoConfirm
	}
	return AskOverride
}

// Decide creates exactly one task for AutoConfirm and AskOverride. An
// auto-confirmed task is persisted directly as Confirmed.
func (g *Gate) Decide(ctx context.Context, scope Scope, res models.ClassificationResult) (Decision, error) {
	res = res.Normalize()
	kind := g.Kind(res)
	if kind == Ignore {
		return Decision{Kind: Ignore}, nil
	}
	task, created, err := g.creator.Create(ctx, ledger.NewTask{
		ConversationID: scope.ConversationID,
		OwnerID:        scope.OwnerID,
		Prompt:         scope.Prompt,
		Classification: res,
		RequestKey:     scope.RequestKey,
		AutoConfirm:    kind == AutoConfirm,
	})
	if err != nil {
		return Decision{}, err
	}
	if !created {
		g.log.Debug("request key replayed",
			zap.String("task_id", task.ID), zap.String("request_key", scope.RequestKey))
		return g.Replay(task), nil
	}
	tier := g.th.Tier(res.Confidence)
	return Decision{
		Kind:            kind,
		Task:            &task,
		SuggestedIntent: res.Intent,
		Confidence:      res.Confidence,
		Tier:            tier,
		Color:           tier.Color(),
	}, nil
}

// Replay rebuilds the decision that originally created t.
func (g *Gate) Replay(t models.Task) Decision {
	kind := AskOverride
	if len(t.History) > 1 && t.History[1].Reason == ledger.ReasonAutoConfirm {
		kind = AutoConfirm
	}
	tier := g.th.Tier(t.Confidence)
	return Decision{
		Kind:            kind,
		Task:            &t,
		SuggestedIntent: t.Intent,
		Confidence:      t.Confidence,
		Tier:            tier,
		Color:           tier.Color(),
		Replayed:        true,
	}
}
