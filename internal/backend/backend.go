// Package backend defines the capability every execution backend exposes
// and the two implementations the service ships with.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/example/visual-orchestrator/internal/models"
)

// Params is the backend-facing view of a task.
type Params struct {
	TaskID       string
	Intent       models.Intent
	Prompt       string
	Entities     models.Entities
	InputAssetID string
	Attempt      int
}

func ParamsOf(t models.Task) Params {
	return Params{
		TaskID:       t.ID,
		Intent:       t.Intent,
		Prompt:       t.Prompt,
		Entities:     t.Entities.Clone(),
		InputAssetID: t.InputAssetID(),
		Attempt:      t.Attempts,
	}
}

// Describe renders the params as one instruction for a synthesis model.
func (p Params) Describe() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))
	keys := make([]string, 0, len(p.Entities))
	for k := range p.Entities {
		if k != models.EntityInputAsset && k != models.EntityPrompt {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", strings.ReplaceAll(k, "_", " "), p.Entities[k])
	}
	return strings.TrimSpace(b.String())
}

type StatusKind string

const (
	StatusRunning   StatusKind = "running"
	StatusSucceeded StatusKind = "succeeded"
	StatusFailed    StatusKind = "failed"
	// StatusUnknown means the backend has no record of the task.
	StatusUnknown StatusKind = "unknown"
)

type Status struct {
	Kind    StatusKind
	Raw     json.RawMessage
	Message string
}

// ResultSchema holds gjson paths into a backend's raw response. Extensions
// maps extension keys to paths; everything else in the response is dropped.
type ResultSchema struct {
	AssetURL   string
	Title      string
	SourceID   string
	Extensions map[string]string
}

type Adapter interface {
	Name() string
	// Validate rejects params the backend cannot run, with a validation_error.
	Validate(p Params) error
	Execute(ctx context.Context, t models.Task) (json.RawMessage, error)
	Status(ctx context.Context, taskID string) (Status, error)
	Schema() ResultSchema
}

// Set is the registry of configured adapters.
type Set struct {
	adapters map[string]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

func (s *Set) Register(a Adapter) {
	s.adapters[a.Name()] = a
}

func (s *Set) Get(name string) (Adapter, bool) {
	a, ok := s.adapters[name]
	return a, ok
}

func (s *Set) Names() []string {
	out := make([]string, 0, len(s.adapters))
	for n := range s.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func validationError(format string, args ...any) error {
	return models.NewError(models.CodeValidation, format, args...)
}

// validateCommon holds the checks both adapters share.
func validateCommon(p Params) error {
	if !p.Intent.Actionable() {
		return validationError("intent %s cannot be executed", p.Intent)
	}
	if strings.TrimSpace(p.Prompt) == "" && p.Entities[models.EntitySubject] == "" {
		return validationError("a prompt or subject is required")
	}
	if p.Intent == models.IntentEditVisual && p.InputAssetID == "" {
		return validationError("edit requests need an input asset")
	}
	return nil
}
