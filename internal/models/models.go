package models

import (
	"math"
	"strings"
	"time"
)

type Intent string

const (
	IntentCreateVisual Intent = "create_visual"
	IntentEditVisual   Intent = "edit_visual"
	IntentUnknown      Intent = "unknown"
)

// ParseIntent accepts the wire names as well as the CamelCase and short forms
// that language models tend to answer with.
func ParseIntent(s string) (Intent, bool) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("-", "", "_", "", " ", "").Replace(k)
	switch k {
	case "createvisual", "create", "createimage", "generate":
		return IntentCreateVisual, true
	case "editvisual", "edit", "editimage", "modify":
		return IntentEditVisual, true
	case "unknown", "none", "other", "":
		return IntentUnknown, true
	}
	return IntentUnknown, false
}

func (i Intent) Actionable() bool {
	return i == IntentCreateVisual || i == IntentEditVisual
}

type State string

const (
	StateSuggested State = "suggested"
	StateConfirmed State = "confirmed"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the pipeline is done with the task for now.
// Failed tasks may still re-enter through an explicit retry.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StateSuggested, StateConfirmed, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Well-known entity slots. All of them are optional.
const (
	EntitySubject        = "subject"
	EntityStyle          = "style"
	EntityTargetAgeGroup = "target_age_group"
	EntityColor          = "color"
	EntityInputAsset     = "input_asset_id"
	EntityPrompt         = "prompt"
)

type Entities map[string]string

func (e Entities) Clone() Entities {
	if e == nil {
		return Entities{}
	}
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Merge copies non-empty values from other, overwriting existing slots.
func (e Entities) Merge(other Entities) Entities {
	out := e.Clone()
	for k, v := range other {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

type ClassificationResult struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   Entities `json:"entities,omitempty"`
}

// Normalize enforces the Unknown => 0 rule and clamps confidence to [0,1].
// A confidence that is not a finite number makes the result Unknown.
func (c ClassificationResult) Normalize() ClassificationResult {
	if c.Entities == nil {
		c.Entities = Entities{}
	}
	if !c.Intent.Actionable() || math.IsNaN(c.Confidence) || math.IsInf(c.Confidence, 0) {
		c.Intent = IntentUnknown
		c.Confidence = 0
		return c
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}

func Unknown() ClassificationResult {
	return ClassificationResult{Intent: IntentUnknown, Entities: Entities{}}
}

// Result is the backend-agnostic outcome of a succeeded task.
type Result struct {
	AssetURL   string         `json:"asset_url"`
	Title      string         `json:"title,omitempty"`
	SourceID   string         `json:"source_id"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type Task struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	OwnerID        string       `json:"owner_id"`
	Prompt         string       `json:"prompt"`
	Intent         Intent       `json:"intent"`
	Confidence     float64      `json:"confidence"`
	Entities       Entities     `json:"entities,omitempty"`
	State          State        `json:"state"`
	ChosenBackend  string       `json:"chosen_backend,omitempty"`
	Result         *Result      `json:"result,omitempty"`
	Error          *TaskError   `json:"error,omitempty"`
	Attempts       int          `json:"attempts"`
	RequestKey     string       `json:"request_key,omitempty"`
	History        []Transition `json:"history,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (t Task) InputAssetID() string {
	return t.Entities[EntityInputAsset]
}

// Clone returns a copy that shares no maps or slices with t.
func (t Task) Clone() Task {
	out := t
	out.Entities = t.Entities.Clone()
	if t.Result != nil {
		r := *t.Result
		if t.Result.Extensions != nil {
			r.Extensions = make(map[string]any, len(t.Result.Extensions))
			for k, v := range t.Result.Extensions {
				r.Extensions[k] = v
			}
		}
		out.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	out.History = append([]Transition(nil), t.History...)
	return out
}

// RecordKey is the metadata field of a conversation entry that holds the
// persisted task record.
const RecordKey = "task_record"
