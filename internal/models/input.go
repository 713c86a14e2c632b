package models

import (
	"fmt"
	"strings"
)

// Input is the request payload of an utterance. It is resolved once at the
// boundary into one of the variants below and never re-sniffed afterwards.
type Input interface {
	// Utterance is the free text handed to the classifier.
	Utterance() string
	// Hints are explicit entity values that win over best-effort extraction.
	Hints() Entities
	isInput()
}

type StringInput struct {
	Text string
}

func (s StringInput) Utterance() string { return strings.TrimSpace(s.Text) }
func (StringInput) Hints() Entities     { return Entities{} }
func (StringInput) isInput()            {}

// FormInput comes from the structured request form of the conversational UI.
type FormInput struct {
	Prompt         string `json:"prompt"`
	Subject        string `json:"subject,omitempty"`
	Style          string `json:"style,omitempty"`
	TargetAgeGroup string `json:"target_age_group,omitempty"`
	AssetID        string `json:"asset_id,omitempty"`
}

func (f FormInput) Utterance() string {
	if p := strings.TrimSpace(f.Prompt); p != "" {
		return p
	}
	return strings.TrimSpace(f.Subject)
}

func (f FormInput) Hints() Entities {
	return Entities{}.Merge(Entities{
		EntitySubject:        f.Subject,
		EntityStyle:          f.Style,
		EntityTargetAgeGroup: f.TargetAgeGroup,
		EntityInputAsset:     f.AssetID,
	})
}

func (FormInput) isInput() {}

// LegacyParamsInput is the older free-form {"params": {...}} request shape.
type LegacyParamsInput struct {
	Params map[string]any
}

// legacyAliases maps request keys onto entity slots. When several aliases
// of one slot are present, the first listed wins.
var legacyAliases = []struct{ key, slot string }{
	{"prompt", EntityPrompt},
	{"description", EntityPrompt},
	{"subject", EntitySubject},
	{"theme", EntitySubject},
	{"style", EntityStyle},
	{"imageStyle", EntityStyle},
	{"target_age_group", EntityTargetAgeGroup},
	{"ageGroup", EntityTargetAgeGroup},
	{"learningGroup", EntityTargetAgeGroup},
	{"asset_id", EntityInputAsset},
	{"image_id", EntityInputAsset},
	{"imageId", EntityInputAsset},
}

func (l LegacyParamsInput) Utterance() string {
	h := l.Hints()
	if p := h[EntityPrompt]; p != "" {
		return p
	}
	return h[EntitySubject]
}

func (l LegacyParamsInput) Hints() Entities {
	out := Entities{}
	for _, a := range legacyAliases {
		if _, taken := out[a.slot]; taken {
			continue
		}
		v, ok := l.Params[a.key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			out[a.slot] = s
		}
	}
	return out
}

func (LegacyParamsInput) isInput() {}
