package api

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/example/visual-orchestrator/internal/models"
)

// ParseInput resolves the "input" field of an utterance request. Plain
// strings, the structured request form and the older {"params": {...}}
// shape are accepted.
func ParseInput(raw gjson.Result) (models.Input, error) {
	switch {
	case !raw.Exists():
		return nil, models.NewError(models.CodeValidation, "input is required")
	case raw.Type == gjson.String:
		return models.StringInput{Text: raw.String()}, nil
	case !raw.IsObject():
		return nil, models.NewError(models.CodeValidation, "input must be a string or an object")
	}

	if params := raw.Get("params"); params.Exists() {
		if !params.IsObject() {
			return nil, models.NewError(models.CodeValidation, "input.params must be an object")
		}
		m, _ := params.Value().(map[string]any)
		return models.LegacyParamsInput{Params: m}, nil
	}

	var form models.FormInput
	if err := json.Unmarshal([]byte(raw.Raw), &form); err != nil {
		return nil, models.NewError(models.CodeValidation, "malformed input form: %v", err)
	}
	if strings.TrimSpace(form.Prompt) == "" && strings.TrimSpace(form.Subject) == "" {
		return nil, models.NewError(models.CodeValidation, "input form needs a prompt or a subject")
	}
	return form, nil
}
