package dispatcher

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/example/visual-orchestrator/internal/backend"
	"github.com/example/visual-orchestrator/internal/models"
)

// Normalize maps a raw backend response onto the shared result shape using
// the adapter's schema. Fields not named by the schema are dropped.
func Normalize(raw json.RawMessage, schema backend.ResultSchema) (models.Result, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return models.Result{}, models.NewError(models.CodeBackend, "backend returned invalid json")
	}
	doc := gjson.ParseBytes(raw)
	res := models.Result{
		AssetURL: doc.Get(schema.AssetURL).String(),
		Title:    doc.Get(schema.Title).String(),
		SourceID: doc.Get(schema.SourceID).String(),
	}
	if res.SourceID == "" {
		return models.Result{}, models.NewError(models.CodeBackend, "backend result has no source id")
	}
	if res.AssetURL == "" {
		return models.Result{}, models.NewError(models.CodeBackend, "backend result has no asset url")
	}
	for key, path := range schema.Extensions {
		if v := doc.Get(path); v.Exists() {
			if res.Extensions == nil {
				res.Extensions = map[string]any{}
			}
			res.Extensions[key] = v.Value()
		}
	}
	return res, nil
}

// checkPreservation enforces that an execution never hands back the asset it
// was asked to edit.
func checkPreservation(t models.Task, res models.Result) error {
	in := t.InputAssetID()
	if in == "" {
		return nil
	}
	if res.SourceID == in || res.AssetURL == in {
		return &models.TaskError{
			Code:    models.CodeOriginalAssetMutationDetected,
			Message: "backend returned the input asset " + in + " instead of a new one",
		}
	}
	return nil
}
