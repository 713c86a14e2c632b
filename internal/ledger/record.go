package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/store"
)

// SchemaVersion is written into every record. Records without it, or with
// an older value, go through the legacy decoder.
const SchemaVersion = 2

// PersistedTaskRecord is the encoding of a Task inside an entry's metadata,
// under models.RecordKey.
type PersistedTaskRecord struct {
	SchemaVersion int `json:"schema_version"`
	models.Task
}

type RecordStatus int

const (
	// RecordAbsent means the entry carries no task record.
	RecordAbsent RecordStatus = iota
	RecordOK
	// RecordDegraded means the record was partial or legacy-shaped and has
	// been mapped onto a safe state.
	RecordDegraded
)

// EncodeRecord sets the task record on top of the entry's existing metadata,
// leaving unrelated keys alone.
func EncodeRecord(prev json.RawMessage, t models.Task) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(prev) > 0 && gjson.ValidBytes(prev) && gjson.ParseBytes(prev).IsObject() {
		if err := json.Unmarshal(prev, &fields); err != nil {
			return nil, fmt.Errorf("decode existing metadata: %w", err)
		}
	}
	rec, err := json.Marshal(PersistedTaskRecord{SchemaVersion: SchemaVersion, Task: t})
	if err != nil {
		return nil, fmt.Errorf("encode task record: %w", err)
	}
	fields[models.RecordKey] = rec
	return json.Marshal(fields)
}

// DecodeRecord reads the task record of an entry, if any.
func DecodeRecord(e store.Entry) (models.Task, RecordStatus) {
	if len(e.Metadata) == 0 || !gjson.ValidBytes(e.Metadata) {
		return models.Task{}, RecordAbsent
	}
	raw := gjson.GetBytes(e.Metadata, models.RecordKey)
	if !raw.IsObject() {
		return models.Task{}, RecordAbsent
	}
	if raw.Get("schema_version").Int() == SchemaVersion {
		var rec PersistedTaskRecord
		if err := json.Unmarshal([]byte(raw.Raw), &rec); err == nil {
			if rec.ConversationID == "" {
				rec.ConversationID = e.ConversationID
			}
			if complete(rec.Task) {
				return rec.Task, RecordOK
			}
		}
	}
	return degrade(e, raw), RecordDegraded
}

func complete(t models.Task) bool {
	if t.ID == "" || !t.State.Valid() || t.CreatedAt.IsZero() {
		return false
	}
	if _, ok := models.ParseIntent(string(t.Intent)); !ok {
		return false
	}
	switch t.State {
	case models.StateSucceeded:
		return t.Result != nil && t.Result.SourceID != "" && t.Result.AssetURL != ""
	case models.StateFailed:
		return t.Error != nil && t.Error.Code != ""
	}
	return true
}

// degrade salvages what it can from an old or partial record. Finished
// history (a succeeded result or a cancellation) is kept; everything else
// becomes Failed with a retryable needs_retry error.
func degrade(e store.Entry, raw gjson.Result) models.Task {
	t := models.Task{
		ID:             firstString(raw, "id", "task_id", "taskId"),
		ConversationID: firstString(raw, "conversation_id", "conversationId"),
		OwnerID:        firstString(raw, "owner_id", "ownerId"),
		Prompt:         firstString(raw, "prompt", "utterance"),
		Confidence:     raw.Get("confidence").Float(),
		ChosenBackend:  firstString(raw, "chosen_backend", "chosenBackend"),
		RequestKey:     firstString(raw, "request_key", "requestKey"),
		Attempts:       int(first(raw, "attempts", "attempt_count", "attemptCount").Int()),
		Entities:       models.Entities{},
	}
	if t.ID == "" {
		t.ID = e.ID
	}
	if t.ConversationID == "" {
		t.ConversationID = e.ConversationID
	}
	t.Intent, _ = models.ParseIntent(firstString(raw, "intent"))
	first(raw, "entities").ForEach(func(k, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" && v.Type != gjson.JSON {
			t.Entities[k.String()] = s
		}
		return true
	})
	t.CreatedAt = parseTime(firstString(raw, "created_at", "createdAt"), e.CreatedAt)
	t.UpdatedAt = parseTime(firstString(raw, "updated_at", "updatedAt"), t.CreatedAt)

	prev := models.State(strings.ToLower(firstString(raw, "state", "status")))
	res := first(raw, "result")
	asset := firstString(res, "asset_url", "assetUrl")
	source := firstString(res, "source_id", "sourceId")
	switch {
	case prev == models.StateSucceeded && asset != "" && source != "":
		t.State = models.StateSucceeded
		t.Result = &models.Result{AssetURL: asset, SourceID: source, Title: firstString(res, "title")}
		return t
	case prev == models.StateCancelled:
		t.State = models.StateCancelled
		return t
	}
	t.State = models.StateFailed
	t.Error = models.NewError(models.CodeNeedsRetry, "task record could not be restored")
	from := models.State("")
	if prev.Valid() {
		from = prev
	}
	t.History = append(t.History, models.Transition{From: from, To: models.StateFailed, At: t.UpdatedAt, Reason: "legacy record"})
	return t
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, paths ...string) string {
	return strings.TrimSpace(first(r, paths...).String())
}

func parseTime(s string, def time.Time) time.Time {
	if s == "" {
		return def
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	return def
}
