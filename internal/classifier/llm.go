package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/providers/llm"
)

type Options struct {
	// Timeout bounds a single model call. Zero means no extra deadline.
	Timeout time.Duration
	// ContextLimit caps how many snippet entries go into the prompt.
	ContextLimit int
}

// LLMClassifier asks a language model for a JSON verdict. Any failure
// (transport, deadline, unparsable output) degrades to Unknown.
type LLMClassifier struct {
	client llm.Client
	opts   Options
	log    *zap.Logger
}

func NewLLMClassifier(client llm.Client, opts Options, log *zap.Logger) *LLMClassifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMClassifier{client: client, opts: opts, log: log.Named("classifier")}
}

func (c *LLMClassifier) Classify(ctx context.Context, utterance string, recent ConversationSnippet) models.ClassificationResult {
	if strings.TrimSpace(utterance) == "" {
		return models.Unknown()
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	raw, err := c.client.GenerateText(ctx, buildPrompt(utterance, recent, c.opts.ContextLimit))
	if err != nil {
		c.log.Warn("classification unavailable",
			zap.String("code", string(models.CodeClassificationUnavailable)), zap.Error(err))
		return models.Unknown()
	}
	res, ok := parseVerdict(raw)
	if !ok {
		c.log.Warn("classification unavailable",
			zap.String("code", string(models.CodeClassificationUnavailable)),
			zap.String("reason", "unparsable model output"), zap.Int("raw_len", len(raw)))
		return models.Unknown()
	}
	if res.Intent == models.IntentEditVisual && res.Entities[models.EntityInputAsset] == "" {
		if a := recent.LatestAsset(); a != nil {
			res.Entities[models.EntityInputAsset] = a.ID
		}
	}
	return res
}

func buildPrompt(utterance string, recent ConversationSnippet, limit int) string {
	entries := recent.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	var ctx strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&ctx, "- %s: %s", e.Role, e.Text)
		for _, a := range e.Assets {
			fmt.Fprintf(&ctx, " [asset %s]", a.ID)
		}
		ctx.WriteString("\n")
	}
	if ctx.Len() == 0 {
		ctx.WriteString("(none)\n")
	}
	return fmt.Sprintf(`You classify chat messages for a teaching assistant that can create and edit images.
Output ONLY one JSON object, no prose, no code fences.

Intents:
- create_visual: the user wants a new image, illustration or drawing.
- edit_visual: the user wants to change an image that already exists in the conversation.
- unknown: anything else.

Schema: {"intent": "create_visual"|"edit_visual"|"unknown", "confidence": number between 0 and 1,
"entities": {"subject": string, "style": string, "target_age_group": string, "color": string, "input_asset_id": string}}
Leave out entities you cannot find. Use confidence 0 for unknown.

Recent conversation:
%sMessage: %s`, ctx.String(), utterance)
}

// parseVerdict reads the model answer with gjson so that extra fields,
// numeric strings and wrapper objects do not break parsing.
func parseVerdict(raw string) (models.ClassificationResult, bool) {
	text := normalizeJSONText(raw)
	if !gjson.Valid(text) {
		return models.ClassificationResult{}, false
	}
	root := gjson.Parse(text)
	if v := root.Get("classification"); v.IsObject() {
		root = v
	}
	iv := root.Get("intent")
	if !iv.Exists() {
		return models.ClassificationResult{}, false
	}
	intent, ok := models.ParseIntent(iv.String())
	if !ok {
		return models.ClassificationResult{}, false
	}
	out := models.ClassificationResult{Intent: intent, Confidence: root.Get("confidence").Float(), Entities: models.Entities{}}
	root.Get("entities").ForEach(func(k, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" && v.Type != gjson.JSON {
			out.Entities[k.String()] = s
		}
		return true
	})
	return out.Normalize(), true
}

func normalizeJSONText(s string) string {
	t := strings.TrimSpace(s)
	// Strip code fences like ```json ... ```
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	if !strings.HasPrefix(t, "{") {
		if obj := extractJSONObject(t); obj != "" {
			return obj
		}
	}
	return t
}

// extractJSONObject returns the first balanced {...} in s, ignoring braces
// inside string literals.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth, inStr, esc := 0, false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			esc = false
		case inStr && ch == '\\':
			esc = true
		case ch == '"':
			inStr = !inStr
		case inStr:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
