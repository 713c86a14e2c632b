package dispatcher

import (
	"strings"
	"unicode/utf8"

	"github.com/example/visual-orchestrator/internal/backend"
	"github.com/example/visual-orchestrator/internal/models"
)

// Selector picks the backend for a task that has none yet.
type Selector interface {
	Select(t models.Task) string
}

// DefaultSelector sends edits and elaborate requests to the durable backend
// and everything else to the fast one.
type DefaultSelector struct {
	MaxFastEntities int
	MaxFastPrompt   int
}

func NewDefaultSelector() DefaultSelector {
	return DefaultSelector{MaxFastEntities: 2, MaxFastPrompt: 280}
}

func (s DefaultSelector) Select(t models.Task) string {
	if t.Intent == models.IntentEditVisual {
		return backend.DurableName
	}
	n := 0
	for k, v := range t.Entities {
		if k != models.EntityInputAsset && strings.TrimSpace(v) != "" {
			n++
		}
	}
	if n > s.MaxFastEntities || utf8.RuneCountInString(t.Prompt) > s.MaxFastPrompt {
		return backend.DurableName
	}
	return backend.FastName
}
