package classifier

import (
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/store"
)

// AssetRef points at an image asset mentioned earlier in the conversation.
type AssetRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type SnippetEntry struct {
	Role   string     `json:"role"`
	Text   string     `json:"text"`
	Assets []AssetRef `json:"assets,omitempty"`
}

// ConversationSnippet is the recent context handed to the classifier.
type ConversationSnippet struct {
	Entries []SnippetEntry `json:"entries"`
}

// LatestAsset returns the most recently referenced asset, or nil.
func (s ConversationSnippet) LatestAsset() *AssetRef {
	for i := len(s.Entries) - 1; i >= 0; i-- {
		a := s.Entries[i].Assets
		if len(a) > 0 {
			ref := a[len(a)-1]
			return &ref
		}
	}
	return nil
}

// BuildSnippet turns the tail of a conversation log into a snippet. Rich-text
// content is flattened and <img> references are collected; succeeded task
// records contribute their result asset.
func BuildSnippet(entries []store.Entry, limit int) ConversationSnippet {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := ConversationSnippet{Entries: make([]SnippetEntry, 0, len(entries))}
	for _, e := range entries {
		text, assets := parseContent(e.Content)
		if ref, ok := recordAsset(e.Metadata); ok {
			assets = append(assets, ref)
		}
		if text == "" && len(assets) == 0 {
			continue
		}
		out.Entries = append(out.Entries, SnippetEntry{Role: string(e.Role), Text: text, Assets: assets})
	}
	return out
}

func recordAsset(meta []byte) (AssetRef, bool) {
	if len(meta) == 0 {
		return AssetRef{}, false
	}
	rec := gjson.GetBytes(meta, models.RecordKey)
	if rec.Get("state").String() != string(models.StateSucceeded) {
		return AssetRef{}, false
	}
	id := rec.Get("result.source_id").String()
	if id == "" {
		return AssetRef{}, false
	}
	return AssetRef{ID: id, URL: rec.Get("result.asset_url").String()}, true
}

func parseContent(content string) (string, []AssetRef) {
	if !strings.Contains(content, "<") {
		return strings.TrimSpace(content), nil
	}
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content), nil
	}
	var (
		b      strings.Builder
		assets []AssetRef
	)
	var walk func(n *html.Node, hidden bool)
	walk = func(n *html.Node, hidden bool) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript":
				hidden = true
			case "br", "p", "div", "li":
				b.WriteString(" ")
			case "img":
				if ref, ok := imgRef(n); ok {
					assets = append(assets, ref)
				}
			}
		}
		if !hidden && n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, hidden)
		}
	}
	walk(root, false)
	return strings.Join(strings.Fields(b.String()), " "), assets
}

func imgRef(n *html.Node) (AssetRef, bool) {
	var ref AssetRef
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "src":
			ref.URL = strings.TrimSpace(a.Val)
		case "data-asset-id":
			ref.ID = strings.TrimSpace(a.Val)
		}
	}
	if ref.ID == "" {
		ref.ID = ref.URL
	}
	return ref, ref.ID != ""
}
