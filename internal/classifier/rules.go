package classifier

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/example/visual-orchestrator/internal/models"
)

// RuleClassifier is a deterministic keyword classifier for German and English
// requests. It runs without any language model.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

var (
	createVerbs = set("erstelle", "erstell", "erstellen", "generiere", "generier", "generieren", "kreiere",
		"create", "generate", "design")
	// Verbs that only ever mean producing a picture.
	visualVerbs = set("zeichne", "zeichnen", "male", "malen", "illustriere",
		"draw", "paint", "illustrate", "render", "sketch")
	editVerbs = set("ändere", "änder", "ändern", "färbe", "entferne", "ersetze", "tausche", "verändere", "bearbeite",
		"change", "edit", "replace", "remove", "recolor", "modify", "swap")
	// "mach den Hintergrund blau" edits, "mach ein Bild" creates.
	ambiguousVerbs = set("mache", "mach", "machen", "make", "füge", "add", "turn")
	imageNouns     = set("bild", "bilder", "foto", "fotos", "grafik", "illustration", "zeichnung", "poster",
		"image", "images", "picture", "pictures", "photo", "photos", "drawing", "graphic")
	editTargets = set("hintergrund", "vordergrund", "himmel", "farbe", "farben", "hintergrundfarbe",
		"background", "foreground", "sky", "color", "colour", "colors")

	styles = map[string]string{
		"aquarell": "watercolor", "watercolor": "watercolor",
		"cartoon": "cartoon", "comic": "cartoon", "comicstil": "cartoon",
		"realistisch": "realistic", "fotorealistisch": "realistic", "realistic": "realistic", "photorealistic": "realistic",
		"skizze": "sketch", "bleistift": "sketch", "pencil": "sketch",
		"pixel": "pixel-art", "pixelart": "pixel-art",
		"3d": "3d",
	}
	colors = map[string]string{
		"blau": "blue", "blue": "blue", "rot": "red", "red": "red", "grün": "green", "green": "green",
		"gelb": "yellow", "yellow": "yellow", "schwarz": "black", "black": "black", "weiß": "white", "weiss": "white",
		"white": "white", "orange": "orange", "lila": "purple", "violett": "purple", "purple": "purple",
		"rosa": "pink", "pink": "pink", "braun": "brown", "brown": "brown", "grau": "gray", "gray": "gray", "grey": "gray",
	}

	subjectRe = regexp.MustCompile(`(?i)\b(?:bild|foto|grafik|illustration|zeichnung|poster|image|picture|photo|drawing|graphic)\s+(?:von|vom|mit|of|with|showing)\s+(.+)$`)
	ageRe     = regexp.MustCompile(`(?i)(\d{1,2})\s*[-–]?\s*(?:jährige|jährigen|jahre|year[- ]?olds?|years)`)
	gradeRe   = regexp.MustCompile(`(?i)(?:(\d{1,2})\.\s*klasse|klasse\s*(\d{1,2})|grade\s*(\d{1,2}))`)
	articles  = set("ein", "eine", "einen", "einem", "einer", "der", "die", "das", "dem", "den", "a", "an", "the", "some")
	stopAfter = set("für", "im", "in", "als", "for", "as", "bitte", "please")
)

func (r *RuleClassifier) Classify(ctx context.Context, utterance string, recent ConversationSnippet) models.ClassificationResult {
	words := tokenize(utterance)
	if len(words) == 0 {
		return models.Unknown()
	}
	var create, visual, edit, amb, noun, target bool
	for _, w := range words {
		create = create || createVerbs[w]
		visual = visual || visualVerbs[w]
		edit = edit || editVerbs[w]
		amb = amb || ambiguousVerbs[w]
		noun = noun || imageNouns[w]
		target = target || editTargets[w]
	}
	asset := recent.LatestAsset()
	entities := extractEntities(utterance, words)

	res := models.ClassificationResult{Intent: models.IntentUnknown, Entities: entities}
	switch {
	case edit && (target || noun), amb && target && !noun:
		res.Intent = models.IntentEditVisual
		switch {
		case asset == nil:
			res.Confidence = 0.6
		case noun:
			res.Confidence = 0.92
		default:
			res.Confidence = 0.75
		}
	case edit && asset != nil:
		res.Intent = models.IntentEditVisual
		res.Confidence = 0.5
	case (create || amb || visual) && noun:
		res.Intent = models.IntentCreateVisual
		res.Confidence = 0.95
	case visual && len(words) > 1:
		res.Intent = models.IntentCreateVisual
		res.Confidence = 0.9
		if entities[models.EntitySubject] == "" {
			entities[models.EntitySubject] = subjectAfterVerb(words)
		}
	case noun && entities[models.EntitySubject] != "":
		res.Intent = models.IntentCreateVisual
		res.Confidence = 0.7
	}
	if res.Intent == models.IntentEditVisual && asset != nil {
		res.Entities[models.EntityInputAsset] = asset.ID
	}
	return res.Normalize()
}

func extractEntities(utterance string, words []string) models.Entities {
	out := models.Entities{}
	if m := subjectRe.FindStringSubmatch(strings.TrimSpace(utterance)); m != nil {
		if s := trimSubject(tokenizeKeepCase(m[1])); s != "" {
			out[models.EntitySubject] = s
		}
	}
	for _, w := range words {
		if s, ok := styles[w]; ok && out[models.EntityStyle] == "" {
			out[models.EntityStyle] = s
		}
		if c, ok := colors[w]; ok && out[models.EntityColor] == "" {
			out[models.EntityColor] = c
		}
	}
	switch {
	case ageRe.MatchString(utterance):
		out[models.EntityTargetAgeGroup] = ageRe.FindStringSubmatch(utterance)[1]
	case gradeRe.MatchString(utterance):
		m := gradeRe.FindStringSubmatch(utterance)
		for _, g := range m[1:] {
			if g != "" {
				out[models.EntityTargetAgeGroup] = "grade-" + g
				break
			}
		}
	default:
		for _, w := range words {
			switch w {
			case "kinder", "children", "kids":
				out[models.EntityTargetAgeGroup] = "children"
			case "grundschule", "grundschüler", "primary":
				out[models.EntityTargetAgeGroup] = "primary"
			}
		}
	}
	return out
}

// subjectAfterVerb takes the words after the first visual verb, skipping
// articles: "zeichne einen Löwen" -> "löwen".
func subjectAfterVerb(words []string) string {
	for i, w := range words {
		if visualVerbs[w] {
			return trimSubject(words[i+1:])
		}
	}
	return ""
}

func trimSubject(words []string) string {
	var out []string
	for _, w := range words {
		lw := strings.ToLower(w)
		if len(out) == 0 && articles[lw] {
			continue
		}
		if stopAfter[lw] || styles[lw] != "" {
			break
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func tokenize(s string) []string {
	return tokenizeKeepCase(strings.ToLower(s))
}

func tokenizeKeepCase(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
