package argextract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"parley/internal/domain"
)

// maxTitleRunes bounds titles derived from free text.
const maxTitleRunes = 50

var (
	contentNames  = nameSet("content", "text", "body", "description", "message")
	titleNames    = nameSet("title", "subject", "heading", "name")
	mediaNames    = nameSet("image", "images", "photo", "photos", "file", "files", "media", "attachment", "attachments")
	tagNames      = nameSet("tag", "tags", "category", "categories")
	queryNames    = nameSet("query", "keyword", "keywords", "search", "q")
	quantityNames = nameSet("id", "count", "num", "amount", "quantity", "number")

	numberRe  = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_-]+)`)
	tagLineRe = regexp.MustCompile(`标签[:：]\s*([^\n]+)`)
	tagSepRe  = regexp.MustCompile(`[,，、;；\s]+`)
)

func nameSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// ByRules derives arguments from text and media using parameter name and type
// heuristics. Each required parameter takes the first matching rule; optional
// parameters are only filled from their defaults.
func ByRules(spec *domain.ParamSpec, text string, media []domain.MediaRef) map[string]any {
	args := make(map[string]any, len(spec.Properties))

	required := append([]string(nil), spec.Required...)
	sort.Strings(required)
	for _, name := range required {
		p := spec.Properties[name]
		if p == nil {
			p = &domain.ParamSpec{Type: "string"}
		}
		v := ruleValue(name, p, text, media)
		if v == nil && p.HasDefault {
			v = p.Default
		}
		args[name] = v
	}
	return fillDefaults(spec, args)
}

func ruleValue(name string, p *domain.ParamSpec, text string, media []domain.MediaRef) any {
	head := headWord(name)
	textual := p.Type != "integer" && p.Type != "number" && p.Type != "boolean"

	switch {
	case textual && contentNames[head]:
		return text
	case textual && titleNames[head]:
		return deriveTitle(text)
	case mediaNames[head]:
		return mediaValue(p, media)
	case tagNames[head]:
		return tagValue(p, text)
	case textual && queryNames[head]:
		return text
	case quantityNames[head] || p.Type == "integer" || p.Type == "number":
		return firstNumber(text)
	case p.Type == "boolean":
		if p.HasDefault {
			return p.Default
		}
		return true
	}

	if p.HasDefault {
		return p.Default
	}
	if p.Type == "string" || p.Type == "" {
		return text
	}
	return nil
}

// headWord returns the last lower-cased word of a snake, kebab or camel case
// name: "user_id" and "userId" both yield "id".
func headWord(name string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
			continue
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

func deriveTitle(text string) string {
	line := strings.TrimSpace(text)
	for _, l := range strings.Split(line, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return line
}

func mediaValue(p *domain.ParamSpec, media []domain.MediaRef) any {
	urls := make([]any, 0, len(media))
	for _, m := range media {
		if m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	if p.Type == "array" {
		return urls
	}
	if len(urls) == 0 {
		return nil
	}
	return urls[0]
}

func tagValue(p *domain.ParamSpec, text string) any {
	tags := extractTags(text)
	if len(tags) == 0 {
		return nil
	}
	if p.Type == "array" {
		out := make([]any, len(tags))
		for i, t := range tags {
			out[i] = t
		}
		return out
	}
	return strings.Join(tags, ",")
}

// extractTags collects #hashtags and entries of a "标签:" line, in order of
// appearance and without duplicates.
func extractTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(t string) {
		t = strings.TrimSpace(strings.TrimPrefix(t, "#"))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range tagLineRe.FindAllStringSubmatch(text, -1) {
		for _, t := range tagSepRe.Split(m[1], -1) {
			add(t)
		}
	}
	return tags
}

// firstNumber returns the first numeric token of text as an int when it has
// no fractional part, otherwise as a float64. Nil when there is none.
func firstNumber(text string) any {
	tok := numberRe.FindString(text)
	if tok == "" {
		return nil
	}
	if !strings.Contains(tok, ".") {
		if n, err := strconv.Atoi(tok); err == nil {
			return n
		}
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil
	}
	return f
}
