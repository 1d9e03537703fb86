// Package markup restricts user text to a small set of inline tags before
// it is broadcast to a room.
//
// Sanitize is a token scan, not an HTML parser: each tag-shaped substring
// is judged on its own. Allowed tags may come out unbalanced or badly
// nested; disallowed tags never come out in executable form.
package markup

import (
	"regexp"
	"strings"
)

var (
	tagPattern  = regexp.MustCompile(`(?i)</?([a-z][a-z0-9]*)\b[^>]*>`)
	hrefPattern = regexp.MustCompile(`(?i)href=["']([^"']*)["']`)

	allowed = map[string]bool{
		"b": true,
		"i": true,
		"a": true,
	}

	escaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")
)

// Sanitize keeps <b>, <i> and <a> tags and escapes every other tag. Opening
// <a> tags are rebuilt to carry only the author's href (or "#") plus
// target="_blank" rel="noopener noreferrer". <b> and <i> are kept as
// written, attributes included.
func Sanitize(raw string) string {
	return tagPattern.ReplaceAllStringFunc(raw, func(tag string) string {
		name := strings.ToLower(tagPattern.FindStringSubmatch(tag)[1])
		if !allowed[name] {
			return escaper.Replace(tag)
		}
		if name == "a" && !strings.HasPrefix(tag, "</") {
			return anchor(tag)
		}
		return tag
	})
}

func anchor(tag string) string {
	href := "#"
	if m := hrefPattern.FindStringSubmatch(tag); m != nil {
		href = m[1]
	}
	return `<a href="` + href + `" target="_blank" rel="noopener noreferrer">`
}
