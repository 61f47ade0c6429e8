package payload

import (
	"regexp"
	"strings"
)

// EscapeJS escapes s for embedding inside a single- or double-quoted JS
// string literal. Backslash goes first so later steps are not re-escaped;
// the remaining steps cover the other line terminators and keep "</" from
// closing an inline <script>.
func EscapeJS(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\u2028", `\u2028`)
	s = strings.ReplaceAll(s, "\u2029", `\u2029`)
	s = strings.ReplaceAll(s, "</", `<\/`)
	return s
}

var styleCloseTag = regexp.MustCompile(`(?i)</style`)

// escapeInlineStyle keeps stylesheet text from terminating an inline
// <style> element. "\/" is a CSS escape for "/", so rules are unchanged.
func escapeInlineStyle(css string) string {
	return styleCloseTag.ReplaceAllStringFunc(css, func(m string) string {
		return `<\/` + m[2:]
	})
}
