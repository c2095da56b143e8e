package helpers

import (
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	mdHeading   = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdEmphasis  = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	mdBullet    = regexp.MustCompile(`(?m)^[ \t]*[*+•][ \t]+`)
	mdRule      = regexp.MustCompile(`(?m)^[ \t]*(-{3,}|\*{3,}|_{3,})[ \t]*$`)
	mdCodeFence = regexp.MustCompile("(?m)^[ \\t]*(```|~~~)[a-zA-Z0-9]*[ \\t]*$")
	blankLines  = regexp.MustCompile(`\n{3,}`)
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every
// HTML element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeHTMLStrict removes every HTML tag from s. Entities escaped by the
// policy are decoded again so the result reads as plain text.
func SanitizeHTMLStrict(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(StrictHTMLPolicy().Sanitize(s)))
}

// PlainReply turns model output into chat-safe plain text: HTML is stripped,
// common Markdown markup is flattened, and the result is capped at maxRunes
// (0 disables the cap) on a word boundary.
func PlainReply(s string, maxRunes int) string {
	s = SanitizeHTMLStrict(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = mdCodeFence.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "$2")
	s = mdBullet.ReplaceAllString(s, "- ")
	s = strings.ReplaceAll(s, "`", "")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	s = strings.TrimSpace(s)
	return Truncate(s, maxRunes)
}

// Truncate shortens s to at most maxRunes runes, cutting at the last space
// when one is available and appending an ellipsis.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:maxRunes-1])
	if !unicode.IsSpace(runes[maxRunes-1]) {
		if idx := strings.LastIndexAny(cut, " \n"); idx > len(cut)/2 {
			cut = cut[:idx]
		}
	}
	return strings.TrimRight(cut, " \n.,;:") + "…"
}
