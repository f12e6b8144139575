package relay

import (
	"strings"
	"unicode/utf8"
)

var markupStripper = strings.NewReplacer("<", "", ">", "")

// SanitizeChat truncates text to max runes, strips markup brackets and trims
// surrounding whitespace.
func SanitizeChat(text string, max int) string {
	if max > 0 && utf8.RuneCountInString(text) > max {
		text = string([]rune(text)[:max])
	}
	text = markupStripper.Replace(text)
	return strings.TrimSpace(text)
}
