package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup from user supplied free text, normalises it to NFC and trims
// surrounding whitespace. Entities escaped by the policy are decoded again so plain text
// such as "R&D" round-trips unchanged.
func SanitizeText(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	cleaned := strictPolicy.Sanitize(norm.NFC.String(value))
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// RuneLen reports the length of value in characters rather than bytes.
func RuneLen(value string) int {
	return utf8.RuneCountInString(value)
}
