package observability

import (
	"strings"
	"unicode"
)

// logSafe drops control characters and caps value at limit runes so request
// supplied strings cannot forge log lines.
func logSafe(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
