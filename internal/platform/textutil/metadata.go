package textutil

import (
	"slices"
	"strings"
)

// Limits the payment provider enforces on metadata.
const (
	MaxMetadataKeys        = 50
	MaxMetadataKeyLength   = 40
	MaxMetadataValueLength = 500
)

// PaymentMetadata trims entries and clips them to the provider limits. Entries with
// empty keys or values are dropped; once MaxMetadataKeys remain the rest are ignored
// in key order.
func PaymentMetadata(values map[string]string) map[string]string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make(map[string]string, len(values))
	for _, key := range keys {
		if len(out) == MaxMetadataKeys {
			break
		}
		k := clipRunes(strings.TrimSpace(key), MaxMetadataKeyLength)
		v := clipRunes(strings.TrimSpace(values[key]), MaxMetadataValueLength)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clipRunes(value string, limit int) string {
	if RuneLen(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
