package storage

import (
	"fmt"
	"path"
	"strings"
)

// AssetPurpose captures high-level intent for storage layout decisions.
type AssetPurpose string

const (
	PurposeDisputeEvidence AssetPurpose = "dispute-evidence"
)

const maxFileNameLength = 128

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	OrderID  string
	AssetID  string
	FileName string
}

// PathBuilder composes the object path for a given asset purpose.
type PathBuilder func(PathParams) (string, error)

var pathBuilders = map[AssetPurpose]PathBuilder{
	PurposeDisputeEvidence: buildDisputeEvidencePath,
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	builder, ok := pathBuilders[purpose]
	if !ok {
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
	return builder(params)
}

func buildDisputeEvidencePath(params PathParams) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	assetID, err := validateSegment("assetID", params.AssetID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/orders/%s/disputes/%s/%s", orderID, assetID, fileName), nil
}

// SanitizeFileName reduces a client supplied name to a safe single path segment.
// Characters outside [A-Za-z0-9._-] become '-'; an empty result falls back to fallback.
func SanitizeFileName(name, fallback string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	cleaned := strings.Trim(b.String(), ".-")
	for strings.Contains(cleaned, "..") {
		cleaned = strings.ReplaceAll(cleaned, "..", ".")
	}
	if len(cleaned) > maxFileNameLength {
		cleaned = cleaned[len(cleaned)-maxFileNameLength:]
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
