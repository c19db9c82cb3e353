package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	tokenVersion   = 1
	maxTokenLength = 1024
)

// tokenEnvelope versions the cursor so the order key can change without
// misreading tokens issued before the change.
type tokenEnvelope struct {
	Version int `json:"v"`
	Cursor
}

// EncodeToken renders cursor as an opaque URL-safe page token. An empty cursor
// yields an empty token, meaning "no further pages".
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 && len(cursor.StartAt) == 0 {
		return "", nil
	}
	data, err := json.Marshal(tokenEnvelope{Version: tokenVersion, Cursor: cursor})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Every failure wraps ErrInvalidPageToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	if len(token) > maxTokenLength {
		return Cursor{}, fmt.Errorf("%w: token too long", ErrInvalidPageToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if env.Version != tokenVersion {
		return Cursor{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidPageToken, env.Version)
	}
	return env.Cursor, nil
}
