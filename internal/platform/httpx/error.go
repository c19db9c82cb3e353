package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gigconnect/api/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
	maxIDLength      = 80
)

// Error is the JSON error envelope shared by every endpoint:
//
//	{"error": "...", "message": "...", "status": 400, "request_id": "...", "trace_id": "..."}
//
// Details are merged into the top level object and never replace the envelope keys.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an envelope; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLength),
		Message: singleLine(message, maxMessageLength),
		Status:  status,
	}
}

// WithDetails attaches extra top level fields, e.g. the current order status of a
// rejected transition.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	e.Details = merged
	return e
}

// WriteError renders err, filling the request and trace ids from ctx when unset.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status

	if id := firstNonEmpty(err.RequestID, middleware.GetReqID(ctx)); id != "" {
		payload["request_id"] = singleLine(id, maxIDLength)
	}
	if id := firstNonEmpty(err.TraceID, requestctx.TraceID(ctx)); id != "" {
		payload["trace_id"] = singleLine(id, maxIDLength)
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
