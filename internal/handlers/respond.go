package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/platform/pagination"
	"github.com/gigconnect/api/internal/services"
)

const (
	nextPageTokenHeader = "X-Next-Page-Token"
	maxJSONBodySize     = 16 * 1024
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxJSONBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads at most limit bytes into dst. It writes the error
// response itself and reports whether the caller may continue.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.Actor{}, false
	}
	return identity.Actor(), true
}

func parsePage(w http.ResponseWriter, r *http.Request) (domain.Pagination, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		message := "pageSize must be a positive integer"
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			message = "pageToken is invalid"
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return domain.Pagination{}, false
	}
	return domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, true
}

func writeOrderPage(w http.ResponseWriter, page domain.CursorPage[services.Order]) {
	if token := strings.TrimSpace(page.NextPageToken); token != "" {
		w.Header().Set(nextPageTokenHeader, token)
	}
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

// writeOrderError maps service failures onto the error envelope. Conflicts and
// illegal transitions are both client errors and share 400.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageToken is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusBadRequest).WithDetails(transitionDetails(err)))
	case errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrPaymentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusBadRequest).WithDetails(transitionDetails(err)))
	case errors.Is(err, services.ErrOrderForbidden), errors.Is(err, services.ErrPaymentForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to act on this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", notFoundMessage(err), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "dependency unavailable, retry later", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process order request", http.StatusInternalServerError))
	}
}

// transitionDetails exposes the rejected edge so clients can refresh stale state.
func transitionDetails(err error) map[string]any {
	var denial *services.TransitionError
	if !errors.As(err, &denial) {
		return nil
	}
	return map[string]any{
		"reason":          denial.Reason,
		"currentStatus":   string(denial.From),
		"requestedStatus": string(denial.To),
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrGigNotFound):
		return "gig not found"
	case errors.Is(err, services.ErrPaymentNotFound):
		return "order or gig not found"
	default:
		return "order not found"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", fmt.Sprintf("%s service unavailable", name), http.StatusServiceUnavailable))
}
