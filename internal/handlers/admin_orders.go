package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/services"
)

type resolveDisputeRequest struct {
	NewStatus string `json:"newStatus"`
	Status    string `json:"status"`
}

// AdminOrderHandlers exposes dispute arbitration to administrators.
type AdminOrderHandlers struct {
	authn         *auth.Authenticator
	disputes      services.DisputeService
	authenticated []func(http.Handler) http.Handler
}

// NewAdminOrderHandlers constructs the admin dispute handlers. Extra middleware
// runs after the admin check.
func NewAdminOrderHandlers(authn *auth.Authenticator, disputes services.DisputeService, mw ...func(http.Handler) http.Handler) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, disputes: disputes, authenticated: mw}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(domain.RoleAdmin))
	}
	for _, mw := range h.authenticated {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Get("/disputed", h.listDisputed)
	r.Put("/{orderID}/resolve", h.resolve)
}

func (h *AdminOrderHandlers) listDisputed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.disputes == nil {
		serviceUnavailable(ctx, w, "dispute")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	result, err := h.disputes.ListDisputed(ctx, actor, page)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrderPage(w, result)
}

func (h *AdminOrderHandlers) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.disputes == nil {
		serviceUnavailable(ctx, w, "dispute")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !decodeJSONBody(w, r, maxJSONBodySize, &req) {
		return
	}
	status := strings.TrimSpace(req.NewStatus)
	if status == "" {
		status = strings.TrimSpace(req.Status)
	}
	order, err := h.disputes.Resolve(ctx, services.ResolveDisputeCommand{
		Actor:     actor,
		OrderID:   chi.URLParam(r, "orderID"),
		NewStatus: status,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}
