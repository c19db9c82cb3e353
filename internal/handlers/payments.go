package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/services"
)

type createPaymentIntentRequest struct {
	Amount      *int64 `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"orderId"`
	GigID       string `json:"gigId"`
	Description string `json:"description"`
}

type paymentIntentPayload struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// PaymentHandlers bootstraps client-side payment confirmation.
type PaymentHandlers struct {
	authn         *auth.Authenticator
	payments      services.PaymentService
	authenticated []func(http.Handler) http.Handler
}

// NewPaymentHandlers constructs the payment handlers. Extra middleware applies
// to the authenticated routes only.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, mw ...func(http.Handler) http.Handler) *PaymentHandlers {
	return &PaymentHandlers{authn: authn, payments: payments, authenticated: mw}
}

// Routes registers the /payments endpoints. The publishable key is public.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/stripe-key", h.publishableKey)
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireAuth())
		}
		for _, mw := range h.authenticated {
			if mw != nil {
				r.Use(mw)
			}
		}
		r.Post("/create-payment-intent", h.createIntent)
	})
}

func (h *PaymentHandlers) publishableKey(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		serviceUnavailable(r.Context(), w, "payment")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"publishableKey": h.payments.PublishableKey()})
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createPaymentIntentRequest
	if !decodeJSONBody(w, r, maxJSONBodySize, &req) {
		return
	}
	intent, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{
		Actor:       actor,
		Amount:      req.Amount,
		Currency:    strings.TrimSpace(req.Currency),
		OrderID:     strings.TrimSpace(req.OrderID),
		GigID:       strings.TrimSpace(req.GigID),
		Description: req.Description,
	})
	if err != nil {
		if isKnownPaymentError(err) {
			writeOrderError(ctx, w, err)
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "failed to create payment intent", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentIntentPayload{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.PaymentIntentID,
	})
}

func isKnownPaymentError(err error) bool {
	for _, target := range []error{
		services.ErrPaymentInvalidInput,
		services.ErrPaymentNotFound,
		services.ErrPaymentForbidden,
		services.ErrPaymentConflict,
		services.ErrPaymentUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
