package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/services"
)

const defaultDisputeBodyLimit = 16 << 20

var errMalformedEvidence = errors.New("evidence must be a data URI or an object with base64 data")

type createOrderRequest struct {
	GigID        string       `json:"gigId"`
	Requirements string       `json:"requirements"`
	Price        *json.Number `json:"price"`
	DeliveryTime *int         `json:"deliveryTime"`
}

type confirmPaymentRequest struct {
	PaymentID       string `json:"paymentId"`
	Status          string `json:"status"`
	PaymentMethod   string `json:"paymentMethod"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type disputeRequest struct {
	Reason   string            `json:"reason"`
	Evidence []json.RawMessage `json:"evidence"`
}

type evidenceObject struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type paymentDetailsPayload struct {
	PaymentID       string `json:"paymentId,omitempty"`
	Status          string `json:"status,omitempty"`
	PaymentMethod   string `json:"paymentMethod,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

type evidencePayload struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	Gig             string                 `json:"gig"`
	Buyer           string                 `json:"buyer"`
	Seller          string                 `json:"seller"`
	Price           json.Number            `json:"price"`
	DeliveryTime    int                    `json:"deliveryTime"`
	Requirements    string                 `json:"requirements"`
	OrderStatus     string                 `json:"orderStatus"`
	IsPaid          bool                   `json:"isPaid"`
	PaidAt          string                 `json:"paidAt,omitempty"`
	DeliveredAt     string                 `json:"deliveredAt,omitempty"`
	PaymentDetails  *paymentDetailsPayload `json:"paymentDetails,omitempty"`
	DisputeReason   string                 `json:"disputeReason,omitempty"`
	DisputeEvidence []evidencePayload      `json:"disputeEvidence"`
	StatusHistory   []statusChangePayload  `json:"statusHistory"`
	Version         int64                  `json:"version"`
	CreatedAt       string                 `json:"createdAt,omitempty"`
	UpdatedAt       string                 `json:"updatedAt,omitempty"`
}

type statusChangePayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	ActorID string `json:"actorId"`
	Party   string `json:"party"`
	At      string `json:"at"`
}

type evidenceFailurePayload struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName,omitempty"`
	Reason   string `json:"reason"`
}

type disputePayload struct {
	orderPayload
	EvidenceFailures []evidenceFailurePayload `json:"evidenceFailures"`
}

// OrderHandlers exposes the order lifecycle to buyers and sellers.
type OrderHandlers struct {
	authn            *auth.Authenticator
	orders           services.OrderService
	disputes         services.DisputeService
	disputeBodyLimit int64
	authenticated    []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithDisputeBodyLimit caps the dispute request body, evidence included.
func WithDisputeBodyLimit(limit int64) OrderOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.disputeBodyLimit = limit
		}
	}
}

// WithOrderMiddlewares adds middleware that runs after authentication, so it
// can see the caller identity.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.authenticated = append(h.authenticated, mw...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, disputes services.DisputeService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:            authn,
		orders:           orders,
		disputes:         disputes,
		disputeBodyLimit: defaultDisputeBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	for _, mw := range h.authenticated {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Post("/", h.createOrder)
	r.Get("/myorders", h.listMine)
	r.Get("/sellerorders", h.listSelling)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/pay", h.confirmPayment)
	r.Put("/{orderID}/deliver", h.markDelivered)
	r.Put("/{orderID}/status", h.updateStatus)
	r.Put("/{orderID}/dispute", h.raiseDispute)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSONBody(w, r, maxJSONBodySize, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:            actor,
		GigID:            strings.TrimSpace(req.GigID),
		Requirements:     req.Requirements,
		DeliveryTimeDays: req.DeliveryTime,
	}
	if req.Price != nil {
		price, err := decimal.NewFromString(req.Price.String())
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "price must be a number", http.StatusBadRequest))
			return
		}
		cmd.Price = &price
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	result, err := h.orders.ListMine(ctx, actor, page)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrderPage(w, result)
}

func (h *OrderHandlers) listSelling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
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
	result, err := h.orders.ListSelling(ctx, actor, page)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrderPage(w, result)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(ctx, actor, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if !decodeJSONBody(w, r, maxJSONBodySize, &req) {
		return
	}
	order, err := h.orders.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		Actor:           actor,
		OrderID:         chi.URLParam(r, "orderID"),
		PaymentID:       strings.TrimSpace(req.PaymentID),
		Status:          strings.TrimSpace(req.Status),
		Method:          strings.TrimSpace(req.PaymentMethod),
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	order, err := h.orders.MarkDelivered(ctx, actor, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeJSONBody(w, r, maxJSONBodySize, &req) {
		return
	}
	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		Actor:   actor,
		OrderID: chi.URLParam(r, "orderID"),
		Status:  req.Status,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) raiseDispute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.disputes == nil {
		serviceUnavailable(ctx, w, "dispute")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if !decodeJSONBody(w, r, h.disputeBodyLimit, &req) {
		return
	}
	files, err := decodeEvidence(req.Evidence)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.disputes.RaiseDispute(ctx, services.RaiseDisputeCommand{
		Actor:    actor,
		OrderID:  chi.URLParam(r, "orderID"),
		Reason:   req.Reason,
		Evidence: files,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	failures := make([]evidenceFailurePayload, 0, len(result.Failed))
	for _, failure := range result.Failed {
		failures = append(failures, evidenceFailurePayload{
			Index:    failure.Index,
			FileName: failure.FileName,
			Reason:   failure.Reason,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, disputePayload{
		orderPayload:     buildOrderPayload(result.Order),
		EvidenceFailures: failures,
	})
}

// decodeEvidence accepts data URIs ("data:<mime>;base64,<payload>") and
// {fileName, contentType, data} objects carrying base64 data.
func decodeEvidence(raw []json.RawMessage) ([]services.EvidenceFile, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	files := make([]services.EvidenceFile, 0, len(raw))
	for i, item := range raw {
		var file services.EvidenceFile
		var uri string
		if err := json.Unmarshal(item, &uri); err == nil {
			contentType, data, err := parseDataURI(uri)
			if err != nil {
				return nil, fmt.Errorf("evidence[%d]: %w", i, err)
			}
			file = services.EvidenceFile{
				FileName:    fmt.Sprintf("evidence-%d", i+1),
				ContentType: contentType,
				Data:        data,
			}
		} else {
			var obj evidenceObject
			if err := json.Unmarshal(item, &obj); err != nil {
				return nil, fmt.Errorf("evidence[%d]: %w", i, errMalformedEvidence)
			}
			data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(obj.Data))
			if err != nil || len(data) == 0 {
				return nil, fmt.Errorf("evidence[%d]: %w", i, errMalformedEvidence)
			}
			name := strings.TrimSpace(obj.FileName)
			if name == "" {
				name = fmt.Sprintf("evidence-%d", i+1)
			}
			file = services.EvidenceFile{
				FileName:    name,
				ContentType: strings.TrimSpace(obj.ContentType),
				Data:        data,
			}
		}
		files = append(files, file)
	}
	return files, nil
}

func parseDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return "", nil, errMalformedEvidence
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errMalformedEvidence
	}
	contentType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return "", nil, errMalformedEvidence
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return "", nil, errMalformedEvidence
	}
	return strings.TrimSpace(contentType), data, nil
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Gig:             order.GigRef,
		Buyer:           order.BuyerRef,
		Seller:          order.SellerRef,
		Price:           json.Number(order.Price.StringFixed(2)),
		DeliveryTime:    order.DeliveryTimeDays,
		Requirements:    order.Requirements,
		OrderStatus:     string(order.Status),
		IsPaid:          order.IsPaid,
		PaidAt:          formatTimePtr(order.PaidAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		DisputeReason:   order.DisputeReason,
		DisputeEvidence: make([]evidencePayload, 0, len(order.DisputeEvidence)),
		StatusHistory:   make([]statusChangePayload, 0, len(order.History)),
		Version:         order.Version,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if details := order.PaymentDetails; details != nil {
		payload.PaymentDetails = &paymentDetailsPayload{
			PaymentID:       details.ExternalPaymentID,
			Status:          details.Status,
			PaymentMethod:   details.Method,
			PaymentIntentID: details.IntentID,
		}
	}
	for _, ref := range order.DisputeEvidence {
		payload.DisputeEvidence = append(payload.DisputeEvidence, evidencePayload{PublicID: ref.AssetID, URL: ref.URL})
	}
	for _, change := range order.History {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			From:    string(change.From),
			To:      string(change.To),
			ActorID: change.ActorID,
			Party:   change.Party.String(),
			At:      formatTime(change.At),
		})
	}
	return payload
}
