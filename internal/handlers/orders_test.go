package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/pagination"
	"github.com/gigconnect/api/internal/services"
)

// tokenVerifier accepts bearer tokens of the form "<uid>:<role>".
type tokenVerifier struct{}

func (tokenVerifier) VerifyToken(_ context.Context, raw string) (auth.VerifiedToken, error) {
	uid, role, ok := strings.Cut(raw, ":")
	if !ok {
		return auth.VerifiedToken{}, auth.ErrTokenInvalid
	}
	return auth.VerifiedToken{Subject: uid, Claims: map[string]any{"role": role}}, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(tokenVerifier{})
}

func doRequest(t *testing.T, router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v (%s)", err, rr.Body.String())
	}
	return body.Error
}

type stubOrderService struct {
	createFn      func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn         func(context.Context, services.Actor, string) (services.Order, error)
	confirmFn     func(context.Context, services.ConfirmPaymentCommand) (services.Order, error)
	deliverFn     func(context.Context, services.Actor, string) (services.Order, error)
	updateFn      func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	listMineFn    func(context.Context, services.Actor, services.Pagination) (domain.CursorPage[services.Order], error)
	listSellingFn func(context.Context, services.Actor, services.Pagination) (domain.CursorPage[services.Order], error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, actor services.Actor, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) MarkDelivered(ctx context.Context, actor services.Actor, orderID string) (services.Order, error) {
	if s.deliverFn != nil {
		return s.deliverFn(ctx, actor, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListMine(ctx context.Context, actor services.Actor, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listMineFn != nil {
		return s.listMineFn(ctx, actor, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListSelling(ctx context.Context, actor services.Actor, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listSellingFn != nil {
		return s.listSellingFn(ctx, actor, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

type stubDisputeService struct {
	raiseFn   func(context.Context, services.RaiseDisputeCommand) (services.DisputeResult, error)
	listFn    func(context.Context, services.Actor, services.Pagination) (domain.CursorPage[services.Order], error)
	resolveFn func(context.Context, services.ResolveDisputeCommand) (services.Order, error)
}

func (s *stubDisputeService) RaiseDispute(ctx context.Context, cmd services.RaiseDisputeCommand) (services.DisputeResult, error) {
	if s.raiseFn != nil {
		return s.raiseFn(ctx, cmd)
	}
	return services.DisputeResult{}, errors.New("not implemented")
}

func (s *stubDisputeService) ListDisputed(ctx context.Context, actor services.Actor, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, actor, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubDisputeService) Resolve(ctx context.Context, cmd services.ResolveDisputeCommand) (services.Order, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func sampleOrder() services.Order {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return services.Order{
		ID:               "ord_1",
		GigRef:           "gig_1",
		BuyerRef:         "buyer-1",
		SellerRef:        "seller-1",
		Price:            decimal.RequireFromString("49.5"),
		DeliveryTimeDays: 3,
		Requirements:     "logo in blue",
		Status:           domain.OrderStatusPending,
		Version:          1,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func newOrderRouter(orders services.OrderService, disputes services.DisputeService, opts ...OrderOption) http.Handler {
	h := NewOrderHandlers(testAuthenticator(), orders, disputes, opts...)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func TestOrderHandlers_CreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodPost, "/orders/", "buyer-1:buyer",
		`{"gigId":" gig_1 ","requirements":"logo in blue","price":49.50,"deliveryTime":3}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor != (domain.Actor{ID: "buyer-1", Role: domain.RoleBuyer}) {
		t.Fatalf("unexpected actor %+v", captured.Actor)
	}
	if captured.GigID != "gig_1" || captured.Requirements != "logo in blue" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Price == nil || !captured.Price.Equal(decimal.RequireFromString("49.5")) {
		t.Fatalf("unexpected price %v", captured.Price)
	}
	if captured.DeliveryTimeDays == nil || *captured.DeliveryTimeDays != 3 {
		t.Fatalf("unexpected delivery time %v", captured.DeliveryTimeDays)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := map[string]any{
		"id":              "ord_1",
		"gig":             "gig_1",
		"buyer":           "buyer-1",
		"seller":          "seller-1",
		"price":           49.5,
		"deliveryTime":    float64(3),
		"requirements":    "logo in blue",
		"orderStatus":     "Pending",
		"isPaid":          false,
		"disputeEvidence": []any{},
		"version":         float64(1),
		"createdAt":       "2026-03-01T09:00:00Z",
		"updatedAt":       "2026-03-01T09:00:00Z",
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
}

func TestOrderHandlers_CreateOrderErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
		noCall bool
	}{
		{name: "invalid input", err: fmt.Errorf("%w: cannot order own gig", services.ErrOrderInvalidInput), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "seller forbidden", err: services.ErrOrderForbidden, status: http.StatusForbidden, code: "forbidden"},
		{name: "gig missing", err: fmt.Errorf("%w gig_1", services.ErrGigNotFound), status: http.StatusNotFound, code: "not_found"},
		{name: "unavailable", err: services.ErrOrderUnavailable, status: http.StatusServiceUnavailable, code: "service_unavailable"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
		{name: "bad json", body: `{"gigId":`, status: http.StatusBadRequest, code: "invalid_request", noCall: true},
		{name: "bad price", body: `{"gigId":"gig_1","price":"abc"}`, status: http.StatusBadRequest, code: "invalid_request", noCall: true},
		{name: "empty body", body: " ", status: http.StatusBadRequest, code: "invalid_request", noCall: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			svc := &stubOrderService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					called = true
					return services.Order{}, tc.err
				},
			}
			body := tc.body
			if body == "" {
				body = `{"gigId":"gig_1"}`
			}
			rr := doRequest(t, newOrderRouter(svc, nil), http.MethodPost, "/orders/", "buyer-1:buyer", body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
			if called == tc.noCall {
				t.Fatalf("service call mismatch: called=%v", called)
			}
		})
	}
}

func TestOrderHandlers_RequiresAuthentication(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, nil)

	rr := doRequest(t, router, http.MethodGet, "/orders/myorders", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = doRequest(t, router, http.MethodGet, "/orders/myorders", "someone:guest", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown role, got %d", rr.Code)
	}
}

func TestOrderHandlers_ListMinePaginates(t *testing.T) {
	var gotPage services.Pagination
	svc := &stubOrderService{
		listMineFn: func(_ context.Context, actor services.Actor, page services.Pagination) (domain.CursorPage[services.Order], error) {
			if actor.ID != "buyer-1" {
				t.Fatalf("unexpected actor %+v", actor)
			}
			gotPage = page
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "next-1"}, nil
		},
	}
	router := newOrderRouter(svc, nil)
	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"2026-03-01T09:00:00Z", "ord_0"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	rr := doRequest(t, router, http.MethodGet, "/orders/myorders?pageSize=10&pageToken="+token, "buyer-1:buyer", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotPage.PageSize != 10 || gotPage.PageToken != token {
		t.Fatalf("unexpected pagination %+v", gotPage)
	}
	if got := rr.Header().Get(nextPageTokenHeader); got != "next-1" {
		t.Fatalf("expected next page header, got %q", got)
	}
	var items []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0]["id"] != "ord_1" {
		t.Fatalf("unexpected items %v", items)
	}

	rr = doRequest(t, router, http.MethodGet, "/orders/myorders?pageSize=abc", "buyer-1:buyer", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page size, got %d", rr.Code)
	}
	rr = doRequest(t, router, http.MethodGet, "/orders/myorders?pageToken=%25%25", "buyer-1:buyer", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page token, got %d", rr.Code)
	}
}

func TestOrderHandlers_ListSellingForbidden(t *testing.T) {
	svc := &stubOrderService{
		listSellingFn: func(context.Context, services.Actor, services.Pagination) (domain.CursorPage[services.Order], error) {
			return domain.CursorPage[services.Order]{}, services.ErrOrderForbidden
		},
	}
	rr := doRequest(t, newOrderRouter(svc, nil), http.MethodGet, "/orders/sellerorders", "buyer-1:buyer", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestOrderHandlers_GetOrder(t *testing.T) {
	paidAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := &stubOrderService{
		getFn: func(_ context.Context, _ services.Actor, orderID string) (services.Order, error) {
			if orderID == "missing" {
				return services.Order{}, fmt.Errorf("%w: missing", services.ErrOrderNotFound)
			}
			order := sampleOrder()
			order.Status = domain.OrderStatusInProgress
			order.IsPaid = true
			order.PaidAt = &paidAt
			order.PaymentDetails = &services.PaymentDetails{ExternalPaymentID: "pay_1", Status: "succeeded", Method: "card", IntentID: "pi_1"}
			order.History = []domain.StatusChange{
				{To: domain.OrderStatusPending, ActorID: "buyer-1", Party: domain.PartyBuyer, At: paidAt.Add(-time.Hour)},
				{From: domain.OrderStatusPending, To: domain.OrderStatusInProgress, ActorID: "buyer-1", Party: domain.PartyBuyer, At: paidAt},
			}
			return order, nil
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodGet, "/orders/ord_1", "seller-1:seller", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.IsPaid || body.PaidAt != "2026-03-02T10:00:00Z" || body.OrderStatus != "InProgress" {
		t.Fatalf("unexpected payload %+v", body)
	}
	wantDetails := &paymentDetailsPayload{PaymentID: "pay_1", Status: "succeeded", PaymentMethod: "card", PaymentIntentID: "pi_1"}
	if diff := cmp.Diff(wantDetails, body.PaymentDetails); diff != "" {
		t.Fatalf("unexpected payment details (-want +got):\n%s", diff)
	}
	wantHistory := []statusChangePayload{
		{To: "Pending", ActorID: "buyer-1", Party: "buyer", At: "2026-03-02T09:00:00Z"},
		{From: "Pending", To: "InProgress", ActorID: "buyer-1", Party: "buyer", At: "2026-03-02T10:00:00Z"},
	}
	if diff := cmp.Diff(wantHistory, body.StatusHistory); diff != "" {
		t.Fatalf("unexpected status history (-want +got):\n%s", diff)
	}

	rr = doRequest(t, router, http.MethodGet, "/orders/missing", "seller-1:seller", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderHandlers_ConfirmPayment(t *testing.T) {
	var captured services.ConfirmPaymentCommand
	svc := &stubOrderService{
		confirmFn: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			captured = cmd
			if cmd.OrderID == "paid" {
				return services.Order{}, fmt.Errorf("%w: order is already paid", services.ErrOrderConflict)
			}
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/pay", "buyer-1:buyer",
		`{"paymentId":"pay_1","status":"succeeded","paymentMethod":"card","paymentIntentId":"pi_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := services.ConfirmPaymentCommand{
		Actor:           domain.Actor{ID: "buyer-1", Role: domain.RoleBuyer},
		OrderID:         "ord_1",
		PaymentID:       "pay_1",
		Status:          "succeeded",
		Method:          "card",
		PaymentIntentID: "pi_1",
	}
	if diff := cmp.Diff(want, captured); diff != "" {
		t.Fatalf("unexpected command (-want +got):\n%s", diff)
	}

	rr = doRequest(t, router, http.MethodPut, "/orders/paid/pay", "buyer-1:buyer", `{"paymentId":"pay_1"}`)
	if rr.Code != http.StatusBadRequest || decodeErrorCode(t, rr) != "order_conflict" {
		t.Fatalf("expected 400 order_conflict, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlers_MarkDelivered(t *testing.T) {
	svc := &stubOrderService{
		deliverFn: func(_ context.Context, actor services.Actor, orderID string) (services.Order, error) {
			if actor.Role != domain.RoleSeller {
				return services.Order{}, services.ErrOrderForbidden
			}
			order := sampleOrder()
			order.ID = orderID
			order.Status = domain.OrderStatusDelivered
			return order, nil
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodPut, "/orders/ord_9/deliver", "seller-1:seller", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID != "ord_9" || body.OrderStatus != "Delivered" {
		t.Fatalf("unexpected payload %+v", body)
	}

	rr = doRequest(t, router, http.MethodPut, "/orders/ord_9/deliver", "buyer-1:buyer", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestOrderHandlers_UpdateStatus(t *testing.T) {
	svc := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			if cmd.Status != "Completed" {
				return services.Order{}, fmt.Errorf("%w: cannot move to %s", services.ErrOrderInvalidState, cmd.Status)
			}
			order := sampleOrder()
			order.Status = domain.OrderStatusCompleted
			return order, nil
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/status", "buyer-1:buyer", `{"status":"Completed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, router, http.MethodPut, "/orders/ord_1/status", "buyer-1:buyer", `{"status":"Delivered"}`)
	if rr.Code != http.StatusBadRequest || decodeErrorCode(t, rr) != "order_invalid_state" {
		t.Fatalf("expected 400 order_invalid_state, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlers_RejectedTransitionCarriesStatuses(t *testing.T) {
	svc := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			return services.Order{}, services.AuthorizeTransition(cmd.Actor, sampleOrder(), domain.OrderStatus(cmd.Status), services.TriggerStatusUpdate)
		},
	}
	router := newOrderRouter(svc, nil)

	rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/status", "buyer-1:buyer", `{"status":"Completed"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"error":           "order_invalid_state",
		"reason":          services.ReasonInvalidEdge,
		"currentStatus":   "Pending",
		"requestedStatus": "Completed",
	}
	for key, value := range want {
		if body[key] != value {
			t.Fatalf("expected %s=%v, got %v (%s)", key, value, body[key], rr.Body.String())
		}
	}
}

func TestOrderHandlers_RaiseDispute(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(png)

	var captured services.RaiseDisputeCommand
	svc := &stubDisputeService{
		raiseFn: func(_ context.Context, cmd services.RaiseDisputeCommand) (services.DisputeResult, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusDisputed
			order.DisputeReason = cmd.Reason
			order.DisputeEvidence = []services.EvidenceRef{{AssetID: "evidence/ord_1/a", URL: "https://storage.example/a"}}
			return services.DisputeResult{
				Order:    order,
				Uploaded: order.DisputeEvidence,
				Failed:   []services.EvidenceFailure{{Index: 1, FileName: "contract.pdf", Reason: "upload failed"}},
			}, nil
		},
	}
	router := newOrderRouter(nil, svc)

	body := fmt.Sprintf(`{"reason":"never delivered","evidence":["data:image/png;base64,%s",{"fileName":"contract.pdf","contentType":"application/pdf","data":%q}]}`, encoded, encoded)
	rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/dispute", "buyer-1:buyer", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	wantFiles := []services.EvidenceFile{
		{FileName: "evidence-1", ContentType: "image/png", Data: png},
		{FileName: "contract.pdf", ContentType: "application/pdf", Data: png},
	}
	if diff := cmp.Diff(wantFiles, captured.Evidence); diff != "" {
		t.Fatalf("unexpected evidence (-want +got):\n%s", diff)
	}
	if captured.Reason != "never delivered" || captured.OrderID != "ord_1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	var payload struct {
		OrderStatus      string                   `json:"orderStatus"`
		DisputeReason    string                   `json:"disputeReason"`
		DisputeEvidence  []evidencePayload        `json:"disputeEvidence"`
		EvidenceFailures []evidenceFailurePayload `json:"evidenceFailures"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OrderStatus != "Disputed" || payload.DisputeReason != "never delivered" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.DisputeEvidence) != 1 || payload.DisputeEvidence[0].PublicID != "evidence/ord_1/a" {
		t.Fatalf("unexpected evidence %+v", payload.DisputeEvidence)
	}
	if len(payload.EvidenceFailures) != 1 || payload.EvidenceFailures[0].Index != 1 {
		t.Fatalf("unexpected failures %+v", payload.EvidenceFailures)
	}
}

func TestOrderHandlers_RaiseDisputeRejectsMalformedEvidence(t *testing.T) {
	called := false
	svc := &stubDisputeService{
		raiseFn: func(context.Context, services.RaiseDisputeCommand) (services.DisputeResult, error) {
			called = true
			return services.DisputeResult{}, nil
		},
	}
	router := newOrderRouter(nil, svc)

	for _, evidence := range []string{`["not-a-data-uri"]`, `["data:image/png,plain"]`, `[{"fileName":"a","data":"%%%"}]`, `[42]`} {
		rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/dispute", "buyer-1:buyer", `{"reason":"bad","evidence":`+evidence+`}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", evidence, rr.Code)
		}
	}
	if called {
		t.Fatalf("service should not be called for malformed evidence")
	}
}

func TestOrderHandlers_RaiseDisputeBodyLimit(t *testing.T) {
	router := newOrderRouter(nil, &stubDisputeService{}, WithDisputeBodyLimit(64))
	body := `{"reason":"` + strings.Repeat("x", 128) + `"}`
	rr := doRequest(t, router, http.MethodPut, "/orders/ord_1/dispute", "buyer-1:buyer", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestOrderHandlers_AuthenticatedMiddlewareSeesIdentity(t *testing.T) {
	var seen string
	capture := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				seen = identity.UID
			}
			next.ServeHTTP(w, r)
		})
	}
	router := newOrderRouter(&stubOrderService{}, nil, WithOrderMiddlewares(capture))

	rr := doRequest(t, router, http.MethodGet, "/orders/myorders", "buyer-7:buyer", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if seen != "buyer-7" {
		t.Fatalf("expected middleware to see identity, got %q", seen)
	}
}

func TestOrderHandlers_ServiceUnavailable(t *testing.T) {
	router := newOrderRouter(nil, nil)
	rr := doRequest(t, router, http.MethodGet, "/orders/myorders", "buyer-1:buyer", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

var (
	_ services.OrderService   = (*stubOrderService)(nil)
	_ services.DisputeService = (*stubDisputeService)(nil)
)
