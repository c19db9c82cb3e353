package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/payments"
	"github.com/gigconnect/api/internal/platform/textutil"
	"github.com/gigconnect/api/internal/repositories"
)

const (
	minimumChargeMinorUnits = 50
	defaultPaymentCurrency  = "usd"
	notApplicable           = "N/A"
)

var (
	// ErrPaymentInvalidInput signals the intent request is malformed.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the referenced order or gig does not exist.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentForbidden indicates the caller may not pay for the referenced order.
	ErrPaymentForbidden = errors.New("payment: forbidden")
	// ErrPaymentConflict indicates the referenced order is already paid.
	ErrPaymentConflict = errors.New("payment: conflict")
	// ErrPaymentUnavailable indicates no gateway is configured.
	ErrPaymentUnavailable = errors.New("payment: gateway unavailable")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Gateway         payments.Gateway
	Orders          repositories.OrderRepository
	Gigs            repositories.GigRepository
	PublishableKey  string
	DefaultCurrency string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	gateway        payments.Gateway
	orders         repositories.OrderRepository
	gigs           repositories.GigRepository
	publishableKey string
	currency       string
	logger         func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs the payment bootstrap service. A nil gateway is tolerated so the
// publishable key endpoint keeps working; intent creation then reports ErrPaymentUnavailable.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gigs == nil {
		return nil, errors.New("payment service: gig repository is required")
	}
	currency := strings.ToLower(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultPaymentCurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		gateway:        deps.Gateway,
		orders:         deps.Orders,
		gigs:           deps.Gigs,
		publishableKey: strings.TrimSpace(deps.PublishableKey),
		currency:       currency,
		logger:         logger,
	}, nil
}

func (s *paymentService) PublishableKey() string {
	return s.publishableKey
}

func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	gigID := strings.TrimSpace(cmd.GigID)
	if cmd.Amount == nil && orderID == "" && gigID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: amount, gigId, or orderId is required", ErrPaymentInvalidInput)
	}
	if cmd.Amount != nil && *cmd.Amount < minimumChargeMinorUnits {
		return PaymentIntent{}, fmt.Errorf("%w: amount must be at least %d cents", ErrPaymentInvalidInput, minimumChargeMinorUnits)
	}
	if s.gateway == nil {
		return PaymentIntent{}, ErrPaymentUnavailable
	}

	amount, err := s.resolveAmount(ctx, cmd.Actor, cmd.Amount, orderID, gigID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if amount < minimumChargeMinorUnits {
		return PaymentIntent{}, fmt.Errorf("%w: invalid amount for payment intent", ErrPaymentInvalidInput)
	}

	currency := strings.ToLower(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	description := textutil.SanitizeText(cmd.Description)
	if description == "" {
		description = fmt.Sprintf("Payment for Order %s / Gig %s", orderID, gigID)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Metadata: textutil.PaymentMetadata(map[string]string{
			"orderId": chooseFirstNonEmpty(orderID, notApplicable),
			"userId":  chooseFirstNonEmpty(strings.TrimSpace(cmd.Actor.ID), notApplicable),
		}),
	})
	if err != nil {
		s.logger(ctx, "payment.intent.failed", map[string]any{
			"order": orderID,
			"gig":   gigID,
			"error": err.Error(),
		})
		return PaymentIntent{}, fmt.Errorf("payment: create intent: %w", err)
	}

	return PaymentIntent{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          amount,
		Currency:        currency,
	}, nil
}

// resolveAmount picks the charge amount. A referenced order is authoritative: an explicit
// amount must agree with it. Gig prices are used only when no amount is given.
func (s *paymentService) resolveAmount(ctx context.Context, actor Actor, explicit *int64, orderID, gigID string) (int64, error) {
	if orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return 0, s.mapLookupError(err, "order not found to determine amount")
		}
		if ResolveParty(actor, order) != domain.PartyBuyer && ResolveParty(actor, order) != domain.PartyAdmin {
			return 0, fmt.Errorf("%w: not authorized to pay for this order", ErrPaymentForbidden)
		}
		if order.IsPaid {
			return 0, fmt.Errorf("%w: order is already paid", ErrPaymentConflict)
		}
		amount := order.PriceMinorUnits()
		if explicit != nil && *explicit != amount {
			return 0, fmt.Errorf("%w: amount %d does not match order price %d", ErrPaymentInvalidInput, *explicit, amount)
		}
		return amount, nil
	}
	if explicit != nil {
		return *explicit, nil
	}
	gig, err := s.gigs.FindByID(ctx, gigID)
	if err != nil {
		return 0, s.mapLookupError(err, "gig not found to determine amount")
	}
	return domain.MinorUnits(gig.Price), nil
}

func (s *paymentService) mapLookupError(err error, notFoundMessage string) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, notFoundMessage)
	}
	return fmt.Errorf("payment: lookup: %w", err)
}
