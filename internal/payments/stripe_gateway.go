package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Intents   stripePaymentIntentAPI
}

// StripeGateway implements Gateway on top of Stripe Payment Intents.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe-backed Gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateIntent creates a Payment Intent with automatic payment methods enabled.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Intent{}, errors.New("stripe: currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
		Status:       stripeStatus(intent),
	}, nil
}

// LookupPayment retrieves a Stripe Payment Intent.
func (g *StripeGateway) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if g == nil {
		return PaymentDetails{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return PaymentDetails{}, errors.New("stripe: intent id is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return PaymentDetails{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

func stripeStatus(intent *stripe.PaymentIntent) Status {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := stripeStatus(intent)
	captured := status == StatusSucceeded
	var capturedAt *time.Time

	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
			captured = true
		}
		if charge.Refunded && charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
			status = StatusRefunded
		}
	}

	method := ""
	if intent.PaymentMethod != nil {
		method = string(intent.PaymentMethod.Type)
	}
	if method == "" && len(intent.PaymentMethodTypes) > 0 {
		method = intent.PaymentMethodTypes[0]
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   strings.ToLower(string(intent.Currency)),
		Captured:   captured,
		CapturedAt: capturedAt,
		Method:     method,
		Metadata:   maps.Clone(intent.Metadata),
	}
}
