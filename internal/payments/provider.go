package payments

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the normalised payment states reported by the gateway.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

// ErrIntentNotFound is returned when the gateway has no record of the intent.
var ErrIntentNotFound = errors.New("payments: intent not found")

// IntentRequest describes a client-confirmable payment intent. Amount is in minor units.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the gateway's answer to an IntentRequest.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       Status
}

// LookupRequest returns provider specific payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific fields for reconciliation.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	Method     string
	Metadata   map[string]string
}

// Gateway defines the contract the order core needs from a payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}
