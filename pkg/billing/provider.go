package billing

import (
	"context"
	"time"

	"parentpilot-billing/pkg/models"
)

// CheckoutRequest describes a hosted checkout session for one plan.
type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	UserID     string
	PlanID     string
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's answer to CreateCheckoutSession.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentProvider is the outbound half of the payment provider integration.
type PaymentProvider interface {
	// FindOrCreateCustomer returns the provider customer for a user, creating it when absent.
	FindOrCreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error
}

// EventParser verifies and normalizes inbound provider events.
type EventParser interface {
	ParseEvent(payload []byte, signature string) (*ProviderEvent, error)
}

// EventType is the provider-neutral event kind.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventUnknown              EventType = "unknown"
)

// ProviderEvent is a verified event reduced to the fields reconciliation needs.
type ProviderEvent struct {
	ID      string
	Type    EventType
	RawType string

	Checkout     *CheckoutCompleted
	Subscription *SubscriptionChange
	Invoice      *InvoiceChange
}

// SubscriptionKey returns the external subscription id the event is keyed by.
func (e *ProviderEvent) SubscriptionKey() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.SubscriptionID
	case e.Invoice != nil:
		return e.Invoice.SubscriptionID
	case e.Checkout != nil:
		return e.Checkout.SubscriptionID
	}
	return ""
}

// CheckoutCompleted carries a completed hosted checkout.
type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	UserID         string
	PlanID         string
	Trial          bool
}

// SubscriptionChange carries a subscription snapshot from the provider.
type SubscriptionChange struct {
	SubscriptionID    string
	CustomerID        string
	Status            models.SubscriptionStatus
	ProviderStatus    string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

// InvoiceChange carries an invoice outcome for a subscription.
type InvoiceChange struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}
