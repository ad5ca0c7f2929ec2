package billing

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"parentpilot-billing/pkg/models"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Checkout session metadata keys echoed back on checkout.session.completed.
const (
	metadataUserID = "user_id"
	metadataPlanID = "plan_id"
	metadataTrial  = "trial"
)

// StripeEventParser verifies Stripe-Signature headers and normalizes events.
type StripeEventParser struct {
	secret    string
	tolerance time.Duration
}

// NewStripeEventParser creates a parser for one webhook endpoint secret.
func NewStripeEventParser(webhookSecret string) *StripeEventParser {
	return &StripeEventParser{secret: webhookSecret, tolerance: webhook.DefaultTolerance}
}

// ParseEvent verifies the signature before decoding anything from the payload.
func (p *StripeEventParser) ParseEvent(payload []byte, signature string) (*ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, ErrInvalidSignature.with(err)
		}
		return nil, ErrInvalidPayload.with(err)
	}
	return normalizeStripeEvent(event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func normalizeStripeEvent(event stripe.Event) (*ProviderEvent, error) {
	out := &ProviderEvent{ID: event.ID, RawType: string(event.Type), Type: EventUnknown}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch string(event.Type) {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrInvalidPayload.withMessage("failed to parse checkout session").with(err)
		}
		out.Type = EventCheckoutCompleted
		out.Checkout = &CheckoutCompleted{
			SessionID:      s.ID,
			CustomerID:     customerID(s.Customer),
			SubscriptionID: subscriptionID(s.Subscription),
			UserID:         firstNonEmpty(s.Metadata[metadataUserID], s.ClientReferenceID),
			PlanID:         s.Metadata[metadataPlanID],
			Trial:          strings.EqualFold(s.Metadata[metadataTrial], "true"),
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s stripe.Subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrInvalidPayload.withMessage("failed to parse subscription").with(err)
		}
		var legacy legacyFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, ErrInvalidPayload.withMessage("failed to parse subscription").with(err)
		}
		start, end := subscriptionPeriod(&s, legacy)
		status := string(s.Status)
		out.Type = EventSubscriptionUpdated
		change := &SubscriptionChange{
			SubscriptionID:    s.ID,
			CustomerID:        customerID(s.Customer),
			ProviderStatus:    status,
			Status:            mapStripeStatus(status, s.CancelAtPeriodEnd),
			CancelAtPeriodEnd: s.CancelAtPeriodEnd,
			PeriodStart:       start,
			PeriodEnd:         end,
		}
		if string(event.Type) == "customer.subscription.deleted" {
			out.Type = EventSubscriptionDeleted
			change.Status = models.StatusCanceled
		}
		out.Subscription = change

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, ErrInvalidPayload.withMessage("failed to parse invoice").with(err)
		}
		var legacy legacyFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, ErrInvalidPayload.withMessage("failed to parse invoice").with(err)
		}
		start, end := invoicePeriod(&inv)
		out.Type = EventInvoicePaid
		if string(event.Type) == "invoice.payment_failed" {
			out.Type = EventInvoicePaymentFailed
		}
		out.Invoice = &InvoiceChange{
			InvoiceID:      inv.ID,
			SubscriptionID: invoiceSubscriptionID(&inv, legacy),
			CustomerID:     customerID(inv.Customer),
			PeriodStart:    start,
			PeriodEnd:      end,
		}
	}
	return out, nil
}

// mapStripeStatus converts a Stripe subscription status into the local lifecycle.
// An active subscription scheduled to end keeps the local cancel_pending state.
func mapStripeStatus(status string, cancelAtPeriodEnd bool) models.SubscriptionStatus {
	switch status {
	case "active":
		if cancelAtPeriodEnd {
			return models.StatusCancelPending
		}
		return models.StatusActive
	case "trialing":
		return models.StatusTrial
	case "canceled", "incomplete_expired":
		return models.StatusCanceled
	case "past_due", "unpaid", "paused":
		return models.StatusPastDue
	case "incomplete":
		return models.StatusPending
	}
	return models.StatusPending
}

// legacyFields 是 basil 之前的 API 版本放在顶层、v82 类型里已删除的字段。
// 旧版本 endpoint 仍会发送它们。
type legacyFields struct {
	Subscription       *stripe.Subscription `json:"subscription"`
	CurrentPeriodStart int64                `json:"current_period_start"`
	CurrentPeriodEnd   int64                `json:"current_period_end"`
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionID(s *stripe.Subscription) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// subscriptionPeriod 读取第一个 item 的周期，旧版本则退回顶层字段。
func subscriptionPeriod(s *stripe.Subscription, legacy legacyFields) (*time.Time, *time.Time) {
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item != nil && item.CurrentPeriodStart != 0 {
				return unixPtr(item.CurrentPeriodStart), unixPtr(item.CurrentPeriodEnd)
			}
		}
	}
	return unixPtr(legacy.CurrentPeriodStart), unixPtr(legacy.CurrentPeriodEnd)
}

func invoiceSubscriptionID(inv *stripe.Invoice, legacy legacyFields) string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := subscriptionID(inv.Parent.SubscriptionDetails.Subscription); id != "" {
			return id
		}
	}
	return subscriptionID(legacy.Subscription)
}

// invoicePeriod returns the service window of the first line item; the invoice-level
// window of a renewal invoice describes the cycle just billed.
func invoicePeriod(inv *stripe.Invoice) (*time.Time, *time.Time) {
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.Start != 0 && line.Period.End != 0 {
				return unixPtr(line.Period.Start), unixPtr(line.Period.End)
			}
		}
	}
	return unixPtr(inv.PeriodStart), unixPtr(inv.PeriodEnd)
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
