package billing

import (
	"testing"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStripeStatus(t *testing.T) {
	tests := []struct {
		status            string
		cancelAtPeriodEnd bool
		want              models.SubscriptionStatus
	}{
		{"active", false, models.StatusActive},
		{"active", true, models.StatusCancelPending},
		{"trialing", false, models.StatusTrial},
		{"canceled", false, models.StatusCanceled},
		{"incomplete_expired", false, models.StatusCanceled},
		{"past_due", false, models.StatusPastDue},
		{"unpaid", false, models.StatusPastDue},
		{"paused", false, models.StatusPastDue},
		{"incomplete", false, models.StatusPending},
		{"something_new", false, models.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, mapStripeStatus(tt.status, tt.cancelAtPeriodEnd))
		})
	}
}

func TestParseEventAcceptsExpandedObjects(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	payload, header := signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"customer":            map[string]interface{}{"id": "cus_9", "object": "customer"},
		"subscription":        nil,
		"client_reference_id": "u7",
	})

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	require.NotNil(t, ev.Checkout)
	assert.Equal(t, "cus_9", ev.Checkout.CustomerID)
	assert.Empty(t, ev.Checkout.SubscriptionID)
}

func TestParseEventFallsBackToClientReference(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	payload, header := signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"customer":            "cus_1",
		"subscription":        "sub_1",
		"client_reference_id": "u7",
		"metadata":            map[string]string{"plan_id": "starter"},
	})

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	require.NotNil(t, ev.Checkout)
	assert.Equal(t, "u7", ev.Checkout.UserID)
	assert.Equal(t, "starter", ev.Checkout.PlanID)
	assert.False(t, ev.Checkout.Trial)
	assert.Equal(t, "sub_1", ev.SubscriptionKey())
}

func TestParseEventSubscriptionPeriodFromItems(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	payload, header := signedEvent(t, "customer.subscription.updated",
		subscriptionObject("sub_1", "past_due", false, start, start.AddDate(0, 1, 0)))

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionUpdated, ev.Type)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, models.StatusPastDue, ev.Subscription.Status)
	assert.Equal(t, "past_due", ev.Subscription.ProviderStatus)
	require.NotNil(t, ev.Subscription.PeriodStart)
	assert.True(t, start.Equal(*ev.Subscription.PeriodStart))
	assert.True(t, start.AddDate(0, 1, 0).Equal(*ev.Subscription.PeriodEnd))
}

func TestParseEventDeletedForcesCanceled(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	now := time.Now()
	payload, header := signedEvent(t, "customer.subscription.deleted",
		subscriptionObject("sub_1", "active", false, now, now))

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionDeleted, ev.Type)
	assert.Equal(t, models.StatusCanceled, ev.Subscription.Status)
}

func TestParseEventInvoiceParentSubscription(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	payload, header := signedEvent(t, "invoice.payment_succeeded", map[string]interface{}{
		"id":           "in_1",
		"object":       "invoice",
		"period_start": 1767225600,
		"period_end":   1769904000,
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": "sub_nested"},
		},
	})

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, EventInvoicePaid, ev.Type)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, "sub_nested", ev.Invoice.SubscriptionID)
	require.NotNil(t, ev.Invoice.PeriodEnd)
	assert.Equal(t, int64(1769904000), ev.Invoice.PeriodEnd.Unix())
}

func TestParseEventLegacyTopLevelFields(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	payload, header := signedEvent(t, "invoice.payment_failed", map[string]interface{}{
		"id":           "in_old",
		"object":       "invoice",
		"customer":     "cus_1",
		"subscription": "sub_old",
		"period_start": 1767225600,
		"period_end":   1769904000,
	})

	ev, err := parser.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, EventInvoicePaymentFailed, ev.Type)
	assert.Equal(t, "sub_old", ev.Invoice.SubscriptionID)
	assert.Equal(t, int64(1767225600), ev.Invoice.PeriodStart.Unix())

	payload, header = signedEvent(t, "customer.subscription.updated", map[string]interface{}{
		"id":                   "sub_old",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               "active",
		"current_period_start": 1767225600,
		"current_period_end":   1769904000,
	})
	ev, err = parser.ParseEvent(payload, header)
	require.NoError(t, err)
	require.NotNil(t, ev.Subscription.PeriodEnd)
	assert.Equal(t, int64(1769904000), ev.Subscription.PeriodEnd.Unix())
}

func TestParseEventRejectsMalformedObject(t *testing.T) {
	parser := NewStripeEventParser(testWebhookSecret)
	payload, header := signedEvent(t, "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": 7,
	})

	_, err := parser.ParseEvent(payload, header)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
