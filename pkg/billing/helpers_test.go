package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

var errStoreDown = errors.New("connection refused")

func starterPlan() models.Plan {
	price := "price_starter"
	product := "prod_starter"
	return models.Plan{
		ID:                "starter",
		Name:              "Starter",
		PriceCents:        999,
		Currency:          "usd",
		BillingInterval:   "month",
		TokensPerCycle:    1000,
		MessagesPerCycle:  50,
		ExternalProductID: &product,
		ExternalPriceID:   &price,
		IsActive:          true,
	}
}

func familyPlan() models.Plan {
	price := "price_family"
	return models.Plan{
		ID:               "family",
		Name:             "Family",
		PriceCents:       1999,
		Currency:         "usd",
		BillingInterval:  "month",
		TokensPerCycle:   5000,
		MessagesPerCycle: 300,
		TrialDays:        7,
		ExternalPriceID:  &price,
		IsActive:         true,
	}
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	t        *testing.T
	store    *database.LocalStore
	provider *FakeProvider
	deferred *MemoryDeferredStore
	services *Services
}

func newHarness(t *testing.T, policy UnmatchedPolicy) *harness {
	t.Helper()
	store, err := database.NewLocalStore("")
	require.NoError(t, err)
	require.NoError(t, store.PutPlan(starterPlan()))
	require.NoError(t, store.PutPlan(familyPlan()))
	return newHarnessWithStore(t, store, store, policy)
}

// newHarnessWithStore lets tests wrap the local store with failure injection.
func newHarnessWithStore(t *testing.T, local *database.LocalStore, store database.Store, policy UnmatchedPolicy) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    local,
		provider: NewFakeProvider(),
		deferred: NewMemoryDeferredStore(time.Hour),
	}
	h.services = NewServices(Deps{
		Store:    store,
		Provider: h.provider,
		Parser:   NewStripeEventParser(testWebhookSecret),
		Deferred: h.deferred,
		Policy:   policy,
		URLs: CheckoutURLs{
			Success: "https://app.test/billing/success?session_id={CHECKOUT_SESSION_ID}",
			Cancel:  "https://app.test/pricing?canceled=true",
		},
		Logger:  discardLogger(),
		Metrics: NewMetrics(prometheus.NewRegistry()),
	})
	return h
}

// putPending stores a pending record for a checkout session.
func (h *harness) putPending(userID, planID, sessionID string) {
	h.t.Helper()
	require.NoError(h.t, h.store.PutSubscription(models.Subscription{
		UserID:                    userID,
		PlanID:                    planID,
		Status:                    models.StatusPending,
		ExternalCheckoutSessionID: &sessionID,
		AutoRenew:                 true,
	}))
}

// putSubscription stores a record already bound to a provider subscription.
func (h *harness) putSubscription(userID, planID, externalID string, status models.SubscriptionStatus) {
	h.t.Helper()
	require.NoError(h.t, h.store.PutSubscription(models.Subscription{
		UserID:                 userID,
		PlanID:                 planID,
		Status:                 status,
		ExternalSubscriptionID: &externalID,
		AutoRenew:              true,
	}))
}

func (h *harness) subscription(externalID string) *models.Subscription {
	h.t.Helper()
	sub, err := h.store.GetSubscriptionByExternalID(context.Background(), externalID)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) deliver(eventType string, object interface{}) (*EventResult, error) {
	h.t.Helper()
	payload, header := signedEvent(h.t, eventType, object)
	return h.services.Webhooks.HandleEvent(context.Background(), payload, header)
}

func (h *harness) entitlement(userID string) *models.Entitlement {
	h.t.Helper()
	ent, err := h.services.Entitlements.GetEntitlement(context.Background(), userID)
	require.NoError(h.t, err)
	return ent
}

// signedEvent wraps object in a Stripe event envelope and signs it the way Stripe does.
func signedEvent(t *testing.T, eventType string, object interface{}) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      "evt_" + uuid.New().String(),
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func checkoutObject(sessionID, subscriptionID, userID, planID string) map[string]interface{} {
	return map[string]interface{}{
		"id":           sessionID,
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     "cus_" + userID,
		"subscription": subscriptionID,
		"metadata": map[string]string{
			"user_id": userID,
			"plan_id": planID,
		},
	}
}

func subscriptionObject(id, status string, cancelAtPeriodEnd bool, start, end time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"current_period_start": start.Unix(), "current_period_end": end.Unix()},
			},
		},
	}
}

func invoiceObject(id, subscriptionID string, start, end time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"object":       "invoice",
		"customer":     "cus_1",
		"parent": map[string]interface{}{
			"type":                 "subscription_details",
			"subscription_details": map[string]interface{}{"subscription": subscriptionID},
		},
		"period_start": start.Add(-30 * 24 * time.Hour).Unix(),
		"period_end":   start.Unix(),
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{
				{"period": map[string]int64{"start": start.Unix(), "end": end.Unix()}},
			},
		},
	}
}

// failingStore fails selected operations of an otherwise working store.
type failingStore struct {
	database.Store
	failUpdate  bool
	failPending bool
}

func (f *failingStore) ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	if f.failUpdate {
		return nil, errStoreDown
	}
	return f.Store.ApplySubscriptionUpdate(ctx, upd)
}

func (f *failingStore) CreatePendingSubscription(ctx context.Context, sub *models.Subscription) error {
	if f.failPending {
		return errStoreDown
	}
	return f.Store.CreatePendingSubscription(ctx, sub)
}

// interleavingStore runs onMiss once, right after an update misses and before the
// processor reacts, to reproduce deliveries racing each other.
type interleavingStore struct {
	database.Store
	onMiss func()
}

func (s *interleavingStore) ApplySubscriptionUpdate(ctx context.Context, upd models.SubscriptionUpdate) (*models.Subscription, error) {
	sub, err := s.Store.ApplySubscriptionUpdate(ctx, upd)
	if errors.Is(err, database.ErrNotFound) && s.onMiss != nil {
		hook := s.onMiss
		s.onMiss = nil
		hook()
	}
	return sub, err
}
