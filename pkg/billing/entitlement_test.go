package billing

import (
	"context"
	"testing"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntitlementWithoutRecord(t *testing.T) {
	h := newHarness(t, UnmatchedAck)

	ent := h.entitlement("stranger")
	assert.Equal(t, models.StatusNone, ent.Status)
	assert.Nil(t, ent.Plan)
	assert.Zero(t, ent.TokensRemaining)
	assert.Zero(t, ent.MessagesRemaining)

	_, err := h.services.Entitlements.GetEntitlement(context.Background(), "")
	assert.ErrorIs(t, err, ErrUserUnauthenticated)
}

func TestEntitlementPendingGrantsNothing(t *testing.T) {
	h := newHarness(t, UnmatchedAck)
	h.putPending("u1", "starter", "cs_1")

	ent := h.entitlement("u1")
	assert.Equal(t, string(models.StatusPending), ent.Status)
	require.NotNil(t, ent.Plan)
	assert.Equal(t, "starter", ent.Plan.ID)
	assert.Zero(t, ent.TokensRemaining)
}

func TestEntitlementCancelPendingKeepsAllowance(t *testing.T) {
	h := newHarness(t, UnmatchedAck)
	ctx := context.Background()
	h.putSubscription("u1", "starter", "sub_1", models.StatusCancelPending)
	plan := starterPlan()
	require.NoError(t, h.services.Ledger.ResetToPlan(ctx, "u1", &plan, "checkout"))

	ent := h.entitlement("u1")
	assert.Equal(t, string(models.StatusCancelPending), ent.Status)
	assert.Equal(t, int64(1000), ent.TokensRemaining)
	assert.Equal(t, int64(50), ent.MessagesRemaining)
}

func TestEntitlementPrefersEntitledRecordOverNewerCanceled(t *testing.T) {
	h := newHarness(t, UnmatchedAck)
	ctx := context.Background()
	older := time.Now().Add(-48 * time.Hour)
	active := "sub_active"
	canceled := "sub_canceled"
	require.NoError(t, h.store.PutSubscription(models.Subscription{
		UserID: "u1", PlanID: "family", Status: models.StatusActive,
		ExternalSubscriptionID: &active, CreatedAt: older,
	}))
	require.NoError(t, h.store.PutSubscription(models.Subscription{
		UserID: "u1", PlanID: "starter", Status: models.StatusCanceled,
		ExternalSubscriptionID: &canceled,
	}))
	plan := familyPlan()
	require.NoError(t, h.services.Ledger.ResetToPlan(ctx, "u1", &plan, "checkout"))

	ent := h.entitlement("u1")
	assert.Equal(t, string(models.StatusActive), ent.Status)
	require.NotNil(t, ent.Plan)
	assert.Equal(t, "family", ent.Plan.ID)
	assert.Equal(t, int64(5000), ent.TokensRemaining)
}

func TestAllowGatesOnCurrentRecord(t *testing.T) {
	h := newHarness(t, UnmatchedAck)
	ctx := context.Background()

	allowed, err := h.services.Entitlements.Allow(ctx, "u1", models.ResourceMessages, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	h.putSubscription("u1", "starter", "sub_1", models.StatusPastDue)
	// 账本仍有余额，但记录状态不授予额度
	require.NoError(t, h.store.ResetQuota(ctx, "u1", models.QuotaLimits{Tokens: 10, Messages: 10}, time.Now().Add(time.Hour)))
	allowed, err = h.services.Entitlements.Allow(ctx, "u1", models.ResourceMessages, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	now := time.Now()
	_, err = h.deliver("invoice.paid", invoiceObject("in_1", "sub_1", now, now.AddDate(0, 1, 0)))
	require.NoError(t, err)

	allowed, err = h.services.Entitlements.Allow(ctx, "u1", models.ResourceMessages, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(49), h.entitlement("u1").MessagesRemaining)

	_, err = h.services.Entitlements.Allow(ctx, "", models.ResourceMessages, 1)
	assert.ErrorIs(t, err, ErrUserUnauthenticated)
}
