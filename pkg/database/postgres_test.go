package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscriptionColumnNames = []string{
	"id", "user_id", "plan_id", "status", "external_customer_id", "external_subscription_id",
	"external_checkout_session_id", "current_period_start", "current_period_end", "auto_renew",
	"tokens_remaining", "messages_remaining", "canceled_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func subscriptionRow(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(subscriptionColumnNames).AddRow(
		"rec-1", "u1", "starter", status, "cus_1", "sub_1",
		"cs_1", now, now.AddDate(0, 1, 0), true,
		int64(1000), int64(50), nil, now, now,
	)
}

func TestPostgresConsumeQuota(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE quota_ledger").
		WithArgs("u1", "tokens", int64(5), now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("UPDATE quota_ledger").
		WithArgs("u1", "tokens", int64(5000), now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := store.ConsumeQuota(context.Background(), "u1", models.ResourceTokens, 5, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeQuota(context.Background(), "u1", models.ResourceTokens, 5000, now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRolloverQuota(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	next := NextResetAfter(now)

	mock.ExpectQuery("next_reset_at <= \\$4").
		WithArgs("u1", "messages", int64(50), now, next).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rolled, err := store.RolloverQuota(context.Background(), "u1", models.ResourceMessages, 50, now, next)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreatePendingSubscriptionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	session := "cs_1"

	// 条件插入未命中：已有有效订阅
	mock.ExpectQuery("INSERT INTO subscriptions").
		WithArgs(sqlmock.AnyArg(), "u1", "starter", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))
	// 会话ID唯一约束冲突
	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.CreatePendingSubscription(context.Background(), &models.Subscription{
		UserID: "u1", PlanID: "starter", ExternalCheckoutSessionID: &session,
	})
	assert.ErrorIs(t, err, ErrConflict)

	err = store.CreatePendingSubscription(context.Background(), &models.Subscription{
		UserID: "u1", PlanID: "starter", ExternalCheckoutSessionID: &session,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreatePendingSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

	sub := &models.Subscription{UserID: "u1", PlanID: "starter"}
	require.NoError(t, store.CreatePendingSubscription(context.Background(), sub))
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, models.StatusPending, sub.Status)
	assert.True(t, sub.AutoRenew)
	assert.Equal(t, created, sub.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplySubscriptionUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	status := models.StatusActive

	mock.ExpectQuery("UPDATE subscriptions").
		WithArgs("sub_missing", "active", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))

	_, err := store.ApplySubscriptionUpdate(context.Background(), models.SubscriptionUpdate{
		ExternalSubscriptionID: "sub_missing",
		Status:                 &status,
		PreserveStatuses:       []models.SubscriptionStatus{models.StatusCanceled},
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplySubscriptionUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	status := models.StatusPastDue

	mock.ExpectQuery("UPDATE subscriptions").WillReturnRows(subscriptionRow("past_due"))

	sub, err := store.ApplySubscriptionUpdate(context.Background(), models.SubscriptionUpdate{
		ExternalSubscriptionID: "sub_1",
		Status:                 &status,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_1", *sub.ExternalSubscriptionID)
	assert.Nil(t, sub.CanceledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCheckoutStale(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("cs_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}).AddRow("rec-1", "u1", "canceled"))
	mock.ExpectQuery("FROM subscriptions WHERE id = \\$1").
		WithArgs("rec-1").
		WillReturnRows(subscriptionRow("canceled"))
	mock.ExpectCommit()

	sub, activated, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{
		CheckoutSessionID: "cs_1", ExternalSubscriptionID: "sub_1", Status: models.StatusActive,
	})
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCheckoutUnknownSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("cs_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}))
	mock.ExpectRollback()

	_, _, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{CheckoutSessionID: "cs_unknown"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCheckoutPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("cs_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}).AddRow("rec-1", "u1", "pending"))
	mock.ExpectExec("SET status = 'canceled'").
		WithArgs("u1", "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE subscriptions").
		WithArgs("rec-1", "active", "sub_1", "cus_1").
		WillReturnRows(subscriptionRow("active"))
	mock.ExpectCommit()

	sub, activated, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{
		CheckoutSessionID:      "cs_1",
		ExternalSubscriptionID: "sub_1",
		ExternalCustomerID:     "cus_1",
		Status:                 models.StatusActive,
	})
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetPlan(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM plans WHERE id = \\$1").
		WithArgs("starter").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "price_cents", "currency", "billing_interval", "tokens_per_cycle", "messages_per_cycle",
			"trial_days", "external_product_id", "external_price_id", "is_active", "created_at", "updated_at",
		}).AddRow("starter", "Starter", int64(999), "usd", "month", int64(1000), int64(50), int64(0), nil, "price_1", true, now, now))
	mock.ExpectQuery("FROM plans WHERE id = \\$1").
		WithArgs("platinum").
		WillReturnError(sql.ErrNoRows)

	plan, err := store.GetPlan(context.Background(), "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), plan.TokensPerCycle)
	assert.Nil(t, plan.ExternalProductID)
	assert.True(t, plan.Payable())

	_, err = store.GetPlan(context.Background(), "platinum")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetPlanExternalIDsMissingPlan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE plans").
		WithArgs("ghost", "prod_1", "price_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetPlanExternalIDs(context.Background(), "ghost", "prod_1", "price_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateError(t *testing.T) {
	assert.Nil(t, translateError(nil))
	assert.ErrorIs(t, translateError(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, translateError(&pq.Error{Code: "23505"}), ErrConflict)

	other := errors.New("boom")
	assert.Equal(t, other, translateError(other))
}

func TestAddConnectionParams(t *testing.T) {
	assert.Equal(t, "postgres://h/db?connect_timeout=10", addConnectionParams("postgres://h/db", "connect_timeout=10"))
	assert.Equal(t, "postgres://h/db?sslmode=disable&connect_timeout=10", addConnectionParams("postgres://h/db?sslmode=disable", "connect_timeout=10"))
	assert.Equal(t, "host=h dbname=db", addConnectionParams("host=h dbname=db", "connect_timeout=10"))
}

func TestPostgresScheduledCancelGuardsStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHEN \$3 = 'cancel_pending' AND status NOT IN \('active','trial'\) THEN status`).
		WithArgs("u1", "sub_1", "cancel_pending", false).
		WillReturnRows(subscriptionRow("past_due"))

	sub, err := store.SetOwnedSubscriptionStatus(context.Background(), "u1", "sub_1", models.StatusCancelPending, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
