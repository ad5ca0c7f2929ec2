package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"parentpilot-billing/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type restCall struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
	Header http.Header
}

// fakePostgREST 按顺序返回预置响应并记录请求
type fakePostgREST struct {
	mu      sync.Mutex
	calls   []restCall
	replies []string
	status  int
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, restCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body, Header: r.Header.Clone()})
	reply := "[]"
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, reply)
}

func newSupabaseStub(t *testing.T, replies ...string) (*SupabaseStore, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{replies: replies}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewSupabaseStore(srv.URL+"/", "service-key"), fake
}

func TestSupabaseSendsServiceKey(t *testing.T) {
	store, fake := newSupabaseStub(t, `[{"id":"starter","name":"Starter","tokens_per_cycle":1000,"messages_per_cycle":50,"is_active":true}]`)

	plan, err := store.GetPlan(context.Background(), "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), plan.TokensPerCycle)

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "/rest/v1/plans", call.Path)
	assert.Contains(t, call.Query, "id=eq.starter")
	assert.Equal(t, "service-key", call.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", call.Header.Get("Authorization"))
}

func TestSupabaseGetPlanNotFound(t *testing.T) {
	store, _ := newSupabaseStub(t, `[]`)

	_, err := store.GetPlan(context.Background(), "platinum")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseStatusMapsToSentinels(t *testing.T) {
	store, fake := newSupabaseStub(t, `{"code":"23505","message":"duplicate key"}`)
	fake.status = http.StatusConflict

	err := store.CreatePendingSubscription(context.Background(), &models.Subscription{UserID: "u1", PlanID: "starter"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "409")
}

func TestSupabaseCreatePendingSubscription(t *testing.T) {
	store, fake := newSupabaseStub(t, `[]`, `[{"id":"rec-1","user_id":"u1","plan_id":"starter","status":"pending","auto_renew":true}]`)
	session := "cs_1"

	err := store.CreatePendingSubscription(context.Background(), &models.Subscription{UserID: "u1", PlanID: "starter"})
	assert.ErrorIs(t, err, ErrConflict)

	sub := &models.Subscription{UserID: "u1", PlanID: "starter", ExternalCheckoutSessionID: &session}
	require.NoError(t, store.CreatePendingSubscription(context.Background(), sub))
	assert.Equal(t, "rec-1", sub.ID)
	assert.Equal(t, models.StatusPending, sub.Status)

	assert.Equal(t, "/rest/v1/rpc/create_pending_subscription", fake.calls[1].Path)
	assert.Equal(t, "cs_1", fake.calls[1].Body["p_session_id"])
}

func TestSupabaseConsumeQuota(t *testing.T) {
	store, fake := newSupabaseStub(t, `42`, `null`)
	now := time.Now()

	ok, err := store.ConsumeQuota(context.Background(), "u1", models.ResourceTokens, 10, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeQuota(context.Background(), "u1", models.ResourceTokens, 10, now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, "/rest/v1/rpc/consume_quota", fake.calls[0].Path)
	assert.Equal(t, "tokens", fake.calls[0].Body["p_resource"])
	assert.Equal(t, float64(10), fake.calls[0].Body["p_amount"])
}

func TestSupabaseApplyUpdateKeepsPreservedStatus(t *testing.T) {
	// 第一次带状态的 PATCH 被过滤为空，第二次只写其他字段
	store, fake := newSupabaseStub(t, `[]`, `[{"id":"rec-1","user_id":"u1","plan_id":"starter","status":"canceled","external_subscription_id":"sub_1"}]`)
	status := models.StatusActive
	end := time.Now().AddDate(0, 1, 0)

	sub, err := store.ApplySubscriptionUpdate(context.Background(), models.SubscriptionUpdate{
		ExternalSubscriptionID: "sub_1",
		Status:                 &status,
		PreserveStatuses:       []models.SubscriptionStatus{models.StatusCanceled},
		CurrentPeriodEnd:       &end,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, sub.Status)

	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[0].Query, "status=not.in.(canceled)")
	assert.Equal(t, "active", fake.calls[0].Body["status"])
	_, hasStatus := fake.calls[1].Body["status"]
	assert.False(t, hasStatus)
	assert.NotNil(t, fake.calls[1].Body["current_period_end"])
}

func TestSupabaseApplyUpdateNotFound(t *testing.T) {
	store, _ := newSupabaseStub(t, `[]`, `[]`)
	status := models.StatusActive

	_, err := store.ApplySubscriptionUpdate(context.Background(), models.SubscriptionUpdate{
		ExternalSubscriptionID: "sub_ghost",
		Status:                 &status,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseActivateCheckout(t *testing.T) {
	store, fake := newSupabaseStub(t, `{"subscription":{"id":"rec-1","user_id":"u1","plan_id":"starter","status":"active"},"activated":true}`)

	sub, activated, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{
		CheckoutSessionID: "cs_1", ExternalSubscriptionID: "sub_1", Status: models.StatusActive,
	})
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "/rest/v1/rpc/activate_checkout", fake.calls[0].Path)
	assert.Equal(t, "sub_1", fake.calls[0].Body["p_subscription_id"])
}

func TestSupabaseGetCurrentSubscriptionPicksEntitled(t *testing.T) {
	store, fake := newSupabaseStub(t, `[
		{"id":"new","user_id":"u1","plan_id":"starter","status":"canceled","created_at":"2026-03-02T00:00:00Z"},
		{"id":"old","user_id":"u1","plan_id":"family","status":"active","created_at":"2026-01-02T00:00:00Z","plan":{"id":"family","tokens_per_cycle":5000}}
	]`)

	sub, err := store.GetCurrentSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "old", sub.ID)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, int64(5000), sub.Plan.TokensPerCycle)
	assert.Contains(t, fake.calls[0].Query, "plan:plans(*)")
}

func TestSupabaseRolloverQuota(t *testing.T) {
	store, fake := newSupabaseStub(t, `[{"user_id":"u1","resource":"messages","used_count":0,"limit_count":50}]`, ``)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	rolled, err := store.RolloverQuota(context.Background(), "u1", models.ResourceMessages, 50, now, NextResetAfter(now))
	require.NoError(t, err)
	assert.True(t, rolled)

	require.Len(t, fake.calls, 2)
	assert.True(t, strings.HasPrefix(fake.calls[0].Query, "user_id=eq.u1&resource=eq.messages&next_reset_at=lte."))
	assert.Equal(t, float64(50), fake.calls[1].Body["messages_remaining"])
	assert.Equal(t, "return=minimal", fake.calls[1].Header.Get("Prefer"))
}

func TestNewSupabaseStoreNormalizesURL(t *testing.T) {
	store := NewSupabaseStore("abc.supabase.co/", "k")
	assert.Equal(t, "https://abc.supabase.co", store.baseURL)
}

func TestSupabaseActivateCheckoutUnknownSession(t *testing.T) {
	store, fake := newSupabaseStub(t, `{"found":false}`)

	_, _, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{
		CheckoutSessionID: "cs_ghost", ExternalSubscriptionID: "sub_ghost", Status: models.StatusActive,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "", fake.calls[0].Body["p_user_id"])
}

func TestSupabaseStatusNotFoundMapsToSentinel(t *testing.T) {
	store, fake := newSupabaseStub(t, `{"code":"PGRST202","message":"function not found"}`)
	fake.status = http.StatusNotFound

	_, _, err := store.ActivateCheckout(context.Background(), models.CheckoutActivation{CheckoutSessionID: "cs_1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseScheduledCancelKeepsPastDue(t *testing.T) {
	// 第一次 PATCH 限定 active/trial，未命中后只关闭自动续费
	store, fake := newSupabaseStub(t, `[]`, `[{"id":"rec-1","user_id":"u1","plan_id":"starter","status":"past_due","auto_renew":false,"external_subscription_id":"sub_1"}]`)

	sub, err := store.SetOwnedSubscriptionStatus(context.Background(), "u1", "sub_1", models.StatusCancelPending, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.False(t, sub.AutoRenew)

	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[0].Query, "status=in.(active,trial)")
	assert.Equal(t, "cancel_pending", fake.calls[0].Body["status"])
	assert.NotContains(t, fake.calls[1].Query, "status=")
	_, hasStatus := fake.calls[1].Body["status"]
	assert.False(t, hasStatus)
	assert.Equal(t, false, fake.calls[1].Body["auto_renew"])
}

func TestSupabaseImmediateCancelIsUnfiltered(t *testing.T) {
	store, fake := newSupabaseStub(t, `[{"id":"rec-1","user_id":"u1","plan_id":"starter","status":"canceled","external_subscription_id":"sub_1"}]`)

	sub, err := store.SetOwnedSubscriptionStatus(context.Background(), "u1", "sub_1", models.StatusCanceled, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, sub.Status)
	require.Len(t, fake.calls, 1)
	assert.NotContains(t, fake.calls[0].Query, "status=")
	assert.NotNil(t, fake.calls[0].Body["canceled_at"])
}
