package billing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stripeCall struct {
	Method string
	Path   string
	Form   url.Values
}

// stripeStub 记录请求并按路径返回固定响应
type stripeStub struct {
	mu        sync.Mutex
	calls     []stripeCall
	responses map[string]func(w http.ResponseWriter)
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	s.mu.Lock()
	s.calls = append(s.calls, stripeCall{Method: r.Method, Path: r.URL.Path, Form: form})
	respond, ok := s.responses[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such resource"}}`)
		return
	}
	respond(w)
}

func jsonReply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func newStubbedStripe(t *testing.T, responses map[string]func(w http.ResponseWriter)) (*StripeProvider, *stripeStub) {
	t.Helper()
	stub := &stripeStub{responses: responses}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return newStripeProvider("sk_test_123", testWebhookSecret, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}), stub
}

func TestStripeCancelAtPeriodEnd(t *testing.T) {
	provider, stub := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"POST /v1/subscriptions/sub_1": jsonReply(http.StatusOK, `{"id":"sub_1","object":"subscription","status":"active","cancel_at_period_end":true}`),
	})

	require.NoError(t, provider.CancelSubscription(context.Background(), "sub_1", true))
	require.Len(t, stub.calls, 1)
	assert.Equal(t, "true", stub.calls[0].Form.Get("cancel_at_period_end"))
}

func TestStripeCancelImmediately(t *testing.T) {
	provider, stub := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"DELETE /v1/subscriptions/sub_1": jsonReply(http.StatusOK, `{"id":"sub_1","object":"subscription","status":"canceled"}`),
	})

	require.NoError(t, provider.CancelSubscription(context.Background(), "sub_1", false))
	require.Len(t, stub.calls, 1)
	assert.Equal(t, http.MethodDelete, stub.calls[0].Method)
}

func TestStripeCreateCheckoutSession(t *testing.T) {
	provider, stub := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"POST /v1/checkout/sessions": jsonReply(http.StatusOK, `{"id":"cs_live_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_live_1"}`),
	})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutRequest{
		CustomerID: "cus_1",
		PriceID:    "price_family",
		UserID:     "u1",
		PlanID:     "family",
		TrialDays:  7,
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_live_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_live_1", session.URL)

	form := stub.calls[0].Form
	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "u1", form.Get("client_reference_id"))
	assert.Equal(t, "price_family", form.Get("line_items[0][price]"))
	assert.Equal(t, "7", form.Get("subscription_data[trial_period_days]"))
	assert.Equal(t, "u1", form.Get("metadata[user_id]"))
	assert.Equal(t, "true", form.Get("metadata[trial]"))
	assert.Equal(t, "family", form.Get("subscription_data[metadata][plan_id]"))
}

func TestStripeErrorsBecomeProviderErrors(t *testing.T) {
	provider, _ := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"POST /v1/checkout/sessions/cs_1/expire": jsonReply(http.StatusBadRequest,
			`{"error":{"type":"invalid_request_error","code":"checkout_session_not_open","message":"Session is already complete"}}`),
	})

	err := provider.ExpireCheckoutSession(context.Background(), "cs_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.Contains(t, err.Error(), "checkout_session_not_open")
	assert.Contains(t, err.Error(), "Session is already complete")
}

func TestStripeFindOrCreateCustomerReusesSearchHit(t *testing.T) {
	provider, stub := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"GET /v1/customers/search": jsonReply(http.StatusOK,
			`{"object":"search_result","url":"/v1/customers/search","has_more":false,"data":[{"id":"cus_found","object":"customer"}]}`),
	})

	id, err := provider.FindOrCreateCustomer(context.Background(), "u1", "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_found", id)
	assert.Len(t, stub.calls, 1)
}

func TestStripeFindOrCreateCustomerCreatesWhenMissing(t *testing.T) {
	empty := `{"object":"list","url":"/v1/customers","has_more":false,"data":[]}`
	provider, stub := newStubbedStripe(t, map[string]func(http.ResponseWriter){
		"GET /v1/customers/search": jsonReply(http.StatusOK, `{"object":"search_result","url":"/v1/customers/search","has_more":false,"data":[]}`),
		"GET /v1/customers":        jsonReply(http.StatusOK, empty),
		"POST /v1/customers":       jsonReply(http.StatusOK, `{"id":"cus_new","object":"customer"}`),
	})

	id, err := provider.FindOrCreateCustomer(context.Background(), "u1", "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
	require.Len(t, stub.calls, 3)
	assert.Equal(t, "u1", stub.calls[2].Form.Get("metadata[user_id]"))
	assert.Equal(t, "parent@example.com", stub.calls[2].Form.Get("email"))
}
