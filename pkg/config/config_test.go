package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Environment:            "development",
		Port:                   "3000",
		PostgresDSN:            "postgres://localhost/billing",
		SupabaseJWTSecret:      "jwt-secret",
		PaymentProvider:        ProviderStripe,
		StripeSecretKey:        "sk_test_123",
		StripeWebhookSecret:    "whsec_123",
		BaseURL:                "https://app.example.com",
		WebhookUnmatchedPolicy: UnmatchedPolicyAck,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing port", func(c *Config) { c.Port = "" }, "PORT"},
		{"no database", func(c *Config) { c.PostgresDSN = "" }, "POSTGRES_DSN"},
		{"half supabase", func(c *Config) { c.PostgresDSN = ""; c.SupabaseURL = "https://x.supabase.co" }, "SUPABASE_SERVICE_KEY"},
		{"missing jwt secret", func(c *Config) { c.SupabaseJWTSecret = "" }, "SUPABASE_JWT_SECRET"},
		{"missing stripe key", func(c *Config) { c.StripeSecretKey = "" }, "STRIPE_SECRET_KEY"},
		{"unknown provider", func(c *Config) { c.PaymentProvider = "paypal" }, "unknown PAYMENT_PROVIDER"},
		{"fake provider in production", func(c *Config) {
			c.Environment = "production"
			c.PaymentProvider = ProviderFake
			c.RedisURL = "redis://localhost:6379"
		}, "not allowed in production"},
		{"missing webhook secret", func(c *Config) { c.StripeWebhookSecret = "" }, "STRIPE_WEBHOOK_SECRET"},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, "BASE_URL"},
		{"bad policy", func(c *Config) { c.WebhookUnmatchedPolicy = "drop" }, "WEBHOOK_UNMATCHED_POLICY"},
		{"redis required in production", func(c *Config) { c.Environment = "production" }, "REDIS_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAlternativeStores(t *testing.T) {
	c := validConfig()
	c.PostgresDSN = ""
	c.SupabaseURL = "https://x.supabase.co"
	c.SupabaseKey = "service-key"
	assert.NoError(t, c.Validate())

	c = validConfig()
	c.PostgresDSN = ""
	c.UseLocalDB = true
	c.PaymentProvider = ProviderFake
	c.StripeSecretKey = ""
	assert.NoError(t, c.Validate())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("PORT", "8080")
	t.Setenv("REQUEST_TIMEOUT", "10s")
	t.Setenv("USE_LOCAL_DB", "true")
	t.Setenv("POSTGRES_DSN", "  postgres://db/billing  ")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt")
	t.Setenv("PAYMENT_PROVIDER", "FAKE")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec")
	t.Setenv("BASE_URL", "https://app.example.com/")
	t.Setenv("DEFERRED_EVENT_TTL", "not-a-duration")
	t.Setenv("WEBHOOK_UNMATCHED_POLICY", "Reject")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, ,https://b.test")

	c := LoadConfig()
	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 10*time.Second, c.RequestTimeout)
	assert.True(t, c.UseLocalDB)
	assert.Equal(t, "postgres://db/billing", c.PostgresDSN)
	assert.Equal(t, ProviderFake, c.PaymentProvider)
	assert.Equal(t, "https://app.example.com", c.BaseURL)
	assert.Equal(t, 72*time.Hour, c.DeferredEventTTL)
	assert.Equal(t, UnmatchedPolicyReject, c.WebhookUnmatchedPolicy)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, c.AllowedOrigins)
	assert.Equal(t, "https://app.example.com/billing/success?session_id={CHECKOUT_SESSION_ID}", c.CheckoutSuccessURL())
	assert.Equal(t, "https://app.example.com/pricing?canceled=true", c.CheckoutCancelURL())
	assert.NoError(t, c.Validate())
}

func TestLoadConfigProductionOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("USE_LOCAL_DB", "true")
	t.Setenv("DEBUG", "true")
	t.Setenv("ALLOWED_ORIGINS", "*")

	c := LoadConfig()
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
	assert.False(t, c.UseLocalDB)
	assert.False(t, c.Debug)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
}
