package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/config"

	"github.com/stripe/stripe-go/v82/webhook"
)

// requiredEvents are the event types the webhook endpoint must be subscribed to.
var requiredEvents = []string{
	"checkout.session.completed",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"invoice.paid",
	"invoice.payment_failed",
}

const selfTestPayload = `{"id":"evt_billingctl_selftest","object":"event","type":"billingctl.selftest","data":{"object":{}}}`

func runWebhooks(args []string) error {
	fs := flag.NewFlagSet("webhooks", flag.ContinueOnError)
	remote := fs.Bool("remote", true, "Also check the endpoint registered at Stripe")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: billingctl webhooks verify-secrets [options]

Checks that STRIPE_WEBHOOK_SECRET verifies a locally signed event, rejects a
tampered one, and that Stripe has an enabled endpoint for BASE_URL.

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 || args[0] != "verify-secrets" {
		fs.Usage()
		return fmt.Errorf("subcommand required: verify-secrets")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg := config.LoadConfig()
	if cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is not set")
	}
	if !strings.HasPrefix(cfg.StripeWebhookSecret, "whsec_") {
		fmt.Println("⚠️  STRIPE_WEBHOOK_SECRET does not start with whsec_")
	}

	if err := selfTestSignature(cfg.StripeWebhookSecret); err != nil {
		return err
	}
	fmt.Println("✅ Webhook secret verifies signed events and rejects tampered ones")

	if !*remote {
		return nil
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required for the remote check (use --remote=false to skip)")
	}
	return checkEndpoint(cfg)
}

func selfTestSignature(secret string) error {
	parser := billing.NewStripeEventParser(secret)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(selfTestPayload),
		Secret:    secret,
		Timestamp: time.Now(),
	})

	ev, err := parser.ParseEvent(signed.Payload, signed.Header)
	if err != nil {
		return fmt.Errorf("signed self-test event was rejected: %w", err)
	}
	if ev.Type != billing.EventUnknown {
		return fmt.Errorf("self-test event normalized to %s", ev.Type)
	}

	tampered := []byte(strings.Replace(selfTestPayload, "selftest", "tampered", 1))
	if _, err := parser.ParseEvent(tampered, signed.Header); !errors.Is(err, billing.ErrInvalidSignature) {
		return fmt.Errorf("tampered self-test event was not rejected (err=%v)", err)
	}
	return nil
}

func checkEndpoint(cfg *config.Config) error {
	provider := billing.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	endpoints, err := provider.ListWebhookEndpoints(ctx)
	if err != nil {
		return err
	}

	want := cfg.BaseURL + "/api/webhooks/stripe"
	for _, ep := range endpoints {
		if ep.URL != want {
			continue
		}
		if ep.Status != "enabled" {
			return fmt.Errorf("endpoint %s is %s", ep.ID, ep.Status)
		}
		if missing := missingEvents(ep.EnabledEvents); len(missing) > 0 {
			return fmt.Errorf("endpoint %s is missing events: %s", ep.ID, strings.Join(missing, ", "))
		}
		fmt.Printf("✅ Endpoint %s is enabled for %s\n", ep.ID, want)
		return nil
	}
	return fmt.Errorf("no webhook endpoint registered for %s", want)
}

func missingEvents(enabled []string) []string {
	set := make(map[string]bool, len(enabled))
	for _, e := range enabled {
		set[e] = true
	}
	if set["*"] {
		return nil
	}
	var missing []string
	for _, e := range requiredEvents {
		if !set[e] {
			missing = append(missing, e)
		}
	}
	return missing
}
