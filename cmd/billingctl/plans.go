package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/logging"
)

func runPlans(args []string) error {
	fs := flag.NewFlagSet("plans", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Show what sync would create without calling Stripe")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: billingctl plans <subcommand> [options]

Subcommands:
  list      Print the plan catalog
  sync      Create Stripe products and prices for plans without a price id

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: list or sync")
	}
	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg := config.LoadConfig()
	logger := logging.New(cfg)
	store, err := database.NewStore(database.DatabaseConfig{
		UseLocalDB:   cfg.UseLocalDB,
		LocalDataDir: cfg.LocalDataDir,
		PostgresDSN:  cfg.PostgresDSN,
		SupabaseURL:  cfg.SupabaseURL,
		SupabaseKey:  cfg.SupabaseKey,
		Debug:        cfg.Debug,
	}, logging.Component(logger, "database"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	plans, err := store.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}

	switch subcmd {
	case "list":
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPRICE\tTOKENS\tMESSAGES\tTRIAL\tSTRIPE PRICE")
		for _, p := range plans {
			price := "-"
			if p.ExternalPriceID != nil {
				price = *p.ExternalPriceID
			}
			fmt.Fprintf(tw, "%s\t%s\t%d %s/%s\t%d\t%d\t%dd\t%s\n",
				p.ID, p.Name, p.PriceCents, p.Currency, p.BillingInterval,
				p.TokensPerCycle, p.MessagesPerCycle, p.TrialDays, price)
		}
		return tw.Flush()

	case "sync":
		if cfg.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for plans sync")
		}
		provider := billing.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		for _, p := range plans {
			if p.Payable() {
				fmt.Printf("⏭️  %s already has price %s\n", p.ID, *p.ExternalPriceID)
				continue
			}
			if *dryRun {
				fmt.Printf("📝 would create price for %s (%d %s/%s)\n", p.ID, p.PriceCents, p.Currency, p.BillingInterval)
				continue
			}
			productID, priceID, err := provider.SyncPlan(ctx, p)
			if err != nil {
				return fmt.Errorf("sync plan %s: %w", p.ID, err)
			}
			if err := store.SetPlanExternalIDs(ctx, p.ID, productID, priceID); err != nil {
				return fmt.Errorf("store ids for plan %s: %w", p.ID, err)
			}
			fmt.Printf("✅ %s -> product %s, price %s\n", p.ID, productID, priceID)
		}
		return nil

	default:
		fs.Usage()
		return fmt.Errorf("unknown plans subcommand: %s", subcmd)
	}
}
