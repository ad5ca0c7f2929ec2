package main

import (
	"flag"
	"fmt"
	"time"

	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/utils"
)

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "User id placed in the sub claim")
	email := fs.String("email", "", "Email claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: billingctl token --user <id> [options]\n\nMint an access token signed with SUPABASE_JWT_SECRET (development only).\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		fs.Usage()
		return fmt.Errorf("--user is required")
	}

	cfg := config.LoadConfig()
	if cfg.IsProduction() {
		return fmt.Errorf("token minting is disabled in production")
	}
	if cfg.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is not set")
	}

	token, err := utils.NewJWTService(cfg.SupabaseJWTSecret).GenerateAccessToken(*userID, *email, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
