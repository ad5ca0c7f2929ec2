package main

import (
	"flag"
	"fmt"
	"os"

	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/database"
)

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "Postgres DSN (defaults to $POSTGRES_DSN)")
	steps := fs.Int("steps", 1, "Number of migrations to roll back (down only)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: billingctl migrate <subcommand> [options]

Manage the embedded Postgres schema migrations.

Subcommands:
  up        Apply all pending migrations
  down      Roll back the most recent migrations (--steps)
  version   Show the current schema version

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: up, down, or version")
	}
	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if *dsn == "" {
		*dsn = config.LoadConfig().PostgresDSN
	}
	if *dsn == "" {
		return fmt.Errorf("no database: pass --dsn or set POSTGRES_DSN")
	}

	switch subcmd {
	case "up":
		applied, err := database.MigrateUp(*dsn)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Println("✅ Schema already up to date")
			return nil
		}
		fmt.Println("✅ Migrations applied")
	case "down":
		if err := database.MigrateDown(*dsn, *steps); err != nil {
			return err
		}
		fmt.Printf("✅ Rolled back %d migration(s)\n", *steps)
	case "version":
		status, err := database.MigrationVersion(*dsn)
		if err != nil {
			return err
		}
		if !status.Applied {
			fmt.Println("No migrations applied")
			return nil
		}
		fmt.Fprintf(os.Stdout, "version=%d dirty=%t\n", status.Version, status.Dirty)
	default:
		fs.Usage()
		return fmt.Errorf("unknown migrate subcommand: %s", subcmd)
	}
	return nil
}
