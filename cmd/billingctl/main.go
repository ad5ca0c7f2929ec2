package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"serve":    runServe,
	"migrate":  runMigrate,
	"plans":    runPlans,
	"webhooks": runWebhooks,
	"token":    runToken,
}

func usage() {
	fmt.Fprintf(os.Stderr, `billingctl - billing backend admin CLI (version %s)

Usage:
  billingctl <command> [options]

Commands:
  serve      Run the HTTP API locally
  migrate    Manage the Postgres schema (up, down, version)
  plans      Plan catalog tooling (list, sync)
  webhooks   Webhook tooling (verify-secrets)
  token      Mint a development access token

Configuration is read from the environment and .env files.
Run 'billingctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
