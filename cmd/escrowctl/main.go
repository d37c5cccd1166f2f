package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultRPCEndpoint = "http://127.0.0.1:8080/rpc"
	rpcEndpointEnv     = "ESCROWCTL_RPC"
	rpcTokenEnv        = "ESCROWCTL_TOKEN"
	keystorePassEnv    = "ESCROWCTL_PASS"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "derive":
		return runDerive(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "release":
		return runSettle("escrow_release", args[1:], stdout, stderr)
	case "refund":
		return runSettle("escrow_refund", args[1:], stdout, stderr)
	case "get":
		return runAddressQuery("escrow_get", args[1:], stdout, stderr)
	case "balance":
		return runAddressQuery("ledger_balance", args[1:], stdout, stderr)
	case "deposit":
		return runDeposit(args[1:], stdout, stderr)
	case "plans":
		return runPlans(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl <command> [flags]

Commands:
  derive   Compute an escrow custody address offline
  keygen   Generate an identity and store it in an encrypted keystore
  token    Mint a bearer token for an identity
  create   Create an escrow for the authenticated identity
  fund     Move funds from the owner into an escrow
  release  Pay an escrow's balance to its plan payee
  refund   Return an escrow's balance to its owner
  get      Fetch an escrow record
  balance  Fetch a ledger balance
  deposit  Credit an identity (operator scope)
  plans    List the plan catalog
  export   Export the audit log (parquet, csv or jsonl)
`)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}
