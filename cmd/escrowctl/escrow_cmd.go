package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"

	"paymentengine/crypto"
	"paymentengine/native/escrow"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of escrowctl %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("derive", stderr)
	var (
		owner   string
		seed    uint64
		planID  uint64
		program string
	)
	fs.StringVar(&owner, "owner", "", "owner identity (base58)")
	fs.Uint64Var(&seed, "seed", 0, "escrow seed")
	fs.Uint64Var(&planID, "plan", 0, "plan identifier")
	fs.StringVar(&program, "program", escrow.ProgramID.String(), "program identity the address is derived under")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ownerKey, err := crypto.ParseAddress(owner)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --owner: %v", err))
	}
	programKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(program))
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --program: %v", err))
	}
	address, bump, err := escrow.NewDeriver(programKey).Derive(ownerKey, seed, planID)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "address: %s\nbump: %d\n", address, bump)
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		target rpcTarget
		seed   uint64
		planID uint64
	)
	bindTarget(fs, &target, true)
	fs.Uint64Var(&seed, "seed", 0, "escrow seed")
	fs.Uint64Var(&planID, "plan", 0, "plan identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(target.token) == "" {
		return printError(stderr, "--token is required")
	}
	params := map[string]interface{}{"seed": seed, "planId": planID}
	return invoke(target, "escrow_create", params, stdout, stderr)
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	var (
		target  rpcTarget
		address string
		amount  string
	)
	bindTarget(fs, &target, true)
	fs.StringVar(&address, "address", "", "escrow custody address")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := crypto.ParseAddress(address); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	if strings.TrimSpace(amount) == "" {
		return printError(stderr, "--amount is required")
	}
	params := map[string]string{"address": strings.TrimSpace(address), "amount": strings.TrimSpace(amount)}
	return invoke(target, "escrow_fund", params, stdout, stderr)
}

// runSettle drives release and refund, which share a parameter shape.
func runSettle(method string, args []string, stdout, stderr io.Writer) int {
	name := strings.TrimPrefix(method, "escrow_")
	fs := newFlagSet(name, stderr)
	var (
		target  rpcTarget
		address string
	)
	bindTarget(fs, &target, true)
	fs.StringVar(&address, "address", "", "escrow custody address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := crypto.ParseAddress(address); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	return invoke(target, method, map[string]string{"address": strings.TrimSpace(address)}, stdout, stderr)
}

func runAddressQuery(method string, args []string, stdout, stderr io.Writer) int {
	name := "get"
	if method == "ledger_balance" {
		name = "balance"
	}
	fs := newFlagSet(name, stderr)
	var (
		target  rpcTarget
		address string
	)
	bindTarget(fs, &target, false)
	fs.StringVar(&address, "address", "", "identity or escrow address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := crypto.ParseAddress(address); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	return invoke(target, method, map[string]string{"address": strings.TrimSpace(address)}, stdout, stderr)
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deposit", stderr)
	var (
		target  rpcTarget
		address string
		amount  string
	)
	bindTarget(fs, &target, true)
	fs.StringVar(&address, "address", "", "identity to credit")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	if crypto.IsCustodyAddress(addr) {
		return printError(stderr, "custody addresses cannot receive deposits")
	}
	if strings.TrimSpace(amount) == "" {
		return printError(stderr, "--amount is required")
	}
	params := map[string]string{"address": addr.String(), "amount": strings.TrimSpace(amount)}
	return invoke(target, "ledger_deposit", params, stdout, stderr)
}

func runPlans(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("plans", stderr)
	var target rpcTarget
	bindTarget(fs, &target, false)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return invoke(target, "plan_list", nil, stdout, stderr)
}
