package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"paymentengine/cmd/internal/passphrase"
	"paymentengine/config"
	"paymentengine/crypto"
	"paymentengine/rpc"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var (
		out      string
		passEnv  string
		lightKDF bool
	)
	fs.StringVar(&out, "out", "identity.keystore", "keystore output path")
	fs.StringVar(&passEnv, "pass-env", keystorePassEnv, "environment variable holding the keystore passphrase")
	fs.BoolVar(&lightKDF, "light-kdf", false, "use light scrypt parameters (development only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if lightKDF {
		crypto.UseLightScrypt()
	}
	pass, err := passphrase.NewSource(passEnv, "identity keystore").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.PublicKey(), out)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		configPath string
		keystore   string
		passEnv    string
		subject    string
		scopes     string
		ttl        time.Duration
	)
	fs.StringVar(&configPath, "config", "./config.toml", "paymentd configuration holding the token secret")
	fs.StringVar(&keystore, "keystore", "", "keystore whose identity becomes the token subject")
	fs.StringVar(&passEnv, "pass-env", keystorePassEnv, "environment variable holding the keystore passphrase")
	fs.StringVar(&subject, "subject", "", "token subject when no keystore is given (base58)")
	fs.StringVar(&scopes, "scope", rpc.ScopeEscrow, "comma separated scopes")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}

	var sub solana.PublicKey
	switch {
	case strings.TrimSpace(keystore) != "" && strings.TrimSpace(subject) != "":
		return printError(stderr, "use either --keystore or --subject")
	case strings.TrimSpace(keystore) != "":
		pass, err := passphrase.NewSource(passEnv, "identity keystore").Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(keystore, pass)
		if err != nil {
			return printError(stderr, fmt.Sprintf("load keystore: %v", err))
		}
		sub = key.PublicKey()
	default:
		parsed, err := crypto.ParseAddress(subject)
		if err != nil {
			return printError(stderr, fmt.Sprintf("invalid --subject: %v", err))
		}
		sub = parsed
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return printError(stderr, fmt.Sprintf("load config: %v", err))
	}
	secret, err := cfg.Auth.Secret()
	if err != nil {
		return printError(stderr, err.Error())
	}
	token, err := rpc.IssueToken(secret, sub, splitScopes(scopes), cfg.Auth.Issuer, cfg.Auth.Audience, ttl)
	if err != nil {
		return printError(stderr, fmt.Sprintf("issue token: %v", err))
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func splitScopes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if scope := strings.TrimSpace(part); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
