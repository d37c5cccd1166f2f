package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeEscrow grants the escrow lifecycle methods to the token subject.
	ScopeEscrow = "escrow"
	// ScopeOperator grants ledger administration.
	ScopeOperator = "operator"

	scopeClaim = "scope"
)

// AuthConfig configures HS256 bearer token verification.
type AuthConfig struct {
	HMACSecret []byte
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
}

// principal is the authenticated caller. A zero subject means the request
// carried no credentials.
type principal struct {
	Subject solana.PublicKey
	Scopes  []string
}

func (p principal) anonymous() bool { return p.Subject.IsZero() }

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate resolves the caller of r. Methods without a required scope
// accept anonymous callers.
func (a *Authenticator) Authenticate(r *http.Request, requiredScope string) (principal, *RPCError) {
	if requiredScope == "" {
		return principal{}, nil
	}
	if len(a.cfg.HMACSecret) == 0 {
		return principal{}, &RPCError{Code: codeUnauthorized, Message: "RPC authentication secret not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return principal{}, &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	tokenString := extractBearer(header)
	if tokenString == "" {
		return principal{}, &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	p, err := a.parse(tokenString)
	if err != nil {
		return principal{}, &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	if !hasScope(p.Scopes, requiredScope) {
		return principal{}, &RPCError{Code: codeEscrowForbidden, Message: "insufficient scope", Data: requiredScope}
	}
	return p, nil
}

func (a *Authenticator) parse(tokenString string) (principal, error) {
	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.HMACSecret, nil
	})
	if err != nil {
		return principal{}, err
	}
	if !token.Valid {
		return principal{}, errors.New("token invalid")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return principal{}, errors.New("subject claim required")
	}
	subject, err := solana.PublicKeyFromBase58(strings.TrimSpace(sub))
	if err != nil {
		return principal{}, fmt.Errorf("subject is not an identity: %w", err)
	}
	if subject.IsZero() {
		return principal{}, errors.New("subject is the zero identity")
	}
	return principal{Subject: subject, Scopes: extractScopes(claims)}, nil
}

// IssueToken mints an HS256 token for subject carrying the given scopes.
func IssueToken(secret []byte, subject solana.PublicKey, scopes []string, issuer, audience string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("rpc: token secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      subject.String(),
		scopeClaim: strings.Join(scopes, " "),
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
