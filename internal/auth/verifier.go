// Package auth verifies bearer tokens issued by the account service and
// exposes the caller identity to billing handlers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-billing/internal/common"
)

// RoleAdmin grants access to capture, refund and feature administration.
const RoleAdmin = "admin"

const rolesClaim = "roles"

// Claims is the verified identity carried by an access token.
type Claims struct {
	UserID string
	Roles  []string
}

// tokenPolicy holds the registered-claim requirements for access tokens.
type tokenPolicy struct {
	issuer    string
	audience  string
	skew      time.Duration
	algorithm jwa.SignatureAlgorithm
}

// validate checks expiry, issuer and audience, then the claims billing
// handlers depend on: a subject to scope invoices and a well-formed roles list.
func (p tokenPolicy) validate(tok jwt.Token, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if p.skew > 0 {
		options = append(options, jwt.WithAcceptableSkew(p.skew))
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		options = append(options, jwt.WithAudience(p.audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}
	if strings.TrimSpace(tok.Subject()) == "" {
		return errors.New("auth: token missing subject")
	}
	if raw, ok := tok.Get(rolesClaim); ok && rolesFrom(tok) == nil {
		return fmt.Errorf("auth: roles claim has unsupported type %T", raw)
	}
	return nil
}

// Verifier checks HMAC-signed access tokens.
type Verifier struct {
	secret []byte
	policy tokenPolicy
	ttl    time.Duration
	now    func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the verifier clock.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithTTL sets the lifetime of tokens produced by Issue.
func WithTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) { v.ttl = ttl }
}

// NewVerifier builds a verifier for HS256 tokens with the given issuer and audience.
func NewVerifier(secret, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		policy: tokenPolicy{
			issuer:    issuer,
			audience:  audience,
			skew:      30 * time.Second,
			algorithm: jwa.HS256,
		},
		ttl: 15 * time.Minute,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses token and returns its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, unauthorized("missing token", nil)
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if algorithm != v.policy.algorithm {
		return Claims{}, unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if err := v.policy.validate(parsed, v.now()); err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	return Claims{UserID: parsed.Subject(), Roles: rolesFrom(parsed)}, nil
}

// Issue signs a token for userID. It backs local tooling and tests; production
// tokens come from the account service.
func (v *Verifier) Issue(userID string, roles ...string) (string, error) {
	now := v.now()
	builder := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(v.ttl))
	if v.policy.issuer != "" {
		builder = builder.Issuer(v.policy.issuer)
	}
	if v.policy.audience != "" {
		builder = builder.Audience([]string{v.policy.audience})
	}
	if len(roles) > 0 {
		builder = builder.Claim(rolesClaim, roles)
	}
	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("auth: build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(v.policy.algorithm, v.secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

func rolesFrom(tok jwt.Token) []string {
	raw, ok := tok.Get(rolesClaim)
	if !ok {
		return nil
	}
	switch vals := raw.(type) {
	case []string:
		return vals
	case []any:
		roles := make([]string, 0, len(vals))
		for _, v := range vals {
			if s, ok := v.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return strings.Fields(vals)
	}
	return nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", errors.New("auth: token must carry exactly one signature")
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() == "" {
		return "", errors.New("auth: token missing algorithm")
	}
	return headers.Algorithm(), nil
}

func unauthorized(message string, err error) error {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}
