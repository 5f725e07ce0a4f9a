// Package auth issues and verifies bearer tokens. Tokens are HS256 JWTs
// obtained by password login; an OIDC provider's ID tokens may be accepted
// as well.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrBadPassword is returned by Login for a wrong password.
	ErrBadPassword = errors.New("incorrect password")
)

// Config configures the authenticator. With neither Password nor
// OIDCIssuerURL set, authentication is disabled.
type Config struct {
	Password string
	Secret   string
	TokenTTL time.Duration

	OIDCIssuerURL string
	OIDCClientID  string
}

// DefaultConfig returns a Config with a 30 day token lifetime.
func DefaultConfig() Config {
	return Config{TokenTTL: 30 * 24 * time.Hour}
}

// Token is the login response.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Principal is the verified caller.
type Principal struct {
	Subject string
	Method  string // "password", "oidc" or "anonymous"
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	config   Config
	secret   []byte
	verifier *oidc.IDTokenVerifier
	now      func() time.Time
}

// New creates an Authenticator. When an OIDC issuer is configured its
// discovery document is fetched using ctx.
func New(ctx context.Context, cfg Config) (*Authenticator, error) {
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.Password != "" && cfg.Secret == "" {
		return nil, fmt.Errorf("a JWT secret is required when password login is enabled")
	}
	a := &Authenticator{config: cfg, secret: []byte(cfg.Secret), now: time.Now}
	if issuer := strings.TrimSpace(cfg.OIDCIssuerURL); issuer != "" {
		provider, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		a.verifier = provider.Verifier(&oidc.Config{ClientID: strings.TrimSpace(cfg.OIDCClientID)})
	}
	return a, nil
}

// Enabled reports whether requests must carry a token.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.config.Password != "" || a.verifier != nil)
}

// Login exchanges the configured password for a token.
func (a *Authenticator) Login(password string) (Token, error) {
	if a.config.Password == "" {
		return Token{}, fmt.Errorf("password login is not enabled")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.config.Password)) != 1 {
		return Token{}, ErrBadPassword
	}
	return a.Issue("user")
}

// Issue signs a token for subject.
func (a *Authenticator) Issue(subject string) (Token, error) {
	now := a.now().UTC()
	exp := now.Add(a.config.TokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp}, nil
}

// Verify checks a raw bearer token. Locally issued tokens are tried first,
// then the OIDC provider if one is configured.
func (a *Authenticator) Verify(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	if len(a.secret) > 0 {
		var c jwt.RegisteredClaims
		parsed, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(a.now))
		if err == nil && parsed.Valid {
			return Principal{Subject: c.Subject, Method: "password"}, nil
		}
		if a.verifier == nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if a.verifier != nil {
		idToken, err := a.verifier.Verify(ctx, raw)
		if err != nil {
			slog.Debug("oidc token rejected", "error", err)
			return Principal{}, ErrInvalidToken
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return Principal{}, ErrInvalidToken
		}
		sub := claimString(claims, "email", "preferred_username", "sub")
		if sub == "" {
			sub = "oidc-user"
		}
		return Principal{Subject: sub, Method: "oidc"}, nil
	}
	return Principal{}, ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(header[len("Bearer "):])
	return tok, tok != ""
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the caller stored by WithPrincipal, or an
// anonymous principal.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Principal{Subject: "anonymous", Method: "anonymous"}
}

func claimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
