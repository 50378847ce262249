package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// Authenticator establishes who is syncing. Silent must not prompt anyone;
// Interactive may.
type Authenticator interface {
	Silent(ctx context.Context, s Session) (Session, error)
	Interactive(ctx context.Context, s Session) (Session, error)
}

// Claims are the JWT claims carried by bizsync tokens.
type Claims struct {
	jwt.RegisteredClaims
	Capability Capability `json:"cap,omitempty"`
}

const tokenIssuer = "bizsync"

// NewToken signs a token for subject valid for ttl.
func NewToken(secret []byte, subject string, capability Capability, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Capability: capability,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return t.SignedString(secret)
}

// ParseToken validates token and returns its claims. Every failure, expiry
// included, is NotAuthenticated.
func ParseToken(token string, secret []byte, now func() time.Time) (*Claims, error) {
	if token == "" {
		return nil, syncErrors.NewAuthError(syncErrors.OpAuth, fmt.Errorf("no token"))
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, syncErrors.NewAuthError(syncErrors.OpAuth, fmt.Errorf("token expired: %w", err))
		}
		return nil, syncErrors.NewAuthError(syncErrors.OpAuth, err)
	}
	if !parsed.Valid {
		return nil, syncErrors.NewAuthError(syncErrors.OpAuth, fmt.Errorf("invalid token"))
	}
	if claims.Subject == "" {
		return nil, syncErrors.NewAuthError(syncErrors.OpAuth, fmt.Errorf("token has no subject"))
	}
	return claims, nil
}

// TokenAuthenticator accepts sessions whose bearer token verifies against a
// shared HMAC secret.
type TokenAuthenticator struct {
	Secret []byte
	// Prompt asks the user for a token. Without it Interactive behaves like
	// Silent.
	Prompt func(ctx context.Context) (string, error)
	Now    func() time.Time
}

var _ Authenticator = (*TokenAuthenticator)(nil)

func (a *TokenAuthenticator) Silent(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return s, syncErrors.NewNetworkError(syncErrors.OpAuth, err)
	}
	return a.verify(s, s.Token)
}

func (a *TokenAuthenticator) Interactive(ctx context.Context, s Session) (Session, error) {
	if a.Prompt == nil {
		return a.Silent(ctx, s)
	}
	token, err := a.Prompt(ctx)
	if err != nil {
		return s, syncErrors.NewAuthError(syncErrors.OpAuth, err)
	}
	return a.verify(s, token)
}

func (a *TokenAuthenticator) verify(s Session, token string) (Session, error) {
	claims, err := ParseToken(token, a.Secret, a.Now)
	if err != nil {
		return s, err
	}
	s.Identity = claims.Subject
	s.Token = token
	s.Capability = claims.Capability
	if s.Capability == "" {
		s.Capability = FullAccess
	}
	return s, nil
}

// StaticAuthenticator accepts every session unchanged. It is meant for
// shared folders and tests, where the remote enforces no identity.
type StaticAuthenticator struct{}

func (StaticAuthenticator) Silent(ctx context.Context, s Session) (Session, error) {
	return s, ctx.Err()
}

func (a StaticAuthenticator) Interactive(ctx context.Context, s Session) (Session, error) {
	return a.Silent(ctx, s)
}
