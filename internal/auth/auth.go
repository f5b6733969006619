// Package auth issues and verifies the signed tokens that identify a session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the decoded identity attached to a session or request.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Claims is the JWT body. UserID mirrors the subject for clients that read it directly.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token for id that expires after the issuer's TTL.
func (i *Issuer) Issue(id Identity) (string, error) {
	if id.UserID == "" || id.Username == "" {
		return "", fmt.Errorf("issue token: identity is incomplete")
	}
	now := i.now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks signature, algorithm and expiry and returns the identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{UserID: claims.UserID, Username: claims.Username}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" || id.Username == "" {
		return Identity{}, fmt.Errorf("%w: identity claims missing", ErrInvalidToken)
	}
	return id, nil
}

// TokenFromRequest pulls the token a client supplied with its handshake:
// the "token" query parameter, a bearer Authorization header, or a "token" cookie.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate resolves the identity for an incoming request.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	return v.Verify(TokenFromRequest(r))
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// RejectionMessage is the outcome reported to a refused client.
func RejectionMessage(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return "Unauthorized"
	}
	return "Invalid token"
}
