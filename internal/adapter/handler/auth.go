package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleReseller Role = "reseller"
	RoleAdmin    Role = "admin"
)

// Claims identify the caller; the user id travels in the standard subject.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// OwnerFunc resolves the users owning the resource a request addresses.
type OwnerFunc func(r *http.Request) ([]string, error)

// Policy grants access to callers holding one of Roles, or, when Owner is
// set, to the caller owning the addressed resource.
type Policy struct {
	Roles []Role
	Owner OwnerFunc
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) IssueToken(userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	return claims, nil
}

func (a *Authenticator) bearer(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, domain.ErrUnauthorized
	}
	return a.ParseToken(token)
}

// Authorize evaluates p once per request before next runs and stores the
// caller's claims in the request context.
func (a *Authenticator) Authorize(p Policy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.bearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}

		if !slices.Contains(p.Roles, claims.Role) {
			if p.Owner == nil {
				writeError(w, domain.ErrForbidden)
				return
			}
			owners, err := p.Owner(r)
			if errors.Is(err, domain.ErrStoreUnavailable) {
				writeError(w, err)
				return
			}
			// A missing resource answers the same as a foreign one.
			if err != nil || !slices.Contains(owners, claims.Subject) {
				writeError(w, domain.ErrForbidden)
				return
			}
		}

		next(w, r.WithContext(withClaims(r.Context(), claims)))
	}
}
