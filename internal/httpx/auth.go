package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleParent  = "parent"
	RoleCanteen = "canteen"
	RoleAdmin   = "admin"
)

// Claims: sub is the parent id for RoleParent tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// Auth checks bearer tokens minted by the school's identity gateway.
type Auth struct {
	Secret []byte
}

func (a *Auth) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a *Auth) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware accepts "Authorization: Bearer <jwt>" or, for websocket
// upgrades, a token query parameter. A nil Auth lets everything through.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeProblem(w, http.StatusUnauthorized, kindUnauthorized, "invalid authorization format")
				return
			}
			token = parts[1]
		}
		if token == "" {
			writeProblem(w, http.StatusUnauthorized, kindUnauthorized, "missing authorization header")
			return
		}
		claims, err := a.Parse(token)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, kindUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireRole checks that the authenticated caller has one of the allowed roles.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFrom(r.Context())
			if !ok {
				// auth disabled
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range allowed {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeProblem(w, http.StatusForbidden, "Forbidden", "role not allowed")
		})
	}
}

// canActFor reports whether the caller may read or spend parentID's wallet.
func canActFor(r *http.Request, parentID string) bool {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		return true
	}
	switch claims.Role {
	case RoleAdmin, RoleCanteen:
		return true
	case RoleParent:
		return claims.Subject == parentID
	}
	return false
}

// actingParent is the parent a cancellation is scoped to; empty means staff.
func actingParent(r *http.Request) string {
	if claims, ok := claimsFrom(r.Context()); ok && claims.Role == RoleParent {
		return claims.Subject
	}
	return ""
}
