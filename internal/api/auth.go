// Package api exposes the orchestrator's External Interface over HTTP,
// adapted from the teacher's otc-gateway/server package: chi router, JWT
// bearer authentication, role middleware, and the
// writeJSON/handleOrchestratorError response helpers.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const claimsContextKey contextKey = "api_claims"

// Role enumerates the personas permitted to call the Core's HTTP surface.
type Role string

const (
	RoleMaker      Role = "maker"
	RoleApprover   Role = "approver"
	RoleCompliance Role = "compliance"
	RoleAuditor    Role = "auditor"
	RoleAdmin      Role = "admin"
)

// Claims is the identity carried by a request's bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// UserID parses the JWT subject as the actor's UUID.
func (c Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Authenticator validates bearer tokens signed with a shared secret, mirroring
// otc-gateway/auth.Authenticate but scoped to the Core's five roles.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator constructs an Authenticator from a signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware extracts and validates the bearer token, attaching Claims to the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, *claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext recovers the authenticated Claims, mirroring
// otc-gateway/auth.FromContext.
func ClaimsFromContext(ctx context.Context) (Claims, error) {
	claims, ok := ctx.Value(claimsContextKey).(Claims)
	if !ok {
		return Claims{}, errors.New("no claims in context")
	}
	return claims, nil
}

// RequireRole rejects requests whose Claims.Role is not among allowed.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	set := make(map[Role]struct{}, len(allowed))
	for _, r := range allowed {
		set[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := ClaimsFromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := set[claims.Role]; !ok {
				http.Error(w, "role not permitted for this operation", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
