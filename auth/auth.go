// Package auth authenticates API requests and enforces role-based access.
// Tokens are HS256 JWTs; in development mode a bare "subject|role" bearer
// string is accepted so local tooling does not need to mint tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role labels what a caller may do.
type Role string

// Roles recognised by the API.
const (
	// RoleUser is a participant acting on their own enrollments.
	RoleUser Role = "user"
	// RoleStaff verifies check-ins and completes participants at events.
	RoleStaff Role = "staff"
	// RolePartner manages a sponsor's brand and submits events for review.
	RolePartner Role = "partner"
	// RoleAdmin administers sponsors, budgets and event approvals.
	RoleAdmin Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleStaff, RolePartner, RoleAdmin:
		return true
	default:
		return false
	}
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

type contextKey struct{}

// ErrUnauthenticated indicates the request carried no usable credentials.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier parses bearer credentials into identities.
type Verifier struct {
	secret  []byte
	issuer  string
	devMode bool
}

// NewVerifier constructs a verifier. With devMode set, "subject|role" bearer
// strings are accepted alongside JWTs.
func NewVerifier(secret, issuer string, devMode bool) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, devMode: devMode}
}

type apiClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identify parses a bearer token into an identity.
func (v *Verifier) Identify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if v.devMode && strings.Contains(token, "|") {
		return v.identifyDev(token)
	}

	parsed, err := jwt.ParseWithClaims(token, &apiClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*apiClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrUnauthenticated
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	role := Role(strings.ToLower(claims.Role))
	if !role.valid() {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: userID, Role: role}, nil
}

func (v *Verifier) identifyDev(token string) (*Identity, error) {
	subject, role, _ := strings.Cut(token, "|")
	userID, err := uuid.Parse(strings.TrimSpace(subject))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	parsed := Role(strings.ToLower(strings.TrimSpace(role)))
	if !parsed.valid() {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: userID, Role: parsed}, nil
}

// Middleware authenticates the request and stores the identity in the
// context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := v.Identify(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*Identity)
	return identity, ok
}

// RequireRole rejects requests whose identity holds none of the listed
// roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[identity.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sign mints an HS256 token for the identity, useful for tests and tooling.
func (v *Verifier) Sign(identity Identity) (string, error) {
	claims := apiClaims{
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity.UserID.String(),
			Issuer:  v.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
